// Package serial is a 16550-compatible UART exposed through the
// backend-neutral I/O handler table (ioshim.Table) instead of a fixed
// device-dispatch table: a concrete port-read/port-write callback pair
// that cli's run subcommand wires through
// vm.VM.RegisterIOReadCallback/RegisterIOWriteCallback.
//
// Grounded in serial.Serial (serial/serial.go): the register layout, DLAB
// handling, and THR/LSR/IER semantics are kept verbatim; only the callback
// signature changes, from the teacher's (port uint64, values []byte) error
// method pair to ioshim.PortReadFunc/PortWriteFunc's
// (ctx any, port uint16, values []byte) error shape, and IRQInjector is
// generalized from a one-off interface implemented by machine.Machine into
// one implemented by *vcpu.VCPU (EnqueueInterrupt), per spec.md §4.6. The
// teacher's Start (raw-terminal stdin pump) is dropped: it belongs to the
// term/tap device-emulation layer spec.md's Non-goals exclude, not to this
// library's PIO-handler surface.
package serial

import (
	"fmt"
	"io"
	"os"
)

// COM1Addr is the base I/O port of the first serial port.
const COM1Addr = 0x03f8

// IRQInjector enqueues a vector for delivery on the owning VCPU, per
// spec.md §4.6. *vcpu.VCPU satisfies this via EnqueueInterrupt.
type IRQInjector interface {
	EnqueueInterrupt(vector uint8) error
}

// Serial is a minimal 16550 UART: enough register state to satisfy a
// Linux serial console (THR/RBR, IER, LCR, LSR), backed by an io.Writer
// for output and a buffered channel for input.
type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	irq    IRQInjector
	vector uint8
	output io.Writer
}

// New constructs a Serial that raises vector on irq each time the guest
// writes a non-zero value to IER (mirroring the teacher's "enable interrupts -> fire once"
// behavior), writing guest output to os.Stdout by default.
func New(irq IRQInjector, vector uint8) *Serial {
	return &Serial{
		inputChan: make(chan byte, 10000),
		irq:       irq,
		vector:    vector,
		output:    os.Stdout,
	}
}

// SetOutput redirects guest console output, e.g. for test capture.
func (s *Serial) SetOutput(w io.Writer) { s.output = w }

// Feed enqueues one byte of guest input for a later RBR read.
func (s *Serial) Feed(b byte) { s.inputChan <- b }

func (s *Serial) dlab() bool { return s.LCR&0x80 != 0 }

// PortRead implements ioshim.PortReadFunc for COM1Addr..COM1Addr+7.
func (s *Serial) PortRead(_ any, port uint16, values []byte) error {
	reg := int(port) - COM1Addr

	switch {
	case reg == 0 && !s.dlab():
		// RBR
		if len(s.inputChan) > 0 {
			values[0] = <-s.inputChan
		}
	case reg == 0 && s.dlab():
		values[0] = 0xc // DLL, baud rate 9600
	case reg == 1 && !s.dlab():
		values[0] = s.IER
	case reg == 1 && s.dlab():
		values[0] = 0x0 // DLM, baud rate 9600
	case reg == 5:
		// LSR
		values[0] |= 0x20 // THR empty
		values[0] |= 0x40 // data holding registers empty

		if len(s.inputChan) > 0 {
			values[0] |= 0x1 // data ready
		}
	}

	return nil
}

// PortWrite implements ioshim.PortWriteFunc for COM1Addr..COM1Addr+7.
func (s *Serial) PortWrite(_ any, port uint16, values []byte) error {
	reg := int(port) - COM1Addr

	switch {
	case reg == 0 && !s.dlab():
		fmt.Fprintf(s.output, "%c", values[0])
	case reg == 1 && !s.dlab():
		s.IER = values[0]
		if s.IER != 0 {
			return s.irq.EnqueueInterrupt(s.vector)
		}
	case reg == 3:
		s.LCR = values[0]
	}

	return nil
}
