package serial_test

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/virt86go/virt86/serial"
)

type mockInjector struct {
	vectors []uint8
}

func (m *mockInjector) EnqueueInterrupt(vector uint8) error {
	m.vectors = append(m.vectors, vector)
	return nil
}

func TestPortReadAllRegisters(t *testing.T) {
	t.Parallel()

	s := serial.New(&mockInjector{}, 0x24)

	for i := 0; i < 8; i++ {
		if err := s.PortRead(nil, uint16(serial.COM1Addr+i), []byte{0}); err != nil {
			t.Fatalf("PortRead(%d): %v", i, err)
		}
	}
}

func TestPortWriteAllRegisters(t *testing.T) {
	t.Parallel()

	s := serial.New(&mockInjector{}, 0x24)

	for i := 0; i < 8; i++ {
		if err := s.PortWrite(nil, uint16(serial.COM1Addr+i), []byte{0}); err != nil {
			t.Fatalf("PortWrite(%d): %v", i, err)
		}
	}
}

func TestPortWriteTHROutputsByte(t *testing.T) {
	t.Parallel()

	s := serial.New(&mockInjector{}, 0x24)

	var buf bytes.Buffer
	s.SetOutput(&buf)

	if err := s.PortWrite(nil, serial.COM1Addr, []byte{'A'}); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "A" {
		t.Fatalf("output = %q, want %q", got, "A")
	}
}

func TestPortWriteIEREnqueuesInterrupt(t *testing.T) {
	t.Parallel()

	inj := &mockInjector{}
	s := serial.New(inj, 0x24)

	if err := s.PortWrite(nil, serial.COM1Addr+1, []byte{0x01}); err != nil {
		t.Fatal(err)
	}

	if len(inj.vectors) != 1 || inj.vectors[0] != 0x24 {
		t.Fatalf("vectors = %v, want [0x24]", inj.vectors)
	}
}

func TestFeedThenReadRBR(t *testing.T) {
	t.Parallel()

	s := serial.New(&mockInjector{}, 0x24)
	s.Feed('Q')

	values := []byte{0}
	if err := s.PortRead(nil, serial.COM1Addr, values); err != nil {
		t.Fatal(err)
	}

	if values[0] != 'Q' {
		t.Fatalf("RBR = %q, want %q", values[0], 'Q')
	}
}

func TestSetOutputPipeReceivesTHRByte(t *testing.T) {
	t.Parallel()

	s := serial.New(&mockInjector{}, 0x24)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	s.SetOutput(w)

	if err := s.PortWrite(nil, serial.COM1Addr, []byte{'B'}); err != nil {
		t.Fatal(err)
	}

	w.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}

	if got := buf.String(); got != "B" {
		t.Fatalf("output = %q, want %q", got, "B")
	}
}
