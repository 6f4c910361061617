// Package ioshim is the VM-scoped I/O handler table of spec.md §4.2/§6.6:
// four optional port-read/port-write/MMIO-read/MMIO-write callback slots
// plus an opaque context value passed back to each call. Unset slots act
// as no-ops (reads return zero, writes drop), matching spec.md §3's
// "I/O handler table" definition.
//
// Grounded in machine.registerIOPortHandler/initIOPortHandlers's port
// range to handler table in the teacher (a fixed table keyed by device:
// serial, virtio-net, virtio-blk, i8042, PCI config, RTC...), generalized
// from that closed device set to the spec's four generic callback slots.
// serial.Serial.In's (port uint64, values []byte) error shape is the model
// for the PortRead/PortWrite function signatures below.
package ioshim

// PortReadFunc handles a CPU IN from an I/O port. values is sized to the
// access width (1, 2, or 4 bytes) and must be filled by the handler.
type PortReadFunc func(ctx any, port uint16, values []byte) error

// PortWriteFunc handles a CPU OUT to an I/O port.
type PortWriteFunc func(ctx any, port uint16, values []byte) error

// MMIOReadFunc handles a guest read from a memory-mapped I/O address.
type MMIOReadFunc func(ctx any, addr uint64, values []byte) error

// MMIOWriteFunc handles a guest write to a memory-mapped I/O address.
type MMIOWriteFunc func(ctx any, addr uint64, values []byte) error

// Table holds the four callback slots and the opaque context passed to
// them. The zero value is a valid, fully-no-op table.
type Table struct {
	Context any

	portRead   PortReadFunc
	portWrite  PortWriteFunc
	mmioRead   MMIOReadFunc
	mmioWrite  MMIOWriteFunc
}

// SetPortRead installs f as the port-read callback, or clears it if f is nil.
func (t *Table) SetPortRead(f PortReadFunc) { t.portRead = f }

// SetPortWrite installs f as the port-write callback, or clears it if f is nil.
func (t *Table) SetPortWrite(f PortWriteFunc) { t.portWrite = f }

// SetMMIORead installs f as the MMIO-read callback, or clears it if f is nil.
func (t *Table) SetMMIORead(f MMIOReadFunc) { t.mmioRead = f }

// SetMMIOWrite installs f as the MMIO-write callback, or clears it if f is nil.
func (t *Table) SetMMIOWrite(f MMIOWriteFunc) { t.mmioWrite = f }

// PortRead dispatches a port-read exit. Unset handlers zero-fill values.
func (t *Table) PortRead(port uint16, values []byte) error {
	if t.portRead == nil {
		for i := range values {
			values[i] = 0
		}

		return nil
	}

	return t.portRead(t.Context, port, values)
}

// PortWrite dispatches a port-write exit. Unset handlers drop the write.
func (t *Table) PortWrite(port uint16, values []byte) error {
	if t.portWrite == nil {
		return nil
	}

	return t.portWrite(t.Context, port, values)
}

// MMIORead dispatches an MMIO-read exit. Unset handlers zero-fill values.
func (t *Table) MMIORead(addr uint64, values []byte) error {
	if t.mmioRead == nil {
		for i := range values {
			values[i] = 0
		}

		return nil
	}

	return t.mmioRead(t.Context, addr, values)
}

// MMIOWrite dispatches an MMIO-write exit. Unset handlers drop the write.
func (t *Table) MMIOWrite(addr uint64, values []byte) error {
	if t.mmioWrite == nil {
		return nil
	}

	return t.mmioWrite(t.Context, addr, values)
}
