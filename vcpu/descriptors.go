package vcpu

import (
	"encoding/binary"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/desctable"
	"github.com/virt86go/virt86/x86reg"
)

const descriptorSize = 8

// readDescriptor reads the descriptor at selector's index within table,
// bounds-checking against the table limit, then re-reading as the 16-byte
// IA-32e system-descriptor form when the entry is a system descriptor of
// a type that takes that form and the CPU is in long mode, per spec.md
// §4.4 "get_gdt_entry". The returned SystemEntry's BaseHigh32 is zero for
// every non-system and legacy-mode descriptor.
func (c *VCPU) readDescriptor(table x86reg.TableReg, index uint32) (desctable.SystemEntry, backend.VCPUStatus, error) {
	if index+descriptorSize-1 > uint32(table.Limit) {
		return desctable.SystemEntry{}, backend.VCPUInvalidSelector, nil
	}

	var buf [8]byte

	n, err := c.LMemRead(table.Base+uint64(index), buf[:])
	if err != nil {
		return desctable.SystemEntry{}, backend.VCPUFailed, err
	}

	if n != len(buf) {
		return desctable.SystemEntry{}, backend.VCPUFailed, nil
	}

	e := desctable.Decode(binary.LittleEndian.Uint64(buf[:]))

	if e.S {
		return desctable.SystemEntry{Entry: e}, backend.VCPUOK, nil
	}

	if !desctable.Is64BitSystemType(e.Type) {
		return desctable.SystemEntry{}, backend.VCPUInvalidSelector, nil
	}

	mode, err := c.GetExecutionMode()
	if err != nil {
		return desctable.SystemEntry{}, backend.VCPUFailed, err
	}

	if mode != x86reg.ModeLong {
		return desctable.SystemEntry{Entry: e}, backend.VCPUOK, nil
	}

	var high [8]byte

	n, err = c.LMemRead(table.Base+uint64(index)+8, high[:])
	if err != nil {
		return desctable.SystemEntry{}, backend.VCPUFailed, err
	}

	if n != len(high) {
		return desctable.SystemEntry{}, backend.VCPUFailed, nil
	}

	return desctable.DecodeSystem([2]uint64{binary.LittleEndian.Uint64(buf[:]), binary.LittleEndian.Uint64(high[:])}),
		backend.VCPUOK, nil
}

// writeDescriptor is the inverse of readDescriptor.
func (c *VCPU) writeDescriptor(table x86reg.TableReg, index uint32, e desctable.SystemEntry) (backend.VCPUStatus, error) {
	if index+descriptorSize-1 > uint32(table.Limit) {
		return backend.VCPUInvalidSelector, nil
	}

	if !e.S && !desctable.Is64BitSystemType(e.Type) {
		return backend.VCPUInvalidSelector, nil
	}

	words := desctable.EncodeSystem(e)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], words[0])

	n, err := c.LMemWrite(table.Base+uint64(index), buf[:])
	if err != nil {
		return backend.VCPUFailed, err
	}

	if n != len(buf) {
		return backend.VCPUFailed, nil
	}

	if e.S || !desctable.Is64BitSystemType(e.Type) {
		return backend.VCPUOK, nil
	}

	mode, err := c.GetExecutionMode()
	if err != nil {
		return backend.VCPUFailed, err
	}

	if mode != x86reg.ModeLong {
		return backend.VCPUOK, nil
	}

	var high [8]byte
	binary.LittleEndian.PutUint64(high[:], words[1])

	if _, err := c.LMemWrite(table.Base+uint64(index)+8, high[:]); err != nil {
		return backend.VCPUFailed, err
	}

	return backend.VCPUOK, nil
}

// GetGDTEntry reads the descriptor at selector from the GDT, per
// spec.md §4.4.
func (c *VCPU) GetGDTEntry(selector uint16) (desctable.SystemEntry, backend.VCPUStatus, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return desctable.SystemEntry{}, backend.VCPUFailed, err
	}

	return c.readDescriptor(s.GDT, uint32(selector&^0x7))
}

// SetGDTEntry writes the descriptor at selector into the GDT.
func (c *VCPU) SetGDTEntry(selector uint16, e desctable.SystemEntry) (backend.VCPUStatus, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return backend.VCPUFailed, err
	}

	return c.writeDescriptor(s.GDT, uint32(selector&^0x7), e)
}

// GetIDTEntry reads the descriptor at vector from the IDT, per
// spec.md §4.4 "get_idt_entry".
func (c *VCPU) GetIDTEntry(vector uint8) (desctable.SystemEntry, backend.VCPUStatus, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return desctable.SystemEntry{}, backend.VCPUFailed, err
	}

	return c.readDescriptor(s.IDT, uint32(vector)*descriptorSize)
}

// SetIDTEntry writes the descriptor at vector into the IDT.
func (c *VCPU) SetIDTEntry(vector uint8, e desctable.SystemEntry) (backend.VCPUStatus, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return backend.VCPUFailed, err
	}

	return c.writeDescriptor(s.IDT, uint32(vector)*descriptorSize, e)
}
