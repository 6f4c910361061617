// Package vcpu is the backend-neutral virtual processor of spec.md §4.4:
// run/step, the pending-interrupt handshake, register and descriptor-table
// accessors, and linear-to-physical address translation.
//
// Grounded in machine.Machine.RunOnce/SingleStep/Translate (run/step/
// translate control flow) and kvm.GetRegs/SetRegs/GetSregs/SetSregs (the
// register accessors), generalized from one fixed KVM vcpu onto any
// backend.VCPU. The paging walk in translate.go and the descriptor-table
// walk in descriptors.go are new code: the teacher never performs a
// software page walk (KVM_TRANSLATE does it in-kernel) or reads the GDT
// from guest memory, so both are grounded directly in spec.md §4.5/§4.4
// and the bit layouts of x86reg/desctable.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/ioshim"
	"github.com/virt86go/virt86/x86reg"
)

// Memory is the physical-memory access surface a VCPU needs from its
// parent VM. vm.VM satisfies this structurally; vcpu never imports vm,
// avoiding an import cycle (vm.VM owns *vcpu.VCPU values).
type Memory interface {
	MemReadPhys(base uint64, dst []byte) (int, gpamem.MapStatus)
	MemWritePhys(base uint64, src []byte) (int, gpamem.MapStatus)
}

// VCPU is one virtual processor, owned by a VM. Attributes mirror
// spec.md §3 "VCPU": parent reference, I/O handler table reference, index,
// most-recent exit info, mutex-guarded pending-interrupt queue, and
// backend state.
type VCPU struct {
	index    int
	parent   Memory
	io       *ioshim.Table
	backend  backend.VCPU
	features backend.FeatureRecord

	mu      sync.Mutex
	pending []uint8

	lastExit backend.ExitInfo
}

// New constructs a VCPU. io may be nil, in which case PIO/MMIO exits are
// reported but never dispatched to a callback.
func New(index int, parent Memory, io *ioshim.Table, be backend.VCPU, features backend.FeatureRecord) *VCPU {
	return &VCPU{index: index, parent: parent, io: io, backend: be, features: features}
}

// Index returns the VCPU's position within its VM's ordered VCPU sequence.
func (c *VCPU) Index() int { return c.index }

// Close releases backend VCPU state. Called by vm.VM.Close before the
// owning VM releases its own backend state, per spec.md §3's "VCPUs are
// destroyed before the VM frees backend state".
func (c *VCPU) Close() error { return c.backend.Close() }

// LastExit returns the most recently recorded VM-exit info.
func (c *VCPU) LastExit() backend.ExitInfo { return c.lastExit }

// EnqueueInterrupt pushes vector onto the pending queue under the queue's
// mutex and notifies the backend to prepare, per spec.md §4.6. Safe to
// call from any thread, including one other than the VCPU's owning thread.
func (c *VCPU) EnqueueInterrupt(vector uint8) error {
	c.mu.Lock()
	c.pending = append(c.pending, vector)
	c.mu.Unlock()

	return c.backend.PrepareInterrupt(vector)
}

// drainPending implements the handshake of spec.md §4.6, called at the
// top of Run/Step. Dequeues only ever happen here, on the owning thread.
func (c *VCPU) drainPending() error {
	c.mu.Lock()

	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}

	if !c.backend.CanInjectInterrupt() {
		c.mu.Unlock()
		return c.backend.RequestInterruptWindow()
	}

	vector := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	return c.backend.InjectInterrupt(vector)
}

// dispatchIO fires the VM's registered I/O callback for a PIO or MMIO
// exit before Run returns, so that by the time a caller observes exit
// reason PIO/MMIO the callback has already recorded or supplied the
// transfer (spec.md §8.2 scenario 2: "After run, exit reason is PIO and
// the callback recorded (0x42, 1, 0xAB)"). kvmbackend.VCPU.Run, by
// contrast, only ever reports the raw exit — dispatch belongs here so
// that every backend gets it for free.
func (c *VCPU) dispatchIO(info *backend.ExitInfo) error {
	if c.io == nil {
		return nil
	}

	switch info.Kind {
	case backend.ExitPIO:
		if info.PortWrite {
			return c.io.PortWrite(info.Port, info.PortData)
		}

		return c.io.PortRead(info.Port, info.PortData)

	case backend.ExitMMIO:
		if info.MMIOWrite {
			return c.io.MMIOWrite(info.Addr, info.MMIOData)
		}

		return c.io.MMIORead(info.Addr, info.MMIOData)
	}

	return nil
}

// Run drains pending interrupts, asks the backend to execute the VCPU,
// dispatches any PIO/MMIO callback, and records the exit info, per
// spec.md §4.4 "run()".
func (c *VCPU) Run() (backend.ExitInfo, backend.VCPUStatus, error) {
	if err := c.drainPending(); err != nil {
		return backend.ExitInfo{}, backend.VCPUFailed, fmt.Errorf("vcpu: interrupt handshake: %w", err)
	}

	info, status, err := c.backend.Run()
	if err != nil {
		c.lastExit = info
		return info, backend.VCPUFailed, err
	}

	if err := c.dispatchIO(&info); err != nil {
		c.lastExit = info
		return info, backend.VCPUFailed, fmt.Errorf("vcpu: io callback: %w", err)
	}

	c.lastExit = info

	return info, status, nil
}

// Step drains pending interrupts and calls the backend's Step hook,
// available only when the feature record advertises guest debugging, per
// spec.md §4.4. A resulting SoftwareBreakpoint exit is rewritten as Step.
// Step does not itself enable or disable single-step debug state; whether
// the guest stops after one instruction depends on the backend's Step.
func (c *VCPU) Step() (backend.ExitInfo, backend.VCPUStatus, error) {
	if !c.features.GuestDebugging {
		return backend.ExitInfo{}, backend.VCPUUnsupported, nil
	}

	if err := c.drainPending(); err != nil {
		return backend.ExitInfo{}, backend.VCPUFailed, fmt.Errorf("vcpu: interrupt handshake: %w", err)
	}

	info, status, err := c.backend.Step()
	if err != nil {
		c.lastExit = info
		return info, backend.VCPUFailed, err
	}

	if info.Kind == backend.ExitSoftwareBreakpoint {
		info.Kind = backend.ExitStep
	}

	if err := c.dispatchIO(&info); err != nil {
		c.lastExit = info
		return info, backend.VCPUFailed, fmt.Errorf("vcpu: io callback: %w", err)
	}

	c.lastExit = info

	return info, status, nil
}

// GetExecutionMode derives the CPU execution mode per spec.md §4.4 /
// x86reg.EffectiveMode.
func (c *VCPU) GetExecutionMode() (x86reg.Mode, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return 0, err
	}

	r, err := c.backend.GetRegs()
	if err != nil {
		return 0, err
	}

	return x86reg.EffectiveMode(s, r.RFlags), nil
}

// GetPagingMode derives the CPU paging mode per spec.md §4.4 /
// x86reg.EffectivePagingMode.
func (c *VCPU) GetPagingMode() (x86reg.PagingMode, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return 0, err
	}

	return x86reg.EffectivePagingMode(s), nil
}

// MemRead reads physical memory by delegating to the parent VM, per
// spec.md §4.4 "mem_read (physical): delegate to the VM".
func (c *VCPU) MemRead(base uint64, dst []byte) (int, gpamem.MapStatus) {
	return c.parent.MemReadPhys(base, dst)
}

// MemWrite writes physical memory by delegating to the parent VM.
func (c *VCPU) MemWrite(base uint64, src []byte) (int, gpamem.MapStatus) {
	return c.parent.MemWritePhys(base, src)
}

// GetRegs returns the general-purpose register file.
func (c *VCPU) GetRegs() (x86reg.GPRs, error) { return c.backend.GetRegs() }

// SetRegs sets the general-purpose register file.
func (c *VCPU) SetRegs(r x86reg.GPRs) error { return c.backend.SetRegs(r) }

// GetSregs returns the segment/control register file.
func (c *VCPU) GetSregs() (x86reg.Sregs, error) { return c.backend.GetSregs() }

// SetSregs sets the segment/control register file.
func (c *VCPU) SetSregs(s x86reg.Sregs) error { return c.backend.SetSregs(s) }

// GetDebugRegs returns DR0-DR3/DR6/DR7.
func (c *VCPU) GetDebugRegs() (x86reg.DebugRegs, error) { return c.backend.GetDebugRegs() }

// SetDebugRegs sets DR0-DR3/DR6/DR7.
func (c *VCPU) SetDebugRegs(d x86reg.DebugRegs) error { return c.backend.SetDebugRegs(d) }

// GetMSR reads one MSR; an MSR number the backend does not support is
// reported as VCPUInvalidRegister, per spec.md §4.4.
func (c *VCPU) GetMSR(index uint32) (uint64, backend.VCPUStatus, error) {
	v, ok, err := c.backend.GetMSR(index)
	if err != nil {
		return 0, backend.VCPUFailed, err
	}

	if !ok {
		return 0, backend.VCPUInvalidRegister, nil
	}

	return v, backend.VCPUOK, nil
}

// SetMSR writes one MSR.
func (c *VCPU) SetMSR(index uint32, value uint64) (backend.VCPUStatus, error) {
	ok, err := c.backend.SetMSR(index, value)
	if err != nil {
		return backend.VCPUFailed, err
	}

	if !ok {
		return backend.VCPUInvalidRegister, nil
	}

	return backend.VCPUOK, nil
}

// GetMSRs is the bulk variant, looping over the scalar form per spec.md
// §4.4 ("bulk default loops over the scalar form, with backend overrides
// permitted for efficiency" — kvmbackend does not override this one).
func (c *VCPU) GetMSRs(indices []uint32) ([]uint64, backend.VCPUStatus, error) {
	out := make([]uint64, len(indices))

	for i, idx := range indices {
		v, status, err := c.GetMSR(idx)
		if err != nil || status != backend.VCPUOK {
			return nil, status, err
		}

		out[i] = v
	}

	return out, backend.VCPUOK, nil
}

// SetMSRs is the bulk variant of SetMSR.
func (c *VCPU) SetMSRs(indices []uint32, values []uint64) (backend.VCPUStatus, error) {
	for i, idx := range indices {
		status, err := c.SetMSR(idx, values[i])
		if err != nil || status != backend.VCPUOK {
			return status, err
		}
	}

	return backend.VCPUOK, nil
}

// GetFPUControl returns the x87 FPU control word.
func (c *VCPU) GetFPUControl() (uint16, error) { return c.backend.GetFPUControl() }

// SetFPUControl sets the x87 FPU control word.
func (c *VCPU) SetFPUControl(v uint16) error { return c.backend.SetFPUControl(v) }

// GetMXCSR returns the SSE control/status register.
func (c *VCPU) GetMXCSR() (uint32, error) { return c.backend.GetMXCSR() }

// SetMXCSR sets the SSE control/status register.
func (c *VCPU) SetMXCSR(v uint32) error { return c.backend.SetMXCSR(v) }

// GetMXCSRMask returns the backend's supported-bits mask for MXCSR.
// Optional per spec.md §4.4; ok is false when the backend does not expose
// one.
func (c *VCPU) GetMXCSRMask() (uint32, bool, error) { return c.backend.GetMXCSRMask() }

// GetVirtualTSCOffset returns the guest TSC offset. Optional; ok is false
// when unsupported.
func (c *VCPU) GetVirtualTSCOffset() (uint64, bool, error) { return c.backend.GetVirtualTSCOffset() }

// SetVirtualTSCOffset sets the guest TSC offset. Optional; ok is false
// when unsupported.
func (c *VCPU) SetVirtualTSCOffset(v uint64) (bool, error) { return c.backend.SetVirtualTSCOffset(v) }

// EnableSoftwareBreakpoints is optional; default Unsupported when the
// backend does not implement guest debugging.
func (c *VCPU) EnableSoftwareBreakpoints(enable bool) backend.VCPUStatus {
	if !c.features.GuestDebugging {
		return backend.VCPUUnsupported
	}

	return backend.VCPUOK
}

// HardwareBreakpoint describes one DR0-DR3 programmed breakpoint.
type HardwareBreakpoint struct {
	Address uint64
	Local   bool
	Global  bool
	// Condition is 0=execute, 1=write, 2=I/O (reserved on amd64), 3=read/write.
	Condition uint8
	// Length is 0=1 byte, 1=2 bytes, 2=8 bytes (reserved combination 2
	// without PAE), 3=4 bytes, per DR7 encoding.
	Length uint8
}

const maxHardwareBreakpoints = 4

// SetHardwareBreakpoints programs DR0..DR3 and the corresponding DR7
// local/global enable, condition, and length fields, per spec.md §4.4.
// Optional; default Unsupported when guest debugging isn't advertised.
func (c *VCPU) SetHardwareBreakpoints(bps []HardwareBreakpoint) (backend.VCPUStatus, error) {
	if !c.features.GuestDebugging {
		return backend.VCPUUnsupported, nil
	}

	if len(bps) > maxHardwareBreakpoints {
		return backend.VCPUInvalidArguments, nil
	}

	d, err := c.backend.GetDebugRegs()
	if err != nil {
		return backend.VCPUFailed, err
	}

	d.DR7 = 0

	for i, bp := range bps {
		d.DR[i] = bp.Address

		if bp.Local {
			d.DR7 |= 1 << uint(i*2)
		}

		if bp.Global {
			d.DR7 |= 1 << uint(i*2+1)
		}

		d.DR7 |= uint64(bp.Condition&0x3) << uint(16+i*4)
		d.DR7 |= uint64(bp.Length&0x3) << uint(18+i*4)
	}

	if err := c.backend.SetDebugRegs(d); err != nil {
		return backend.VCPUFailed, err
	}

	return backend.VCPUOK, nil
}

// ClearHardwareBreakpoints disables DR0..DR3 and clears DR7.
func (c *VCPU) ClearHardwareBreakpoints() (backend.VCPUStatus, error) {
	return c.SetHardwareBreakpoints(nil)
}

// GetBreakpointAddress returns the address programmed into DR{index}.
// ok is false for an out-of-range index or when guest debugging isn't
// advertised.
func (c *VCPU) GetBreakpointAddress(index int) (uint64, bool, error) {
	if !c.features.GuestDebugging || index < 0 || index >= maxHardwareBreakpoints {
		return 0, false, nil
	}

	d, err := c.backend.GetDebugRegs()
	if err != nil {
		return 0, false, err
	}

	return d.DR[index], true, nil
}

// ReadSegment consults the GDT to fill a segment register value for
// selector, per spec.md §4.4 "read_segment". Only data/code descriptors,
// and LDT/TSS among system descriptors, are loadable; gates and reserved
// system types are rejected as InvalidSelector.
func (c *VCPU) ReadSegment(selector uint16) (x86reg.Segment, backend.VCPUStatus, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return x86reg.Segment{}, backend.VCPUFailed, err
	}

	se, status, err := c.readDescriptor(s.GDT, uint32(selector&^0x7))
	if err != nil || status != backend.VCPUOK {
		return x86reg.Segment{}, status, err
	}

	e := se.Entry

	// Among system descriptors, only LDT (0x2) and TSS (0x9/0xB) are
	// loadable into a segment register; gates (0xC/0xE/0xF) and reserved
	// types are rejected. readDescriptor already rejected non-S types
	// outside Is64BitSystemType.
	if !e.S && e.Type != 0x2 && e.Type != 0x9 && e.Type != 0xB {
		return x86reg.Segment{}, backend.VCPUInvalidSelector, nil
	}

	base := uint64(e.Base) | uint64(se.BaseHigh32)<<32

	return x86reg.Segment{
		Base: base, Limit: e.Limit, Selector: selector, Type: e.Type,
		Present: boolToUint8(e.Present), DPL: e.DPL, DB: boolToUint8(e.DB),
		S: boolToUint8(e.S), L: boolToUint8(e.L), G: boolToUint8(e.G),
		AVL: boolToUint8(e.AVL),
	}, backend.VCPUOK, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}

// GetSegmentSize classifies segment width from the descriptor attributes,
// per spec.md §4.4 "get_segment_size".
func (c *VCPU) GetSegmentSize(selector uint16) (int, backend.VCPUStatus, error) {
	seg, status, err := c.ReadSegment(selector)
	if err != nil || status != backend.VCPUOK {
		return 0, status, err
	}

	switch {
	case seg.L != 0:
		return 64, backend.VCPUOK, nil
	case seg.DB != 0:
		return 32, backend.VCPUOK, nil
	default:
		return 16, backend.VCPUOK, nil
	}
}
