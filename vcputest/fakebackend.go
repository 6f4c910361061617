// Package vcputest provides a pure-Go backend.Platform/backend.VM/
// backend.VCPU triple over a plain byte slice, standing in for /dev/kvm
// so the vcpu/vm/platform packages can be exercised without hardware
// virtualization, per SPEC_FULL.md §10. It interprets just enough of the
// x86 instruction set (HLT, byte-immediate OUT) to drive spec.md §8.2's
// scenarios 1 and 2.
//
// Grounded in the teacher's own test doubles are absent (gokvm has none —
// every machine_test.go exercise talks to real /dev/kvm, guarded by a
// root-skip), so this package is new code following the shape
// kvmbackend.VCPU.Run already establishes: decode exit_reason-equivalent
// state from a tiny fetch-decode loop instead of a kvm_run mmap.
package vcputest

import (
	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/x86reg"
)

// FakePlatform is a backend.Platform that never touches hardware.
type FakePlatform struct {
	Features backend.FeatureRecord
}

// NewFakePlatform builds a FakePlatform with a permissive feature record
// (guest debugging on, a 48-bit guest-physical address space).
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{Features: backend.FeatureRecord{
		MaxProcessorsPerVM: 4,
		MaxProcessorsTotal: 4,
		GPABits:            48,
		GPAMax:             1 << 48,
		GPAMask:            (1 << 48) - 1,
		GuestDebugging:     true,
		MemoryUnmapping:    true,
		PartialUnmapping:   true,
		MemoryAliasing:     true,
	}}
}

// Initialize implements backend.Platform.
func (p *FakePlatform) Initialize() (backend.InitStatus, backend.FeatureRecord, error) {
	return backend.InitOK, p.Features, nil
}

// CreateVM implements backend.Platform.
func (p *FakePlatform) CreateVM(spec backend.VMSpec) (backend.VM, error) {
	return &FakeVM{spec: spec}, nil
}

// FakeVM is a backend.VM whose "memory" is just a gpamem.Map shared with
// every FakeVCPU it creates, so vcpu.Translate's physical reads and the
// instruction fetch loop below see the same guest image.
type FakeVM struct {
	spec      backend.VMSpec
	sharedMem *gpamem.Map
	vcpus     []*FakeVCPU
}

// SetMemory installs the memory map FakeVCPU.Run fetches instructions
// from. Tests call this once per FakeVM, passing the same *gpamem.Map
// that backs the VCPU's physical reads (vcpu_test's memAdapter) —
// FakeVM never duplicates that state, it only borrows a reference.
func (v *FakeVM) SetMemory(m *gpamem.Map) { v.sharedMem = m }

// MapGuest implements backend.VM. The fake has no slot table of its own;
// instruction fetch reads go through the shared map installed by
// SetMemory instead.
func (v *FakeVM) MapGuest(base, size uint64, flags uint32, host []byte) error {
	return nil
}

// UnmapGuest implements backend.VM.
func (v *FakeVM) UnmapGuest(base, size uint64) error { return nil }

// SetGuestFlags implements backend.VM.
func (v *FakeVM) SetGuestFlags(base, size uint64, flags uint32) error { return nil }

// QueryDirty implements backend.VM.
func (v *FakeVM) QueryDirty(base, size uint64, bitmapOut []uint64) error { return nil }

// ClearDirty implements backend.VM.
func (v *FakeVM) ClearDirty(base, size uint64) error { return nil }

// CreateVCPU implements backend.VM.
func (v *FakeVM) CreateVCPU(index int) (backend.VCPU, error) {
	c := &FakeVCPU{vm: v, msrs: map[uint32]uint64{}}
	v.vcpus = append(v.vcpus, c)

	return c, nil
}

// Close implements backend.VM.
func (v *FakeVM) Close() error { return nil }

// FakeVCPU is a backend.VCPU that interprets a tiny instruction subset
// directly out of its parent FakeVM's memory map.
type FakeVCPU struct {
	vm *FakeVM

	regs  x86reg.GPRs
	sregs x86reg.Sregs
	debug x86reg.DebugRegs
	msrs  map[uint32]uint64
	mxcsr uint32
	fpu   uint16

	interruptWindow bool
	canInject       bool
	lastInjected    []uint8 // vectors InjectInterrupt has been asked to deliver, oldest first
}

// InjectedVectors returns every vector InjectInterrupt has been asked to
// deliver so far, in delivery order — used to assert spec.md §4.6's
// ordering guarantee.
func (c *FakeVCPU) InjectedVectors() []uint8 { return c.lastInjected }

func (c *FakeVCPU) mem() *gpamem.Map { return c.vm.sharedMem }

// Run implements backend.VCPU via a minimal fetch-decode step recognizing
// HLT (0xF4) and OUT AL, imm8 (0xE6 ib), per spec.md §8.2 scenarios 1-2.
// vcpu.VCPU's own pending-interrupt handshake (spec.md §4.6) already ran
// before Run is called; a pending RequestInterruptWindow call from that
// handshake surfaces here as an immediate Interrupt-window exit, exactly
// as a real backend would report the window opening.
func (c *FakeVCPU) Run() (backend.ExitInfo, backend.VCPUStatus, error) {
	if c.interruptWindow {
		c.interruptWindow = false
		return backend.ExitInfo{Kind: backend.ExitInterruptWindow}, backend.VCPUOK, nil
	}

	pc := c.sregs.CS.Base + c.regs.RIP

	var op [1]byte
	if n, status := c.mem().Read(pc, op[:]); n != 1 || status != gpamem.MapOK {
		return backend.ExitInfo{Kind: backend.ExitError, Detail: "instruction fetch failed"}, backend.VCPUFailed, nil
	}

	switch op[0] {
	case 0xF4: // HLT
		c.regs.RIP++
		return backend.ExitInfo{Kind: backend.ExitHLT}, backend.VCPUOK, nil

	case 0xE6: // OUT imm8, AL
		var imm [1]byte
		if n, status := c.mem().Read(pc+1, imm[:]); n != 1 || status != gpamem.MapOK {
			return backend.ExitInfo{Kind: backend.ExitError, Detail: "operand fetch failed"}, backend.VCPUFailed, nil
		}

		c.regs.RIP += 2

		al := byte(c.regs.RAX)

		return backend.ExitInfo{
			Kind: backend.ExitPIO, Port: uint16(imm[0]), PortWrite: true,
			PortData: []byte{al},
		}, backend.VCPUOK, nil

	default:
		return backend.ExitInfo{Kind: backend.ExitUnhandled, Detail: "unrecognized opcode"}, backend.VCPUOK, nil
	}
}

// Step implements backend.VCPU identically to Run (no real single-step
// state in this fake), rewritten to Step by vcpu.VCPU when the fetched
// exit is SoftwareBreakpoint — the fake never reports that kind, so tests
// exercising Step should set features.GuestDebugging and expect whatever
// Run would have returned.
func (c *FakeVCPU) Step() (backend.ExitInfo, backend.VCPUStatus, error) { return c.Run() }

// CanInjectInterrupt implements backend.VCPU.
func (c *FakeVCPU) CanInjectInterrupt() bool { return c.canInject }

// PrepareInterrupt implements backend.VCPU. Tests flip canInject via
// SetInjectable to control when the fake reports itself ready.
func (c *FakeVCPU) PrepareInterrupt(vector uint8) error { return nil }

// InjectInterrupt implements backend.VCPU, recording vector for
// InjectedVectors.
func (c *FakeVCPU) InjectInterrupt(vector uint8) error {
	c.lastInjected = append(c.lastInjected, vector)
	return nil
}

// RequestInterruptWindow implements backend.VCPU.
func (c *FakeVCPU) RequestInterruptWindow() error {
	c.interruptWindow = true
	return nil
}

// SetInjectable lets a test control whether CanInjectInterrupt reports
// true, to exercise both halves of spec.md §4.6's handshake branch.
func (c *FakeVCPU) SetInjectable(v bool) { c.canInject = v }

// GetRegs implements backend.VCPU.
func (c *FakeVCPU) GetRegs() (x86reg.GPRs, error) { return c.regs, nil }

// SetRegs implements backend.VCPU.
func (c *FakeVCPU) SetRegs(r x86reg.GPRs) error { c.regs = r; return nil }

// GetSregs implements backend.VCPU.
func (c *FakeVCPU) GetSregs() (x86reg.Sregs, error) { return c.sregs, nil }

// SetSregs implements backend.VCPU.
func (c *FakeVCPU) SetSregs(s x86reg.Sregs) error { c.sregs = s; return nil }

// GetDebugRegs implements backend.VCPU.
func (c *FakeVCPU) GetDebugRegs() (x86reg.DebugRegs, error) { return c.debug, nil }

// SetDebugRegs implements backend.VCPU.
func (c *FakeVCPU) SetDebugRegs(d x86reg.DebugRegs) error { c.debug = d; return nil }

// GetMSR implements backend.VCPU.
func (c *FakeVCPU) GetMSR(index uint32) (uint64, bool, error) {
	v, ok := c.msrs[index]
	return v, ok, nil
}

// SetMSR implements backend.VCPU.
func (c *FakeVCPU) SetMSR(index uint32, value uint64) (bool, error) {
	c.msrs[index] = value
	return true, nil
}

// GetFPUControl implements backend.VCPU.
func (c *FakeVCPU) GetFPUControl() (uint16, error) { return c.fpu, nil }

// SetFPUControl implements backend.VCPU.
func (c *FakeVCPU) SetFPUControl(v uint16) error { c.fpu = v; return nil }

// GetMXCSR implements backend.VCPU.
func (c *FakeVCPU) GetMXCSR() (uint32, error) { return c.mxcsr, nil }

// SetMXCSR implements backend.VCPU.
func (c *FakeVCPU) SetMXCSR(v uint32) error { c.mxcsr = v; return nil }

// GetMXCSRMask implements backend.VCPU.
func (c *FakeVCPU) GetMXCSRMask() (uint32, bool, error) { return 0xFFFF, true, nil }

// GetVirtualTSCOffset implements backend.VCPU.
func (c *FakeVCPU) GetVirtualTSCOffset() (uint64, bool, error) { return 0, false, nil }

// SetVirtualTSCOffset implements backend.VCPU.
func (c *FakeVCPU) SetVirtualTSCOffset(uint64) (bool, error) { return false, nil }

// TranslateLinear implements backend.VCPU. The fake has no independent
// translation path to cross-check against, so it always reports
// unavailable; vcpu.Translate is exercised directly instead.
func (c *FakeVCPU) TranslateLinear(laddr uint64) (uint64, bool, error) { return 0, false, nil }

// Close implements backend.VCPU.
func (c *FakeVCPU) Close() error { return nil }
