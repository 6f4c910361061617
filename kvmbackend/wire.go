package kvmbackend

import "github.com/virt86go/virt86/x86reg"

// wireRegs/wireSregs/wireSegment/wireDescriptor/wireDebugRegs mirror the
// KVM ioctl ABI exactly (field order and width matter for unsafe.Pointer
// casts in get/set). Grounded verbatim in kvm.Regs/kvm.Sregs/kvm.Segment/
// kvm.Descriptor/kvm.DebugRegs (kvm/registers.go).
type wireRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type wireSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type wireDescriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 256

type wireSregs struct {
	CS, DS, ES, FS, GS, SS wireSegment
	TR, LDT                wireSegment
	GDT, IDT               wireDescriptor
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [(numInterrupts + 63) / 64]uint64
}

type wireDebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

func toWireSegment(s x86reg.Segment) wireSegment {
	return wireSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector, Typ: s.Type,
		Present: s.Present, DPL: s.DPL, DB: s.DB, S: s.S, L: s.L, G: s.G,
		AVL: s.AVL, Unusable: s.Unusable,
	}
}

func fromWireSegment(s wireSegment) x86reg.Segment {
	return x86reg.Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Typ,
		Present: s.Present, DPL: s.DPL, DB: s.DB, S: s.S, L: s.L, G: s.G,
		AVL: s.AVL, Unusable: s.Unusable,
	}
}

func toWireSregs(s x86reg.Sregs) wireSregs {
	return wireSregs{
		CS: toWireSegment(s.CS), DS: toWireSegment(s.DS), ES: toWireSegment(s.ES),
		FS: toWireSegment(s.FS), GS: toWireSegment(s.GS), SS: toWireSegment(s.SS),
		TR: toWireSegment(s.TR), LDT: toWireSegment(s.LDT),
		GDT: wireDescriptor{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: wireDescriptor{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER, ApicBase: s.ApicBase, InterruptBitmap: s.InterruptBitmap,
	}
}

func fromWireSregs(s wireSregs) x86reg.Sregs {
	return x86reg.Sregs{
		CS: fromWireSegment(s.CS), DS: fromWireSegment(s.DS), ES: fromWireSegment(s.ES),
		FS: fromWireSegment(s.FS), GS: fromWireSegment(s.GS), SS: fromWireSegment(s.SS),
		TR: fromWireSegment(s.TR), LDT: fromWireSegment(s.LDT),
		GDT: x86reg.TableReg{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: x86reg.TableReg{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER, ApicBase: s.ApicBase, InterruptBitmap: s.InterruptBitmap,
	}
}

func toWireRegs(r x86reg.GPRs) wireRegs {
	return wireRegs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFlags,
	}
}

func fromWireRegs(r wireRegs) x86reg.GPRs {
	return x86reg.GPRs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFlags: r.RFLAGS,
	}
}

func toWireDebugRegs(d x86reg.DebugRegs) wireDebugRegs {
	return wireDebugRegs{DB: d.DR, DR6: d.DR6, DR7: d.DR7, Flags: d.Flags}
}

func fromWireDebugRegs(d wireDebugRegs) x86reg.DebugRegs {
	return x86reg.DebugRegs{DR: d.DB, DR6: d.DR6, DR7: d.DR7, Flags: d.Flags}
}

// cpuidEntry2 mirrors kvm.CPUIDEntry2.
type cpuidEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// cpuid2 mirrors kvm.CPUID. The teacher hardcodes a 100-entry array; we
// allocate this as a flexible-array-aware byte buffer at the ioctl call
// site instead (see Platform.getSupportedCPUID and VM.CreateVCPU in
// kvmbackend.go), so this struct only describes the header.
type cpuid2Header struct {
	Nent    uint32
	Padding uint32
}

// userspaceMemoryRegion mirrors kvm.UserspaceMemoryRegion.
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

// irqLevel mirrors kvm.irqLevel.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// pitConfig mirrors kvm.pitConfig.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// msrEntry/msrs mirror the teacher's migration-era kvm.MSREntry/kvm.MSRS
// (machine/state.go), carried into kvmbackend since MXCSR/MSR bulk access
// is now a core vcpu.VCPU operation rather than a migration-only one.
type msrEntry struct {
	Index   uint32
	_       uint32
	Data    uint64
}

type msrsHeader struct {
	NMSRs uint32
	_     uint32
}
