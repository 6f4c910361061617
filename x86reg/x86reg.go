// Package x86reg models the backend-neutral x86 register file: general
// purpose registers, segment registers, control registers, descriptor
// table registers, and debug registers. The struct shapes mirror the
// teacher's kvm.Regs/kvm.Sregs/kvm.Segment/kvm.Descriptor/kvm.DebugRegs
// (kvm/registers.go) but are not tied to any one backend's ioctl ABI;
// kvmbackend converts between this model and the KVM wire structs at its
// edge.
package x86reg

// GPRs holds the general purpose and instruction-pointer/flags registers.
type GPRs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFlags           uint64
}

// Segment is one segment register (CS/DS/ES/FS/GS/SS/TR/LDTR).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

// TableReg is a descriptor-table base/limit pair (GDTR/IDTR).
type TableReg struct {
	Base  uint64
	Limit uint16
}

// Sregs holds segment, control, and descriptor-table registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               TableReg

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64

	// InterruptBitmap mirrors a legacy (non-APIC) pending software
	// interrupt bitmap: 256 bits across 4 uint64 words.
	InterruptBitmap [4]uint64
}

// DebugRegs holds the DR0-DR3 breakpoint address registers plus DR6/DR7.
type DebugRegs struct {
	DR        [4]uint64
	DR6, DR7  uint64
	Flags     uint64
}

// CR0 bits. Carried from the teacher's machine/constants.go.
const (
	CR0xPE = 1 << 0
	CR0xMP = 1 << 1
	CR0xEM = 1 << 2
	CR0xTS = 1 << 3
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xNW = 1 << 29
	CR0xCD = 1 << 30
	CR0xPG = 1 << 31
)

// CR4 bits.
const (
	CR4xVME        = 1 << 0
	CR4xPVI        = 1 << 1
	CR4xTSD        = 1 << 2
	CR4xDE         = 1 << 3
	CR4xPSE        = 1 << 4
	CR4xPAE        = 1 << 5
	CR4xMCE        = 1 << 6
	CR4xPGE        = 1 << 7
	CR4xPCE        = 1 << 8
	CR4xOSFXSR     = 1 << 9
	CR4xOSXMMEXCPT = 1 << 10
	CR4xUMIP       = 1 << 11
	CR4xVMXE       = 1 << 13
	CR4xSMXE       = 1 << 14
	CR4xFSGSBASE   = 1 << 16
	CR4xPCIDE      = 1 << 17
	CR4xOSXSAVE    = 1 << 18
	CR4xSMEP       = 1 << 20
	CR4xSMAP       = 1 << 21
	CR4xPKE        = 1 << 22
)

// EFER bits.
const (
	EFERxSCE = 1 << 0
	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10
	EFERxNXE = 1 << 11
)

// RFLAGS bits relevant to mode detection.
const (
	RFlagsxVM = 1 << 17 // virtual-8086 mode
)

// Mode is the effective CPU operating mode as derived from CR0/CR4/EFER/
// RFLAGS. See DESIGN.md for the resolution of spec.md's RFLAGS.VM/IA-32e
// Open Question: IA-32e detection never consults RFLAGS.VM.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeVirtual8086
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeVirtual8086:
		return "virtual8086"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return "unknown"
	}
}

// EffectiveMode computes the operating mode from the control/extended
// feature registers, independent of any single conflated expression.
func EffectiveMode(s Sregs, rflags uint64) Mode {
	longMode := s.EFER&EFERxLMA != 0 && s.CR0&CR0xPG != 0
	if longMode {
		return ModeLong
	}

	protectedMode := s.CR0&CR0xPE != 0
	if protectedMode && rflags&RFlagsxVM != 0 {
		return ModeVirtual8086
	}

	if protectedMode {
		return ModeProtected
	}

	return ModeReal
}

// PagingMode describes which address-translation scheme CR0/CR4/EFER
// select, per spec.md §4.5.
type PagingMode uint8

const (
	PagingDisabled PagingMode = iota
	Paging32Bit
	PagingPAE
	Paging4Level
)

func (p PagingMode) String() string {
	switch p {
	case PagingDisabled:
		return "disabled"
	case Paging32Bit:
		return "32-bit"
	case PagingPAE:
		return "PAE"
	case Paging4Level:
		return "4-level"
	default:
		return "unknown"
	}
}

// EffectivePagingMode derives the paging mode from CR0.PG, CR4.PAE, and
// EFER.LMA.
func EffectivePagingMode(s Sregs) PagingMode {
	if s.CR0&CR0xPG == 0 {
		return PagingDisabled
	}

	if s.CR4&CR4xPAE == 0 {
		return Paging32Bit
	}

	if s.EFER&EFERxLMA != 0 {
		return Paging4Level
	}

	return PagingPAE
}
