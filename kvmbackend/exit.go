package kvmbackend

import (
	"github.com/virt86go/virt86/backend"
)

// exitType is KVM's raw exit_reason, grounded verbatim in kvm.ExitType
// (kvm/error.go), including its //go:generate stringer convention.
//
//go:generate stringer -type=exitType
type exitType uint32

const (
	exitUnknown       exitType = 0
	exitException     exitType = 1
	exitIO            exitType = 2
	exitHypercall     exitType = 3
	exitDebug         exitType = 4
	exitHLT           exitType = 5
	exitMMIO          exitType = 6
	exitIRQWindowOpen exitType = 7
	exitShutdown      exitType = 8
	exitFailEntry     exitType = 9
	exitIntr          exitType = 10
	exitSetTPR        exitType = 11
	exitTPRAccess     exitType = 12
	exitInternalError exitType = 17
)

func (e exitType) String() string {
	switch e {
	case exitUnknown:
		return "EXITUNKNOWN"
	case exitException:
		return "EXITEXCEPTION"
	case exitIO:
		return "EXITIO"
	case exitHypercall:
		return "EXITHYPERCALL"
	case exitDebug:
		return "EXITDEBUG"
	case exitHLT:
		return "EXITHLT"
	case exitMMIO:
		return "EXITMMIO"
	case exitIRQWindowOpen:
		return "EXITIRQWINDOWOPEN"
	case exitShutdown:
		return "EXITSHUTDOWN"
	case exitFailEntry:
		return "EXITFAILENTRY"
	case exitIntr:
		return "EXITINTR"
	case exitSetTPR:
		return "EXITSETTPR"
	case exitTPRAccess:
		return "EXITTPRACCESS"
	case exitInternalError:
		return "EXITINTERNALERROR"
	default:
		return "EXITUNRECOGNIZED"
	}
}

const (
	ioDirIn  = 0
	ioDirOut = 1
)

// runData mirrors the head of struct kvm_run and the io-exit union member,
// the same subset machine.Machine reads via RunData()/(*RunData).IO() in
// the teacher.
type runData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64

	// ioDirection/ioSize/ioPort/ioCount/ioDataOffset overlay the
	// kvm_run.io union member; they are meaningful only when
	// ExitReason == exitIO. Byte payload lives at
	// (base address of runData) + ioDataOffset.
	ioDirection  uint8
	ioSize       uint8
	ioPort       uint16
	ioCount      uint32
	ioDataOffset uint64

	// mmioPhysAddr/mmioData/mmioLen/mmioIsWrite follow the io fields, so
	// they do not sit at the offset of the kvm_run.mmio union member and
	// are not read; VCPU.Run reads that member through a view starting at
	// ioDirection.
	mmioPhysAddr uint64
	mmioData     [8]uint8
	mmioLen      uint32
	mmioIsWrite  uint8
}

func mapExitKind(e exitType) backend.ExitKind {
	switch e {
	case exitHLT:
		return backend.ExitHLT
	case exitIO:
		return backend.ExitPIO
	case exitMMIO:
		return backend.ExitMMIO
	case exitDebug:
		return backend.ExitSoftwareBreakpoint
	case exitShutdown:
		return backend.ExitShutdown
	case exitIntr:
		return backend.ExitCancelled
	case exitIRQWindowOpen:
		return backend.ExitInterruptWindow
	case exitUnknown:
		return backend.ExitNormal
	default:
		return backend.ExitUnhandled
	}
}
