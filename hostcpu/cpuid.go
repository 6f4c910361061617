// Package hostcpu probes the host CPU's CPUID leaves and builds the
// backend.FeatureRecord. Grounded in the teacher's cpuid.CPUID (leaf call
// convention, cpuid_amd64.s) and probe.CPUID (which opens /dev/kvm and
// walks kvm.GetSupportedCPUID) — the KVM-specific enumeration sweep is
// kept as-is inside kvmbackend.Platform.Initialize, which calls into this
// package for the pure-CPUID part (leaf 1/7/8000_0001h/8000_0008h
// decoding) that does not need a backend fd at all.
package hostcpu

import "github.com/virt86go/virt86/bitset"

func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Leaf calls CPUID for (leaf, subleaf) and returns the four result
// registers, mirroring the teacher's cpuid.CPUID(leaf) (generalized to
// take a subleaf, since leaf 7 needs ECX=0).
func Leaf(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidLow(leaf, subleaf)
}

// FPExtension is the host floating-point extension bit-set enumeration
// of spec.md §6.2.
type FPExtension uint8

const (
	MMX FPExtension = iota
	SSE
	SSE2
	SSE3
	SSSE3
	SSE41
	SSE42
	SSE4A
	XOP
	F16C
	FMA4
	AVX
	FMA3
	AVX2
	AVX512F
	AVX512DQ
	AVX512IFMA
	AVX512PF
	AVX512ER
	AVX512CD
	AVX512BW
	AVX512VL
	AVX512VBMI
	AVX512VBMI2
	AVX512GFNI
	AVX512VAES
	AVX512VNNI
	AVX512BITALG
	AVX512VPOPCNTDQ
	AVX512QVNNIW
	AVX512QFMA
	FXSAVE
	XSAVE
)

//nolint:gochecknoglobals
var AllFPExtensions = []FPExtension{
	MMX, SSE, SSE2, SSE3, SSSE3, SSE41, SSE42, SSE4A, XOP, F16C, FMA4, AVX,
	FMA3, AVX2, AVX512F, AVX512DQ, AVX512IFMA, AVX512PF, AVX512ER, AVX512CD,
	AVX512BW, AVX512VL, AVX512VBMI, AVX512VBMI2, AVX512GFNI, AVX512VAES,
	AVX512VNNI, AVX512BITALG, AVX512VPOPCNTDQ, AVX512QVNNIW, AVX512QFMA,
	FXSAVE, XSAVE,
}

func (f FPExtension) String() string {
	names := [...]string{
		"MMX", "SSE", "SSE2", "SSE3", "SSSE3", "SSE4.1", "SSE4.2", "SSE4a",
		"XOP", "F16C", "FMA4", "AVX", "FMA3", "AVX2", "AVX512F", "AVX512DQ",
		"AVX512IFMA", "AVX512PF", "AVX512ER", "AVX512CD", "AVX512BW",
		"AVX512VL", "AVX512VBMI", "AVX512VBMI2", "AVX512GFNI", "AVX512VAES",
		"AVX512VNNI", "AVX512BITALG", "AVX512VPOPCNTDQ", "AVX512QVNNIW",
		"AVX512QFMA", "FXSAVE", "XSAVE",
	}
	if int(f) < 0 || int(f) >= len(names) {
		return "Unknown"
	}

	return names[f]
}

// ProbeFPExtensions queries CPUID leaves 1, 7, and 8000_0001h and returns
// the set of supported floating-point extensions, per spec.md §6.2.
func ProbeFPExtensions() bitset.Set[FPExtension] {
	var s bitset.Set[FPExtension]

	_, _, ecx1, edx1 := Leaf(1, 0)
	if edx1&(1<<23) != 0 {
		s.Set(MMX)
	}

	if edx1&(1<<25) != 0 {
		s.Set(SSE)
	}

	if edx1&(1<<26) != 0 {
		s.Set(SSE2)
	}

	if ecx1&(1<<0) != 0 {
		s.Set(SSE3)
	}

	if ecx1&(1<<9) != 0 {
		s.Set(SSSE3)
	}

	if ecx1&(1<<19) != 0 {
		s.Set(SSE41)
	}

	if ecx1&(1<<20) != 0 {
		s.Set(SSE42)
	}

	if ecx1&(1<<12) != 0 {
		s.Set(FMA3)
	}

	if ecx1&(1<<28) != 0 {
		s.Set(AVX)
	}

	if ecx1&(1<<29) != 0 {
		s.Set(F16C)
	}

	if ecx1&(1<<26) != 0 {
		s.Set(XSAVE)
	}

	_, ebx7, _, _ := Leaf(7, 0)
	if ebx7&(1<<5) != 0 {
		s.Set(AVX2)
	}

	if ebx7&(1<<16) != 0 {
		s.Set(AVX512F)
	}

	if ebx7&(1<<17) != 0 {
		s.Set(AVX512DQ)
	}

	if ebx7&(1<<21) != 0 {
		s.Set(AVX512IFMA)
	}

	if ebx7&(1<<26) != 0 {
		s.Set(AVX512PF)
	}

	if ebx7&(1<<27) != 0 {
		s.Set(AVX512ER)
	}

	if ebx7&(1<<28) != 0 {
		s.Set(AVX512CD)
	}

	if ebx7&(1<<30) != 0 {
		s.Set(AVX512BW)
	}

	if ebx7&(1<<31) != 0 {
		s.Set(AVX512VL)
	}

	_, _, ecx7, _ := Leaf(7, 0)
	if ecx7&(1<<1) != 0 {
		s.Set(AVX512VBMI)
	}

	if ecx7&(1<<6) != 0 {
		s.Set(AVX512VBMI2)
	}

	if ecx7&(1<<8) != 0 {
		s.Set(AVX512GFNI)
	}

	if ecx7&(1<<9) != 0 {
		s.Set(AVX512VAES)
	}

	if ecx7&(1<<11) != 0 {
		s.Set(AVX512VNNI)
	}

	if ecx7&(1<<12) != 0 {
		s.Set(AVX512BITALG)
	}

	if ecx7&(1<<14) != 0 {
		s.Set(AVX512VPOPCNTDQ)
	}

	_, _, ecx81, edx81 := Leaf(0x80000001, 0)
	if ecx81&(1<<6) != 0 {
		s.Set(SSE4A)
	}

	if ecx81&(1<<11) != 0 {
		s.Set(XOP)
	}

	if ecx81&(1<<16) != 0 {
		s.Set(FMA4)
	}

	if edx81&(1<<24) != 0 {
		s.Set(FXSAVE)
	}

	return s
}

// GPABits returns the host's guest-physical address width in bits, per
// spec.md §6.1: CPUID 8000_0008h EAX[23:16] if non-zero, else EAX[7:0].
func GPABits() uint8 {
	eax, _, _, _ := Leaf(0x80000008, 0)

	if hi := uint8((eax >> 16) & 0xFF); hi != 0 {
		return hi
	}

	return uint8(eax & 0xFF)
}

// SupportedLeaves enumerates the CPUID leaf/subleaf results from 0 to
// 0x20 and 0x80000000 to 0x80000020, per the original virt86
// platform-check sweep (see SPEC_FULL.md §8).
func SupportedLeaves() []struct {
	Function, Index          uint32
	EAX, EBX, ECX, EDX uint32
} {
	type result = struct {
		Function, Index          uint32
		EAX, EBX, ECX, EDX uint32
	}

	var out []result

	maxBasic, _, _, _ := Leaf(0, 0)
	for fn := uint32(0); fn <= maxBasic && fn <= 0x20; fn++ {
		eax, ebx, ecx, edx := Leaf(fn, 0)
		out = append(out, result{Function: fn, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}

	maxExt, _, _, _ := Leaf(0x80000000, 0)
	for fn := uint32(0x80000000); fn <= maxExt && fn <= 0x80000020; fn++ {
		eax, ebx, ecx, edx := Leaf(fn, 0)
		out = append(out, result{Function: fn, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}

	return out
}
