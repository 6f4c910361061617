package x86reg_test

import (
	"testing"

	"github.com/virt86go/virt86/x86reg"
)

func TestEffectiveMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cr0    uint64
		cr4    uint64
		efer   uint64
		rflags uint64
		want   x86reg.Mode
	}{
		{"real mode at reset", 0, 0, 0, 0, x86reg.ModeReal},
		{"protected mode", x86reg.CR0xPE, 0, 0, 0, x86reg.ModeProtected},
		{"virtual-8086 mode", x86reg.CR0xPE, 0, 0, x86reg.RFlagsxVM, x86reg.ModeVirtual8086},
		{
			"long mode ignores stray RFLAGS.VM",
			x86reg.CR0xPE | x86reg.CR0xPG, x86reg.CR4xPAE, x86reg.EFERxLME | x86reg.EFERxLMA,
			x86reg.RFlagsxVM, x86reg.ModeLong,
		},
		{"paging without LMA is still protected", x86reg.CR0xPE | x86reg.CR0xPG, 0, 0, 0, x86reg.ModeProtected},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := x86reg.Sregs{CR0: tt.cr0, CR4: tt.cr4, EFER: tt.efer}
			if got := x86reg.EffectiveMode(s, tt.rflags); got != tt.want {
				t.Errorf("EffectiveMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectivePagingMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cr0  uint64
		cr4  uint64
		efer uint64
		want x86reg.PagingMode
	}{
		{"no paging", 0, 0, 0, x86reg.PagingDisabled},
		{"32-bit paging", x86reg.CR0xPG, 0, 0, x86reg.Paging32Bit},
		{"PAE paging", x86reg.CR0xPG, x86reg.CR4xPAE, 0, x86reg.PagingPAE},
		{"4-level paging", x86reg.CR0xPG, x86reg.CR4xPAE, x86reg.EFERxLMA, x86reg.Paging4Level},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := x86reg.Sregs{CR0: tt.cr0, CR4: tt.cr4, EFER: tt.efer}
			if got := x86reg.EffectivePagingMode(s); got != tt.want {
				t.Errorf("EffectivePagingMode() = %v, want %v", got, tt.want)
			}
		})
	}
}
