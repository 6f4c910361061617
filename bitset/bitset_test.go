package bitset_test

import (
	"testing"

	"github.com/virt86go/virt86/bitset"
)

type testBit uint8

const (
	bitA testBit = 0
	bitB testBit = 3
	bitC testBit = 7
)

func (b testBit) String() string {
	switch b {
	case bitA:
		return "A"
	case bitB:
		return "B"
	case bitC:
		return "C"
	default:
		return "?"
	}
}

var allTestBits = []testBit{bitA, bitB, bitC} //nolint:gochecknoglobals

func TestSetHasClear(t *testing.T) {
	t.Parallel()

	var s bitset.Set[testBit]

	if s.Has(bitA) {
		t.Fatalf("empty set should not have bitA")
	}

	s.Set(bitA)
	s.Set(bitC)

	if !s.Has(bitA) || !s.Has(bitC) {
		t.Fatalf("expected bitA and bitC set")
	}

	if s.Has(bitB) {
		t.Fatalf("bitB should not be set")
	}

	s.Clear(bitA)

	if s.Has(bitA) {
		t.Fatalf("bitA should have been cleared")
	}
}

func TestSetStringAndSlice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bits []testBit
		want string
	}{
		{"empty", nil, "(none)"},
		{"single", []testBit{bitB}, "B"},
		{"multiple sorted", []testBit{bitC, bitA}, "A|C"},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := bitset.NewSet(tt.bits...)
			if got := s.String(allTestBits); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}

			if got := len(s.Slice(allTestBits)); got != len(tt.bits) {
				t.Errorf("Slice() len = %d, want %d", got, len(tt.bits))
			}
		})
	}
}

func TestSetRawRoundtrip(t *testing.T) {
	t.Parallel()

	s := bitset.NewSet(bitA, bitC)

	var s2 bitset.Set[testBit]
	s2.FromRaw(s.Raw())

	if !s2.Has(bitA) || !s2.Has(bitC) || s2.Has(bitB) {
		t.Fatalf("FromRaw did not reproduce original set")
	}
}
