package desctable_test

import (
	"testing"

	"github.com/virt86go/virt86/desctable"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		e    desctable.Entry
	}{
		{"flat code 32-bit", desctable.Entry{Base: 0, Limit: 0xFFFFFFFF, Type: 0xB, S: true, DPL: 0, Present: true, DB: true, G: true}},
		{"flat data", desctable.Entry{Base: 0, Limit: 0xFFFFFFFF, Type: 0x3, S: true, Present: true, DB: true, G: true}},
		{"64-bit code", desctable.Entry{Base: 0, Limit: 0xFFFFFFFF, Type: 0xB, S: true, Present: true, L: true, G: true}},
		{"byte-granular small segment", desctable.Entry{Base: 0x1000, Limit: 0x123, Type: 0x3, S: true, Present: true}},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw := desctable.Encode(tt.e)
			got := desctable.Decode(raw)

			if got != tt.e {
				t.Errorf("roundtrip mismatch: got %+v, want %+v (raw=%#016x)", got, tt.e, raw)
			}
		})
	}
}

func TestGranularityScaling(t *testing.T) {
	t.Parallel()

	raw := desctable.Encode(desctable.Entry{Limit: 0x00001000, G: true, Present: true})

	got := desctable.Decode(raw)
	if want := uint32(0x1<<12 | 0xFFF); got.Limit != want {
		t.Errorf("Limit = %#x, want %#x", got.Limit, want)
	}
}

func TestSystemEntryRoundtrip(t *testing.T) {
	t.Parallel()

	se := desctable.SystemEntry{
		Entry: desctable.Entry{
			Base: 0xAABBCCDD, Limit: 0x67, Type: 0x9, S: false, Present: true,
		},
		BaseHigh32: 0xDEADBEEF,
	}

	raw := desctable.EncodeSystem(se)
	got := desctable.DecodeSystem(raw)

	if got != se {
		t.Errorf("system descriptor roundtrip mismatch: got %+v, want %+v", got, se)
	}
}

func TestIs64BitSystemType(t *testing.T) {
	t.Parallel()

	for _, typ := range []uint8{0x2, 0x9, 0xB, 0xC, 0xE, 0xF} {
		if !desctable.Is64BitSystemType(typ) {
			t.Errorf("type %#x should be a 16-byte system descriptor", typ)
		}
	}

	for _, typ := range []uint8{0x0, 0x1, 0x4, 0x5, 0xA, 0xD} {
		if desctable.Is64BitSystemType(typ) {
			t.Errorf("type %#x should not be a 16-byte system descriptor", typ)
		}
	}
}
