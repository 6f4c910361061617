package gpamem_test

import (
	"bytes"
	"testing"

	"github.com/virt86go/virt86/gpamem"
)

func hostBuf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}

	return b
}

func TestInsertValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base uint64
		size uint64
		host []byte
		want gpamem.MapStatus
	}{
		{"ok", 0x1000, 0x1000, hostBuf(0x1000, 0), gpamem.MapOK},
		{"empty range", 0x1000, 0, nil, gpamem.MapEmptyRange},
		{"misaligned base", 0x1001, 0x1000, hostBuf(0x1000, 0), gpamem.MapMisalignedAddress},
		{"misaligned size", 0x1000, 0x123, hostBuf(0x1000, 0), gpamem.MapMisalignedSize},
		{"host too small", 0x1000, 0x2000, hostBuf(0x1000, 0), gpamem.MapMisalignedHostMemory},
		{"out of bounds", 1 << 40, 0x1000, hostBuf(0x1000, 0), gpamem.MapOutOfBounds},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := gpamem.New(36)
			if got := m.Insert(tt.base, tt.size, tt.host, 0); got != tt.want {
				t.Errorf("Insert() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatestMappingWins(t *testing.T) {
	t.Parallel()

	m := gpamem.New(36)

	older := hostBuf(0x2000, 0xAA)
	newer := hostBuf(0x2000, 0xBB)

	if got := m.Insert(0, 0x2000, older, 0); got != gpamem.MapOK {
		t.Fatalf("Insert(older) = %v", got)
	}

	if got := m.Insert(0x1000, 0x2000, newer, 0); got != gpamem.MapOK {
		t.Fatalf("Insert(newer) = %v", got)
	}

	var got [1]byte

	if n, status := m.Read(0x1000, got[:]); n != 1 || status != gpamem.MapOK {
		t.Fatalf("Read overlap = (%d, %v)", n, status)
	}

	if got[0] != 0xBB {
		t.Errorf("Read returned %#x from the older region, want the newer mapping's byte", got[0])
	}

	if n, status := m.Read(0, got[:]); n != 1 || status != gpamem.MapOK {
		t.Fatalf("Read pre-overlap = (%d, %v)", n, status)
	}

	if got[0] != 0xAA {
		t.Errorf("Read outside the overlap should still see the older region, got %#x", got[0])
	}
}

func TestReadWriteStrictContainment(t *testing.T) {
	t.Parallel()

	m := gpamem.New(36)
	m.Insert(0x1000, 0x1000, hostBuf(0x1000, 0), 0)
	m.Insert(0x3000, 0x1000, hostBuf(0x1000, 0), 0)

	// A request spanning the gap between the two regions must fail even
	// though both endpoints individually fall within some region.
	buf := make([]byte, 0x3000)
	if _, status := m.Read(0x1000, buf); status != gpamem.MapInvalidRange {
		t.Errorf("cross-region read should fail with InvalidRange, got %v", status)
	}
}

func TestUnmapSubtractionCases(t *testing.T) {
	t.Parallel()

	t.Run("case1 erase", func(t *testing.T) {
		t.Parallel()

		m := gpamem.New(36)
		m.Insert(0x1000, 0x1000, hostBuf(0x1000, 0), 0)

		if status := m.Unmap(0x1000, 0x1000); status != gpamem.MapOK {
			t.Fatalf("Unmap = %v", status)
		}

		if regions := m.Regions(); len(regions) != 0 {
			t.Errorf("expected region erased, got %+v", regions)
		}
	})

	t.Run("case1 unmap superset", func(t *testing.T) {
		t.Parallel()

		m := gpamem.New(36)
		m.Insert(0x2000, 0x1000, hostBuf(0x1000, 0), 0)

		if status := m.Unmap(0x1000, 0x3000); status != gpamem.MapOK {
			t.Fatalf("Unmap = %v", status)
		}

		if regions := m.Regions(); len(regions) != 0 {
			t.Errorf("expected region erased, got %+v", regions)
		}
	})

	t.Run("case2 truncate", func(t *testing.T) {
		t.Parallel()

		m := gpamem.New(36)
		m.Insert(0x1000, 0x3000, hostBuf(0x3000, 0), 0) // [0x1000, 0x4000)

		if status := m.Unmap(0x2000, 0x3000); status != gpamem.MapOK { // unmap [0x2000,0x5000)
			t.Fatalf("Unmap = %v", status)
		}

		regions := m.Regions()
		if len(regions) != 1 {
			t.Fatalf("expected 1 region, got %d", len(regions))
		}

		if regions[0].Base != 0x1000 || regions[0].Size != 0x1000 {
			t.Errorf("truncated region = %+v, want base=0x1000 size=0x1000", regions[0])
		}
	})

	t.Run("case3 shift", func(t *testing.T) {
		t.Parallel()

		m := gpamem.New(36)
		host := hostBuf(0x3000, 0)
		for i := range host {
			host[i] = byte(i / 0x1000)
		}

		m.Insert(0x1000, 0x3000, host, 0) // [0x1000, 0x4000)

		if status := m.Unmap(0, 0x2000); status != gpamem.MapOK { // unmap [0, 0x2000)
			t.Fatalf("Unmap = %v", status)
		}

		regions := m.Regions()
		if len(regions) != 1 {
			t.Fatalf("expected 1 region, got %d", len(regions))
		}

		r := regions[0]
		if r.Base != 0x2000 || r.Size != 0x2000 {
			t.Fatalf("shifted region = %+v, want base=0x2000 size=0x2000", r)
		}

		if !bytes.Equal(r.Host, host[0x1000:]) {
			t.Errorf("shifted host slice mismatch")
		}
	})

	t.Run("case4 split", func(t *testing.T) {
		t.Parallel()

		m := gpamem.New(36)
		host := hostBuf(0x3000, 0)
		m.Insert(0x1000, 0x3000, host, 0) // [0x1000, 0x4000)

		if status := m.Unmap(0x2000, 0x1000); status != gpamem.MapOK { // unmap [0x2000, 0x3000)
			t.Fatalf("Unmap = %v", status)
		}

		regions := m.Regions()
		if len(regions) != 2 {
			t.Fatalf("expected 2 regions after split, got %d: %+v", len(regions), regions)
		}

		left, right := regions[0], regions[1]

		if left.Base != 0x1000 || left.Size != 0x1000 {
			t.Errorf("left region = %+v, want base=0x1000 size=0x1000", left)
		}

		if right.Base != 0x3000 || right.Size != 0x1000 {
			t.Errorf("right region = %+v, want base=0x3000 size=0x1000", right)
		}

		if !bytes.Equal(right.Host, host[0x2000:0x3000]) {
			t.Errorf("right host slice should start at original offset 0x2000")
		}
	})
}
