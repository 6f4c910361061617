package vcpu

import (
	"encoding/binary"

	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/x86reg"
)

const pageSize = 4096

// readPTE32 reads one 4-byte page-table entry at physical address addr.
func (c *VCPU) readPTE32(addr uint64) (uint32, bool) {
	var buf [4]byte
	if n, status := c.MemRead(addr, buf[:]); n != len(buf) || status != gpamem.MapOK {
		return 0, false
	}

	return binary.LittleEndian.Uint32(buf[:]), true
}

// readPTE64 reads one 8-byte page-table entry at physical address addr.
func (c *VCPU) readPTE64(addr uint64) (uint64, bool) {
	var buf [8]byte
	if n, status := c.MemRead(addr, buf[:]); n != len(buf) || status != gpamem.MapOK {
		return 0, false
	}

	return binary.LittleEndian.Uint64(buf[:]), true
}

const (
	pteBitPresent = 1 << 0
	pteBitPS      = 1 << 7
)

// Translate performs linear-to-physical address translation under the
// current paging mode, per spec.md §4.5. ok is false on any translation
// failure (not-present entry, unreadable physical address); error is
// reserved for failures reading the register state itself.
func (c *VCPU) Translate(laddr uint64) (uint64, bool, error) {
	s, err := c.backend.GetSregs()
	if err != nil {
		return 0, false, err
	}

	mode := x86reg.EffectivePagingMode(s)

	switch mode {
	case x86reg.PagingDisabled:
		return uint64(uint32(laddr)), true, nil

	case x86reg.Paging32Bit:
		return c.translate32(s, uint32(laddr))

	case x86reg.PagingPAE:
		return c.translatePAE(s, laddr)

	case x86reg.Paging4Level:
		return c.translate4Level(s, laddr)

	default:
		return 0, false, nil
	}
}

// translate32 implements the non-PAE two-level walk of spec.md §4.5,
// including the CR4.PSE 4 MiB large-page shortcut.
func (c *VCPU) translate32(s x86reg.Sregs, laddr uint32) (uint64, bool, error) {
	pdeAddr := (s.CR3 & 0xFFFFF000) | (uint64(laddr>>22) << 2)

	pde, ok := c.readPTE32(pdeAddr)
	if !ok || pde&pteBitPresent == 0 {
		return 0, false, nil
	}

	if s.CR4&x86reg.CR4xPSE != 0 && pde&pteBitPS != 0 {
		// 4 MiB page. Bits [20:13] of the PDE hold addrHigh (bits
		// [39:32] of the physical address) per the PSE-36 extension;
		// see DESIGN.md's Open Questions resolution.
		addrHigh := uint64((pde >> 13) & 0xFF)
		base := (addrHigh << 32) | (uint64(pde&0xFFC00000) << 0)

		return base | uint64(laddr&0x3FFFFF), true, nil
	}

	pteAddr := (uint64(pde) & 0xFFFFF000) | (uint64((laddr>>12)&0x3FF) << 2)

	pte, ok := c.readPTE32(pteAddr)
	if !ok || pte&pteBitPresent == 0 {
		return 0, false, nil
	}

	return (uint64(pte) & 0xFFFFF000) | uint64(laddr&0xFFF), true, nil
}

// translatePAE implements the three-level 64-bit-entry walk of spec.md
// §4.5, used when CR4.PAE=1 and EFER.LMA=0 (x86reg.EffectivePagingMode
// selects on LMA).
func (c *VCPU) translatePAE(s x86reg.Sregs, laddr uint64) (uint64, bool, error) {
	pdptIndex := (laddr >> 30) & 0x3
	pdeIndex := (laddr >> 21) & 0x1FF
	pteIndex := (laddr >> 12) & 0x1FF

	pdptAddr := (s.CR3 & 0xFFFFFFE0) | (pdptIndex << 3)

	pdpte, ok := c.readPTE64(pdptAddr)
	if !ok || pdpte&pteBitPresent == 0 {
		return 0, false, nil
	}

	pdeAddr := (pdpte & 0x000FFFFFFFFFF000) | (pdeIndex << 3)

	pde, ok := c.readPTE64(pdeAddr)
	if !ok || pde&pteBitPresent == 0 {
		return 0, false, nil
	}

	if pde&pteBitPS != 0 {
		base := pde & 0x000FFFFFFFE00000
		return base | (laddr & 0x1FFFFF), true, nil
	}

	pteAddr := (pde & 0x000FFFFFFFFFF000) | (pteIndex << 3)

	pte, ok := c.readPTE64(pteAddr)
	if !ok || pte&pteBitPresent == 0 {
		return 0, false, nil
	}

	return (pte & 0x000FFFFFFFFFF000) | (laddr & 0xFFF), true, nil
}

// translate4Level implements the four-level 64-bit-entry walk of
// spec.md §4.5, used under IA-32e paging.
func (c *VCPU) translate4Level(s x86reg.Sregs, laddr uint64) (uint64, bool, error) {
	pml4Index := (laddr >> 39) & 0x1FF
	pdptIndex := (laddr >> 30) & 0x1FF
	pdeIndex := (laddr >> 21) & 0x1FF
	pteIndex := (laddr >> 12) & 0x1FF

	pml4Addr := (s.CR3 & 0x000FFFFFFFFFF000) | (pml4Index << 3)

	pml4e, ok := c.readPTE64(pml4Addr)
	if !ok || pml4e&pteBitPresent == 0 {
		return 0, false, nil
	}

	pdptAddr := (pml4e & 0x000FFFFFFFFFF000) | (pdptIndex << 3)

	pdpte, ok := c.readPTE64(pdptAddr)
	if !ok || pdpte&pteBitPresent == 0 {
		return 0, false, nil
	}

	if pdpte&pteBitPS != 0 {
		base := pdpte & 0x000FFFFFC0000000
		return base | (laddr & 0x3FFFFFFF), true, nil
	}

	pdeAddr := (pdpte & 0x000FFFFFFFFFF000) | (pdeIndex << 3)

	pde, ok := c.readPTE64(pdeAddr)
	if !ok || pde&pteBitPresent == 0 {
		return 0, false, nil
	}

	if pde&pteBitPS != 0 {
		base := pde & 0x000FFFFFFFE00000
		return base | (laddr & 0x1FFFFF), true, nil
	}

	pteAddr := (pde & 0x000FFFFFFFFFF000) | (pteIndex << 3)

	pte, ok := c.readPTE64(pteAddr)
	if !ok || pte&pteBitPresent == 0 {
		return 0, false, nil
	}

	return (pte & 0x000FFFFFFFFFF000) | (laddr & 0xFFF), true, nil
}

// LMemRead reads size bytes of linear memory at laddr into dst,
// page-splitting the request on 4 KiB boundaries and translating each
// sub-range independently, per spec.md §4.4 "lmem_read". Returns the
// number of bytes actually transferred, stopping at the first
// translation or physical-read failure.
func (c *VCPU) LMemRead(laddr uint64, dst []byte) (int, error) {
	off := 0

	return c.lmemTransfer(laddr, len(dst), func(phys uint64, chunk []byte) bool {
		n, status := c.MemRead(phys, chunk)
		copy(dst[off:off+len(chunk)], chunk[:n])
		off += len(chunk)

		return status == gpamem.MapOK && n == len(chunk)
	})
}

// LMemWrite is the write counterpart of LMemRead.
func (c *VCPU) LMemWrite(laddr uint64, src []byte) (int, error) {
	off := 0

	return c.lmemTransfer(laddr, len(src), func(phys uint64, chunk []byte) bool {
		copy(chunk, src[off:off+len(chunk)])
		off += len(chunk)

		n, status := c.MemWrite(phys, chunk)

		return status == gpamem.MapOK && n == len(chunk)
	})
}

// lmemTransfer walks [laddr, laddr+size) in page-aligned chunks,
// translating each chunk's start address and invoking xfer with the
// resulting physical address and a same-sized scratch buffer. It returns
// the count of bytes belonging to chunks that xfer reported success for,
// stopping at the first failure.
func (c *VCPU) lmemTransfer(laddr uint64, size int, xfer func(phys uint64, chunk []byte) bool) (int, error) {
	transferred := 0
	remaining := size
	cur := laddr

	for remaining > 0 {
		chunkLen := int(pageSize - (cur % pageSize))
		if chunkLen > remaining {
			chunkLen = remaining
		}

		phys, ok, err := c.Translate(cur)
		if err != nil {
			return transferred, err
		}

		if !ok {
			return transferred, nil
		}

		buf := make([]byte, chunkLen)
		if !xfer(phys, buf) {
			return transferred, nil
		}

		transferred += chunkLen
		remaining -= chunkLen
		cur += uint64(chunkLen)
	}

	return transferred, nil
}
