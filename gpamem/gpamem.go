// Package gpamem is the guest-physical memory region map of spec.md §4.2/
// §4.3: an insertion-ordered sequence of (base, size, host backing)
// records with "latest mapping wins" aliasing on read, and the four-case
// overlap-subtraction rule applied on partial unmap.
//
// Grounded in the teacher's memory.Memory/memory.MemorySlot (slot
// bookkeeping, mmap'd backing buffer, Poison-fill pattern) and
// memory.AddressSpace's range-containment helpers, generalized from a
// fixed KVM memory-slot table into the backend-neutral region list the
// spec calls for; the partial-unmap split/shift/truncate/erase algorithm
// itself is new, since the teacher only ever frees whole slots.
package gpamem

import "fmt"

// Poison is an 8-byte trapping instruction pattern, carried verbatim from
// machine.Poison / memory.Poison: "mov eax, 0xcafebabe; nop; ud2". This
// package does not write it into mapped memory itself.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// Flag is the memory-region permission/tracking bit-set of spec.md §3
// "Memory flags".
type Flag uint8

const (
	FlagRead Flag = iota
	FlagWrite
	FlagExecute
	FlagDirtyPageTracking
)

func (f Flag) String() string {
	switch f {
	case FlagRead:
		return "Read"
	case FlagWrite:
		return "Write"
	case FlagExecute:
		return "Execute"
	case FlagDirtyPageTracking:
		return "DirtyPageTracking"
	default:
		return "Unknown"
	}
}

const pageSize = 4096

// Region is one guest-physical memory-region record.
type Region struct {
	Base  uint64
	Size  uint64
	Host  []byte // aliases caller-owned memory; gpamem never copies or frees it
	Flags uint32 // bitset of Flag
}

func (r Region) end() uint64 { return r.Base + r.Size }

func (r Region) contains(base, size uint64) bool {
	return base >= r.Base && base+size <= r.end()
}

func (r Region) overlaps(base, size uint64) bool {
	return base < r.end() && base+size > r.Base
}

// MapStatus is the result enumeration for mapping operations, spec.md §3
// "Exit statuses".
type MapStatus int

const (
	MapOK MapStatus = iota
	MapUnsupported
	MapMisalignedHostMemory
	MapMisalignedAddress
	MapMisalignedSize
	MapEmptyRange
	MapPartialUnmapUnsupported
	MapAlreadyAllocated
	MapInvalidFlags
	MapInvalidRange
	MapFailed
	MapOutOfBounds
)

func (s MapStatus) String() string {
	names := [...]string{
		"OK", "Unsupported", "MisalignedHostMemory", "MisalignedAddress",
		"MisalignedSize", "EmptyRange", "PartialUnmapUnsupported",
		"AlreadyAllocated", "InvalidFlags", "InvalidRange", "Failed", "OutOfBounds",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return fmt.Sprintf("MapStatus(%d)", s)
	}

	return names[s]
}

// Map is the ordered region list owned by a VM. It is not safe for
// concurrent use without external synchronization — callers (vm.VM) are
// expected to serialize access the way spec.md §5 requires of the VM.
type Map struct {
	regions []Region
	gpaMask uint64 // bit mask of valid guest-physical address bits
}

// New builds an empty region map for a host whose guest-physical address
// space is gpaBits wide (as hostcpu.GPABits reports it from CPUID
// 8000_0008h EAX[23:16], or EAX[7:0] when that field is zero).
func New(gpaBits uint8) *Map {
	var mask uint64
	if gpaBits >= 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << gpaBits) - 1
	}

	return &Map{gpaMask: mask}
}

func aligned(v uint64) bool { return v%pageSize == 0 }

func (m *Map) validate(hostPtr []byte, base, size uint64) MapStatus {
	if size == 0 {
		return MapEmptyRange
	}

	if !aligned(base) {
		return MapMisalignedAddress
	}

	if !aligned(size) {
		return MapMisalignedSize
	}

	if hostPtr != nil && uint64(len(hostPtr)) < size {
		return MapMisalignedHostMemory
	}

	if base > m.gpaMask || (base+size-1) > m.gpaMask {
		return MapOutOfBounds
	}

	return MapOK
}

// Insert appends a new region record. Callers must invoke the backend
// mapping hook and only call Insert once it reports success, per spec.md
// §4.2's "failure policy: no partial state is committed".
func (m *Map) Insert(base, size uint64, host []byte, flags uint32) MapStatus {
	if status := m.validate(host, base, size); status != MapOK {
		return status
	}

	m.regions = append(m.regions, Region{Base: base, Size: size, Host: host, Flags: flags})

	return MapOK
}

// Unmap removes [base, base+size) from the map, applying the four-case
// subtraction rule of spec.md §4.3 to every existing region it overlaps.
func (m *Map) Unmap(base, size uint64) MapStatus {
	if status := m.validate(nil, base, size); status != MapOK {
		return status
	}

	end := base + size

	out := make([]Region, 0, len(m.regions)+1)

	for _, r := range m.regions {
		if !r.overlaps(base, size) {
			out = append(out, r)
			continue
		}

		rEnd := r.end()

		switch {
		case base <= r.Base && end >= rEnd:
			// Case 1: erase region entirely.
			continue

		case base > r.Base && end >= rEnd:
			// Case 2: truncate region to [R, B).
			r.Size = base - r.Base
			out = append(out, r)

		case base <= r.Base && end < rEnd:
			// Case 3: shift region to [B+S, R+L).
			advance := end - r.Base
			r.Base = end
			r.Size = rEnd - end

			if r.Host != nil {
				r.Host = r.Host[advance:]
			}

			out = append(out, r)

		default:
			// Case 4: split into a left remainder [R, B) and a right
			// remainder [B+S, R+L).
			left := Region{Base: r.Base, Size: base - r.Base, Host: r.Host, Flags: r.Flags}

			advance := (end - r.Base)

			var rightHost []byte
			if r.Host != nil {
				rightHost = r.Host[advance:]
			}

			right := Region{Base: end, Size: rEnd - end, Host: rightHost, Flags: r.Flags}

			out = append(out, left, right)
		}
	}

	m.regions = out

	return MapOK
}

// SetFlags updates the flags of every region that wholly contains
// [base, base+size); a region that only partly overlaps the range keeps
// its flags. spec.md §4.2 delegates protection changes to the backend and only
// touches the bookkeeping copy here once the backend confirms success.
func (m *Map) SetFlags(base, size uint64, flags uint32) MapStatus {
	if status := m.validate(nil, base, size); status != MapOK {
		return status
	}

	for i := range m.regions {
		if m.regions[i].contains(base, size) {
			m.regions[i].Flags = flags
		}
	}

	return MapOK
}

// Find returns the most recently inserted region containing
// [base, base+size) entirely, walking newest-to-oldest per spec.md §4.2's
// "mem_read/mem_write" rule. ok is false if no region strictly contains
// the whole request.
func (m *Map) Find(base, size uint64) (Region, bool) {
	for i := len(m.regions) - 1; i >= 0; i-- {
		if m.regions[i].contains(base, size) {
			return m.regions[i], true
		}
	}

	return Region{}, false
}

// Read copies min(len(dst), region size) bytes from guest-physical
// address base into dst, per the strict-containment rule of spec.md §4.2.
func (m *Map) Read(base uint64, dst []byte) (int, MapStatus) {
	r, ok := m.Find(base, uint64(len(dst)))
	if !ok {
		return 0, MapInvalidRange
	}

	off := base - r.Base
	n := copy(dst, r.Host[off:])

	return n, MapOK
}

// Write copies min(len(src), region size) bytes from src into guest-
// physical address base.
func (m *Map) Write(base uint64, src []byte) (int, MapStatus) {
	r, ok := m.Find(base, uint64(len(src)))
	if !ok {
		return 0, MapInvalidRange
	}

	off := base - r.Base
	n := copy(r.Host[off:], src)

	return n, MapOK
}

// Regions returns a snapshot of the current region list, oldest first.
func (m *Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)

	return out
}
