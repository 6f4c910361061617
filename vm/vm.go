// Package vm is the virtual machine of spec.md §4.2: owner of the guest-
// physical memory map, the I/O handler table, and the ordered VCPU
// sequence, delegating to a backend.VM for the operations that must
// reach the hypervisor.
//
// Grounded in machine.Machine (machine/machine.go): its vmFd/vcpuFds/
// mem/ioPortHandlers fields are the same four concerns this package
// splits into gpamem.Map, ioshim.Table, []*vcpu.VCPU, and backend.VM,
// generalized from "the one KVM VM gokvm ever creates" to "any VM a
// Platform creates over any backend".
package vm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/ioshim"
	"github.com/virt86go/virt86/vcpu"
)

// Spec is the VM-creation input of spec.md §3 "VM specification".
type Spec = backend.VMSpec

// maxRegionBytesWithoutLargeMemory is the 4 GiB ceiling spec.md §4.2
// enforces on a single map_guest_memory call unless the backend
// advertises large-memory-allocation support.
const maxRegionBytesWithoutLargeMemory = 1 << 32

// VM is a virtual machine: an immutable specification, an owned ordered
// VCPU sequence, a guest-physical memory map, an I/O handler table, and
// opaque backend state, per spec.md §3 "Virtual machine".
type VM struct {
	spec     Spec
	features backend.FeatureRecord
	backend  backend.VM

	mu    sync.Mutex
	mem   *gpamem.Map
	io    ioshim.Table
	vcpus []*vcpu.VCPU
}

// New constructs a VM around an already-created backend.VM, populating
// its VCPU sequence. Called only by platform.Platform.CreateVM.
func New(spec Spec, features backend.FeatureRecord, be backend.VM) (*VM, error) {
	v := &VM{
		spec:     spec,
		features: features,
		backend:  be,
		mem:      gpamem.New(features.GPABits),
	}

	n := spec.NumProcessors
	if n < 1 {
		n = 1
	}

	for i := 0; i < n; i++ {
		beCPU, err := be.CreateVCPU(i)
		if err != nil {
			return nil, fmt.Errorf("vm: create vcpu %d: %w", i, err)
		}

		v.vcpus = append(v.vcpus, vcpu.New(i, v, &v.io, beCPU, features))
	}

	return v, nil
}

// GetSpecifications returns the immutable VM specification.
func (v *VM) GetSpecifications() Spec { return v.spec }

// VirtualProcessorCount returns the number of owned VCPUs.
func (v *VM) VirtualProcessorCount() int { return len(v.vcpus) }

// VirtualProcessor returns the VCPU at index, or false if out of range.
func (v *VM) VirtualProcessor(index int) (*vcpu.VCPU, bool) {
	if index < 0 || index >= len(v.vcpus) {
		return nil, false
	}

	return v.vcpus[index], true
}

func alignedAndNonEmpty(base, size uint64) gpamem.MapStatus {
	if size == 0 {
		return gpamem.MapEmptyRange
	}

	if base%4096 != 0 {
		return gpamem.MapMisalignedAddress
	}

	if size%4096 != 0 {
		return gpamem.MapMisalignedSize
	}

	return gpamem.MapOK
}

// MapGuestMemory validates alignment, size, and guest-physical range
// before invoking the backend hook, then appends the region record only
// on backend success, per spec.md §4.2's "map_guest_memory" and its
// "no partial state is committed on validation failure" failure policy.
func (v *VM) MapGuestMemory(base, size uint64, flags uint32, host []byte) gpamem.MapStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if status := alignedAndNonEmpty(base, size); status != gpamem.MapOK {
		return status
	}

	if len(host) == 0 || uint64(len(host)) < size || uintptr0(host)%4096 != 0 {
		return gpamem.MapMisalignedHostMemory
	}

	if size > maxRegionBytesWithoutLargeMemory && !v.features.LargeMemoryAllocation {
		return gpamem.MapUnsupported
	}

	if bits := v.features.GPABits; bits < 64 && (base+size-1)>>bits != 0 {
		return gpamem.MapOutOfBounds
	}

	if err := v.backend.MapGuest(base, size, flags, host); err != nil {
		return gpamem.MapFailed
	}

	return v.mem.Insert(base, size, host, flags)
}

// UnmapGuestMemory invokes the backend hook, then applies the subtract
// rule of spec.md §4.3 to the bookkeeping copy on success.
func (v *VM) UnmapGuestMemory(base, size uint64) gpamem.MapStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if status := alignedAndNonEmpty(base, size); status != gpamem.MapOK {
		return status
	}

	if err := v.backend.UnmapGuest(base, size); err != nil {
		return gpamem.MapFailed
	}

	return v.mem.Unmap(base, size)
}

// SetGuestMemoryFlags delegates to the backend; backends without
// protection support return Unsupported, per spec.md §4.2.
func (v *VM) SetGuestMemoryFlags(base, size uint64, flags uint32) gpamem.MapStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if status := alignedAndNonEmpty(base, size); status != gpamem.MapOK {
		return status
	}

	if err := v.backend.SetGuestFlags(base, size, flags); err != nil {
		return gpamem.MapUnsupported
	}

	return v.mem.SetFlags(base, size, flags)
}

// QueryDirtyPages validates alignment and delegates to the backend, per
// spec.md §4.2 "query_dirty_pages".
func (v *VM) QueryDirtyPages(base, size uint64, bitmap []uint64) gpamem.MapStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if status := alignedAndNonEmpty(base, size); status != gpamem.MapOK {
		return status
	}

	needed := (size/4096 + 63) / 64
	if uint64(len(bitmap)) < needed {
		return gpamem.MapInvalidRange
	}

	if err := v.backend.QueryDirty(base, size, bitmap); err != nil {
		return gpamem.MapUnsupported
	}

	return gpamem.MapOK
}

// ClearDirtyPages validates alignment and delegates to the backend.
func (v *VM) ClearDirtyPages(base, size uint64) gpamem.MapStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if status := alignedAndNonEmpty(base, size); status != gpamem.MapOK {
		return status
	}

	if err := v.backend.ClearDirty(base, size); err != nil {
		return gpamem.MapUnsupported
	}

	return gpamem.MapOK
}

// MemReadPhys implements vcpu.Memory, and is also VM's own public
// guest-physical read accessor (spec.md §4.2 "mem_read").
func (v *VM) MemReadPhys(base uint64, dst []byte) (int, gpamem.MapStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.mem.Read(base, dst)
}

// MemWritePhys implements vcpu.Memory and VM's public guest-physical
// write accessor (spec.md §4.2 "mem_write").
func (v *VM) MemWritePhys(base uint64, src []byte) (int, gpamem.MapStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.mem.Write(base, src)
}

// MemRead is the exported alias of MemReadPhys, named the way spec.md §4.2
// names the VM-level operation.
func (v *VM) MemRead(base uint64, dst []byte) (int, gpamem.MapStatus) { return v.MemReadPhys(base, dst) }

// MemWrite is the exported alias of MemWritePhys.
func (v *VM) MemWrite(base uint64, src []byte) (int, gpamem.MapStatus) {
	return v.MemWritePhys(base, src)
}

// RegisterIOReadCallback installs f as the port-read handler, or clears
// it if f is nil, per spec.md §4.2.
func (v *VM) RegisterIOReadCallback(f ioshim.PortReadFunc) { v.io.SetPortRead(f) }

// RegisterIOWriteCallback installs f as the port-write handler.
func (v *VM) RegisterIOWriteCallback(f ioshim.PortWriteFunc) { v.io.SetPortWrite(f) }

// RegisterMMIOReadCallback installs f as the MMIO-read handler.
func (v *VM) RegisterMMIOReadCallback(f ioshim.MMIOReadFunc) { v.io.SetMMIORead(f) }

// RegisterMMIOWriteCallback installs f as the MMIO-write handler.
func (v *VM) RegisterMMIOWriteCallback(f ioshim.MMIOWriteFunc) { v.io.SetMMIOWrite(f) }

// RegisterIOContext sets the opaque cookie passed to every callback.
func (v *VM) RegisterIOContext(ctx any) { v.io.Context = ctx }

// Close destroys every owned VCPU before releasing backend state, per
// spec.md §3's "VCPUs are destroyed before the VM frees backend state".
func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr error

	for _, c := range v.vcpus {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := v.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// uintptr0 reports host_ptr's address, for the page-alignment check
// spec.md §4.2 requires of it. mmap'd buffers are always page-aligned in
// the teacher (memory.Memory); an explicit caller-supplied slice is
// checked here instead of trusted blindly.
func uintptr0(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
