// Package platform is the process-wide Platform singleton of spec.md
// §3/§4.1: the façade a client obtains first, publishing the backend's
// name/version/feature record and owning every VM it creates.
//
// Grounded in machine.New (machine/machine.go): the teacher constructs
// exactly one Machine per process run, opens /dev/kvm once, and owns its
// vmFd/vcpuFds for the process's lifetime. Platform generalizes that
// single-construction pattern into an explicit lazy singleton any
// backend.Platform can sit behind, and adds the VM registry + free_vm
// spec.md's façade calls for (the teacher never frees a VM mid-process;
// it only ever tears the whole process down).
package platform

import (
	"fmt"
	"sync"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/vm"
)

// Platform is the process-wide singleton façade of spec.md §3 "Platform".
type Platform struct {
	name    string
	version string

	backend backend.Platform

	mu       sync.Mutex
	status   backend.InitStatus
	features backend.FeatureRecord
	vms      []*vm.VM
}

var (
	instance     *Platform
	instanceOnce sync.Once
)

// Get returns the process-wide Platform, constructing it around be on
// first call. Subsequent calls return the same instance regardless of
// the be argument, matching spec.md §3's "constructed at first access"
// lifecycle — a process talks to exactly one backend.
func Get(name string, be backend.Platform) *Platform {
	instanceOnce.Do(func() {
		instance = &Platform{name: name, backend: be, status: backend.InitUninitialized}
	})

	return instance
}

// GetName returns the platform's human-readable display name.
func (p *Platform) GetName() string { return p.name }

// GetVersion returns the version string, or empty until initialization
// succeeds.
func (p *Platform) GetVersion() string { return p.version }

// GetInitStatus returns the current initialization status.
func (p *Platform) GetInitStatus() backend.InitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// GetFeatures returns the feature record populated at init time. Zero
// value until Initialize succeeds.
func (p *Platform) GetFeatures() backend.FeatureRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.features
}

// Initialize probes the backend once per process, per spec.md §4.1
// "Initialization is idempotent per process." A second call is a no-op
// that returns the already-recorded status.
func (p *Platform) Initialize(version string) backend.InitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != backend.InitUninitialized {
		return p.status
	}

	status, features, err := p.backend.Initialize()
	if err != nil {
		status = backend.InitFailed
	}

	p.status = status
	p.features = features

	if status == backend.InitOK {
		p.version = version
	}

	return status
}

// CreateVM produces a new VM on success, or nil if the backend rejects
// the specification, per spec.md §4.1 "create_vm". The VM is owned by
// this Platform and appears in its registry until FreeVM or process
// teardown.
func (p *Platform) CreateVM(spec vm.Spec) (*vm.VM, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != backend.InitOK {
		return nil, fmt.Errorf("platform: not initialized (status %v)", p.status)
	}

	beVM, err := p.backend.CreateVM(spec)
	if err != nil {
		return nil, fmt.Errorf("platform: create vm: %w", err)
	}

	v, err := vm.New(spec, p.features, beVM)
	if err != nil {
		_ = beVM.Close()
		return nil, err
	}

	p.vms = append(p.vms, v)

	return v, nil
}

// FreeVM releases a VM previously created by this Platform, returning
// true on success or false if ref is not one of this Platform's VMs,
// per spec.md §4.1 "free_vm".
func (p *Platform) FreeVM(ref *vm.VM) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, v := range p.vms {
		if v == ref {
			p.vms = append(p.vms[:i], p.vms[i+1:]...)
			_ = v.Close()

			return true
		}
	}

	return false
}

// Close tears the Platform down: every still-registered VM is destroyed
// before backend state is released, per spec.md §3's Platform lifecycle
// invariant ("the Platform's teardown destroys all still-registered VMs
// before releasing backend state").
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.vms {
		_ = v.Close()
	}

	p.vms = nil

	if closer, ok := p.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}

	return nil
}
