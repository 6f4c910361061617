//nolint:paralleltest
package kvmbackend_test

import (
	"os"
	"testing"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/kvmbackend"
)

func skipIfNotRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test since /dev/kvm is unavailable: %v", err)
	}
}

func TestPlatformInitialize(t *testing.T) {
	skipIfNotRoot(t)

	p, err := kvmbackend.NewPlatform()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	status, features, err := p.Initialize()
	if err != nil {
		t.Fatal(err)
	}

	if status != backend.InitOK {
		t.Fatalf("Initialize() status = %v, want OK", status)
	}

	if features.GPABits == 0 {
		t.Errorf("GPABits = 0, want a plausible physical address width")
	}

	if len(features.SupportedCPUIDs) == 0 {
		t.Errorf("SupportedCPUIDs is empty, want at least one leaf")
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	skipIfNotRoot(t)

	p, err := kvmbackend.NewPlatform()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, _, err := p.Initialize(); err != nil {
		t.Fatal(err)
	}

	vm, err := p.CreateVM(backend.VMSpec{NumProcessors: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Close()

	cpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatal(err)
	}
	defer cpu.Close()

	regs, err := cpu.GetRegs()
	if err != nil {
		t.Fatal(err)
	}

	if err := cpu.SetRegs(regs); err != nil {
		t.Fatal(err)
	}

	sregs, err := cpu.GetSregs()
	if err != nil {
		t.Fatal(err)
	}

	if err := cpu.SetSregs(sregs); err != nil {
		t.Fatal(err)
	}
}

func TestMapGuestAndRunHLT(t *testing.T) {
	skipIfNotRoot(t)

	p, err := kvmbackend.NewPlatform()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, _, err := p.Initialize(); err != nil {
		t.Fatal(err)
	}

	vm, err := p.CreateVM(backend.VMSpec{NumProcessors: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Close()

	mem := make([]byte, 0x1000)
	mem[0] = 0xF4 // HLT

	if err := vm.MapGuest(0, uint64(len(mem)), 0, mem); err != nil {
		t.Fatal(err)
	}

	cpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatal(err)
	}
	defer cpu.Close()

	sregs, err := cpu.GetSregs()
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0
	if err := cpu.SetSregs(sregs); err != nil {
		t.Fatal(err)
	}

	regs, err := cpu.GetRegs()
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0
	regs.RFlags = 0x2

	if err := cpu.SetRegs(regs); err != nil {
		t.Fatal(err)
	}

	info, status, err := cpu.Run()
	if err != nil {
		t.Fatal(err)
	}

	if status != backend.VCPUOK {
		t.Fatalf("Run() status = %v, want OK", status)
	}

	if info.Kind != backend.ExitHLT {
		t.Fatalf("Run() exit kind = %v, want HLT", info.Kind)
	}
}
