package vcpu_test

import (
	"testing"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/ioshim"
	"github.com/virt86go/virt86/vcpu"
	"github.com/virt86go/virt86/vcputest"
	"github.com/virt86go/virt86/x86reg"
)

// memAdapter lets a bare *gpamem.Map stand in for vm.VM's MemReadPhys/
// MemWritePhys, the same way vm.VM itself satisfies vcpu.Memory.
type memAdapter struct{ m *gpamem.Map }

func (a memAdapter) MemReadPhys(base uint64, dst []byte) (int, gpamem.MapStatus) {
	return a.m.Read(base, dst)
}

func (a memAdapter) MemWritePhys(base uint64, src []byte) (int, gpamem.MapStatus) {
	return a.m.Write(base, src)
}

func newFakeVCPU(t *testing.T, mem *gpamem.Map, io *ioshim.Table) (*vcpu.VCPU, *vcputest.FakeVCPU) {
	t.Helper()

	pf := vcputest.NewFakePlatform()

	beVM, err := pf.CreateVM(backend.VMSpec{NumProcessors: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	fvm, ok := beVM.(*vcputest.FakeVM)
	if !ok {
		t.Fatalf("CreateVM returned %T, want *vcputest.FakeVM", beVM)
	}

	fvm.SetMemory(mem)

	beCPU, err := fvm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	fake, ok := beCPU.(*vcputest.FakeVCPU)
	if !ok {
		t.Fatalf("CreateVCPU returned %T, want *vcputest.FakeVCPU", beCPU)
	}

	return vcpu.New(0, memAdapter{mem}, io, beCPU, pf.Features), fake
}

// TestVCPURunHLT exercises spec.md §8.2 scenario 1: a guest whose first
// byte is HLT surfaces an ExitHLT on the first Run.
func TestVCPURunHLT(t *testing.T) {
	mem := gpamem.New(36)

	buf := make([]byte, 4096)
	buf[0] = 0xF4 // HLT

	if status := mem.Insert(0, 4096, buf, 0); status != gpamem.MapOK {
		t.Fatalf("Insert: %v", status)
	}

	c, _ := newFakeVCPU(t, mem, &ioshim.Table{})

	info, status, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if status != backend.VCPUOK {
		t.Fatalf("status = %v, want VCPUOK", status)
	}

	if info.Kind != backend.ExitHLT {
		t.Fatalf("exit kind = %v, want ExitHLT", info.Kind)
	}
}

// TestVCPURunPIODispatchesCallback exercises spec.md §8.2 scenario 2: a
// guest executing OUT 0x42, AL with AL=0xAB surfaces an ExitPIO whose
// registered callback has already recorded (0x42, 1, 0xAB) by the time
// Run returns.
func TestVCPURunPIODispatchesCallback(t *testing.T) {
	mem := gpamem.New(36)

	buf := make([]byte, 4096)
	buf[0] = 0xE6 // OUT imm8, AL
	buf[1] = 0x42

	if status := mem.Insert(0, 4096, buf, 0); status != gpamem.MapOK {
		t.Fatalf("Insert: %v", status)
	}

	var gotPort uint16

	var gotData []byte

	io := &ioshim.Table{}
	io.SetPortWrite(func(_ any, port uint16, values []byte) error {
		gotPort = port
		gotData = append([]byte(nil), values...)

		return nil
	})

	c, _ := newFakeVCPU(t, mem, io)

	regs, err := c.GetRegs()
	if err != nil {
		t.Fatalf("GetRegs: %v", err)
	}

	regs.RAX = 0xAB
	if err := c.SetRegs(regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	info, status, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if status != backend.VCPUOK {
		t.Fatalf("status = %v, want VCPUOK", status)
	}

	if info.Kind != backend.ExitPIO {
		t.Fatalf("exit kind = %v, want ExitPIO", info.Kind)
	}

	if gotPort != 0x42 || len(gotData) != 1 || gotData[0] != 0xAB {
		t.Fatalf("callback recorded (port=%#x, data=%v), want (0x42, [0xAB])", gotPort, gotData)
	}
}

// TestTranslate32BitWalk exercises spec.md §4.5's non-PAE two-level walk
// with the exact layout of §8.2's paging scenario: a page directory at
// 0x3000, page table at 0x4000, data page at 0x5000, and
// linear_to_physical(0x00000ABC) resolving to 0x00005ABC.
func TestTranslate32BitWalk(t *testing.T) {
	mem := gpamem.New(36)

	buf := make([]byte, 0x6000)
	if status := mem.Insert(0, uint64(len(buf)), buf, 0); status != gpamem.MapOK {
		t.Fatalf("Insert: %v", status)
	}

	writeLE32 := func(off uint64, v uint32) {
		b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		if n, status := mem.Write(off, b); n != 4 || status != gpamem.MapOK {
			t.Fatalf("Write(%#x): n=%d status=%v", off, n, status)
		}
	}

	writeLE32(0x3000, 0x4000|1) // PDE[0]: present, points at PT 0x4000
	writeLE32(0x4000, 0x5000|1) // PTE[0]: present, points at page 0x5000

	c, _ := newFakeVCPU(t, mem, &ioshim.Table{})

	sregs, err := c.GetSregs()
	if err != nil {
		t.Fatalf("GetSregs: %v", err)
	}

	sregs.CR0 |= x86reg.CR0xPG | x86reg.CR0xPE
	sregs.CR3 = 0x3000

	if err := c.SetSregs(sregs); err != nil {
		t.Fatalf("SetSregs: %v", err)
	}

	phys, ok, err := c.Translate(0x00000ABC)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	if !ok {
		t.Fatalf("Translate reported failure")
	}

	if phys != 0x00005ABC {
		t.Fatalf("phys = %#x, want 0x00005ABC", phys)
	}
}

// TestInterruptInjectionOrder exercises spec.md §4.6: vectors enqueued
// while the VCPU cannot accept one queue up and are injected, one per
// Run, in the order they were enqueued once the backend reports ready.
func TestInterruptInjectionOrder(t *testing.T) {
	mem := gpamem.New(36)

	buf := make([]byte, 4096)
	buf[0] = 0xF4

	if status := mem.Insert(0, 4096, buf, 0); status != gpamem.MapOK {
		t.Fatalf("Insert: %v", status)
	}

	c, fake := newFakeVCPU(t, mem, &ioshim.Table{})

	for _, v := range []uint8{0x20, 0x21, 0x22} {
		if err := c.EnqueueInterrupt(v); err != nil {
			t.Fatalf("EnqueueInterrupt(%#x): %v", v, err)
		}
	}

	var injected []uint8

	for i := 0; i < 3; i++ {
		fake.SetInjectable(true)

		if _, _, err := c.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}

		injected = fake.InjectedVectors()
	}

	want := []uint8{0x20, 0x21, 0x22}

	if len(injected) != len(want) {
		t.Fatalf("injected = %v, want %v", injected, want)
	}

	for i, v := range want {
		if injected[i] != v {
			t.Fatalf("injected[%d] = %#x, want %#x", i, injected[i], v)
		}
	}
}
