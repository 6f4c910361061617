// Package cli is the virt86ctl command-line surface, a thin exerciser of
// platform -> vm -> vcpu end to end: probe backend capabilities, or boot a
// flat binary guest image and run it to completion.
//
// Grounded in flag's CLI/ProbeCMD/BootCMD shape (flag/runs.go): a
// kong.Parse(&CLI{}) root struct with one sub-command type per verb, each
// implementing Run() error. The teacher's own CLI/BootCMD/ProbeCMD struct
// definitions are missing from its tree (kong.Parse(&flag.CLI{}) in
// flag_test.go has no matching type declaration anywhere in flag/) and its
// go.mod never actually lists kong as a dependency — this package supplies
// the struct definitions the teacher's source clearly intended but never
// finished, keeping kong as the parsing library the source already reaches
// for instead of falling back to stdlib flag.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/arch/x86/x86asm"

	"github.com/virt86go/virt86/backend"
	"github.com/virt86go/virt86/gpamem"
	"github.com/virt86go/virt86/kvmbackend"
	"github.com/virt86go/virt86/platform"
	"github.com/virt86go/virt86/serial"
	"github.com/virt86go/virt86/vcpu"
	"github.com/virt86go/virt86/vm"
	"github.com/virt86go/virt86/x86reg"
)

// serialIRQVector is the legacy PIC vector COM1's IRQ4 maps to (base
// vector 0x20 + IRQ 4), used by RunCmd to wire serial.New.
const serialIRQVector = 0x24

// CLI is the kong root command, mirroring flag.CLI's probe/boot split.
type CLI struct {
	Probe ProbeCmd `cmd:"" help:"Initialize the backend and print its feature record."`
	Run   RunCmd   `cmd:"" help:"Boot a flat binary image and run it to completion."`
}

// Parse parses args (excluding the program name) and runs the selected
// subcommand, per flag.Parse's kong.Parse/ctx.Run two-step.
func Parse(args []string) error {
	var c CLI

	parser, err := kong.New(&c,
		kong.Name("virt86ctl"),
		kong.Description("virt86ctl drives the virt86 virtualization façade directly, without a full VMM"),
		kong.UsageOnError())
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run()
}

// ProbeCmd prints the backend's initialization status and feature record,
// mirroring flag.ProbeCMD / probe.KVMCapabilities.
type ProbeCmd struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of the KVM device node"`
}

// Run implements the probe subcommand.
func (p *ProbeCmd) Run() error {
	be, err := kvmbackend.NewPlatformWithPath(p.Dev)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	defer be.Close()

	pf := platform.Get("virt86/kvm", be)

	status := pf.Initialize("0.1.0")
	fmt.Printf("init status: %s\n", status)

	if status != backend.InitOK {
		return nil
	}

	f := pf.GetFeatures()

	fmt.Printf("version: %s\n", pf.GetVersion())
	fmt.Printf("guest-physical address bits: %d\n", f.GPABits)
	fmt.Printf("max processors per VM: %d\n", f.MaxProcessorsPerVM)
	fmt.Printf("unrestricted guest: %t  EPT: %t  guest debugging: %t\n",
		f.UnrestrictedGuest, f.EPT, f.GuestDebugging)
	fmt.Printf("dirty-page tracking: %t  memory aliasing: %t  memory unmapping: %t\n",
		f.DirtyPageTracking, f.MemoryAliasing, f.MemoryUnmapping)
	fmt.Printf("supported CPUID leaves: %d\n", len(f.SupportedCPUIDs))

	return nil
}

// RunCmd boots a flat binary image at guest-physical address 0 and runs
// VCPU 0 until HLT or shutdown, mirroring flag.BootCMD's shape but loading
// a flat image instead of a bzImage/initrd pair (the boot-protocol and
// loader concerns spec.md's Non-goals place outside this library).
type RunCmd struct {
	Image   string `arg:"" help:"path to a flat binary guest image, loaded at guest-physical address 0"`
	MemSize string `short:"m" default:"64M" help:"guest memory size: number[gGmMkK]"`
	NumCPUs int    `short:"c" default:"1" help:"number of virtual processors"`
	Trace   bool   `help:"disassemble every unhandled exit's faulting instruction"`
	MaxRuns int    `default:"1000000" help:"stop after this many VM-exits, to bound a runaway guest"`
}

// Run implements the run subcommand.
func (r *RunCmd) Run() error {
	image, err := os.ReadFile(r.Image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	memSize, err := ParseSize(r.MemSize, "m")
	if err != nil {
		return fmt.Errorf("parse mem size: %w", err)
	}

	be, err := kvmbackend.NewPlatform()
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	defer be.Close()

	pf := platform.Get("virt86/kvm", be)

	if status := pf.Initialize("0.1.0"); status != backend.InitOK {
		return fmt.Errorf("initialize: %s", status)
	}

	v, err := pf.CreateVM(vm.Spec{NumProcessors: r.NumCPUs})
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}

	defer pf.FreeVM(v)

	host := make([]byte, memSize)
	copy(host, image)

	if status := v.MapGuestMemory(0, uint64(memSize), 0, host); status != gpamem.MapOK {
		return fmt.Errorf("map guest memory: %v", status)
	}

	cpu, ok := v.VirtualProcessor(0)
	if !ok {
		return fmt.Errorf("no virtual processor 0")
	}

	s := serial.New(cpu, serialIRQVector)
	v.RegisterIOReadCallback(s.PortRead)
	v.RegisterIOWriteCallback(s.PortWrite)

	if err := resetToFlatBinary(cpu); err != nil {
		return fmt.Errorf("reset vcpu: %w", err)
	}

	return r.runLoop(cpu)
}

// resetToFlatBinary programs flat 32-bit protected-mode segment state
// (4 GiB code/data segments, CR0.PE set, paging disabled) and RIP=0, the entry convention a
// flat binary guest image is built against.
func resetToFlatBinary(cpu *vcpu.VCPU) error {
	regs, err := cpu.GetRegs()
	if err != nil {
		return err
	}

	regs.RIP = 0
	regs.RFlags = 0x2 // reserved bit 1 always set

	if err := cpu.SetRegs(regs); err != nil {
		return err
	}

	sregs, err := cpu.GetSregs()
	if err != nil {
		return err
	}

	flat := x86reg.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0, Type: 0xB, Present: 1, DPL: 0, DB: 1, S: 1, G: 1}
	data := flat
	data.Type = 0x3

	sregs.CS, sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flat, data, data, data, data, data
	sregs.CR0 &^= x86reg.CR0xPG
	sregs.CR0 |= x86reg.CR0xPE

	return cpu.SetSregs(sregs)
}

// runLoop drives cpu.Run in a loop, printing a line per VM-exit and
// stopping at HLT, shutdown, or r.MaxRuns exits, whichever comes first.
func (r *RunCmd) runLoop(cpu *vcpu.VCPU) error {
	for i := 0; i < r.MaxRuns; i++ {
		info, status, err := cpu.Run()
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		if status != backend.VCPUOK {
			return fmt.Errorf("vcpu status: %v", status)
		}

		switch info.Kind {
		case backend.ExitHLT:
			fmt.Println("guest halted")
			return nil

		case backend.ExitShutdown:
			return fmt.Errorf("guest shutdown: %s", info.Detail)

		case backend.ExitUnhandled:
			if r.Trace {
				logUnhandled(cpu)
			}
		}
	}

	return fmt.Errorf("stopped after %d VM-exits without halting", r.MaxRuns)
}

// logUnhandled disassembles the faulting instruction at the current RIP
// and prints it, using golang.org/x/arch/x86/x86asm the way the teacher's
// disassembly-adjacent tooling would, for a guest exit this library has no
// semantic handler for.
func logUnhandled(cpu *vcpu.VCPU) {
	regs, err := cpu.GetRegs()
	if err != nil {
		log.Printf("disasm: get regs: %v", err)
		return
	}

	sregs, err := cpu.GetSregs()
	if err != nil {
		log.Printf("disasm: get sregs: %v", err)
		return
	}

	var buf [16]byte

	laddr := sregs.CS.Base + regs.RIP

	if _, err := cpu.LMemRead(laddr, buf[:]); err != nil {
		log.Printf("disasm: read: %v", err)
		return
	}

	mode := 32
	if sregs.CS.L != 0 {
		mode = 64
	}

	inst, err := x86asm.Decode(buf[:], mode)
	if err != nil {
		log.Printf("unhandled exit at %#x: %v", laddr, err)
		return
	}

	fmt.Printf("unhandled exit at %#x: %s\n", laddr, x86asm.GNUSyntax(inst, laddr, nil))
}
