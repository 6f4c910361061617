package hostcpu_test

import (
	"runtime"
	"testing"

	"github.com/virt86go/virt86/hostcpu"
)

func TestGPABitsOnHost(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("CPUID requires amd64")
	}

	t.Parallel()

	bits := hostcpu.GPABits()
	if bits == 0 || bits > 52 {
		t.Fatalf("GPABits() = %d, want a plausible physical address width", bits)
	}
}

func TestProbeFPExtensionsOnHost(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("CPUID requires amd64")
	}

	t.Parallel()

	// Every amd64 capable of running this test suite has at least SSE2.
	s := hostcpu.ProbeFPExtensions()
	if !s.Has(hostcpu.SSE2) {
		t.Errorf("expected SSE2 to be reported on any amd64 host")
	}
}
