//go:build !test

package main

import (
	"log"
	"os"
	"strings"

	"github.com/pkg/profile"

	"github.com/virt86go/virt86/cli"
)

func main() {
	args := os.Args[1:]

	if len(args) > 0 && strings.HasPrefix(args[0], "--profile=") {
		mode := strings.TrimPrefix(args[0], "--profile=")
		args = args[1:]

		p, err := startProfile(mode)
		if err != nil {
			log.Fatal(err)
		}

		defer p.Stop()
	}

	if err := cli.Parse(args); err != nil {
		log.Fatal(err)
	}
}

// startProfile wraps pkg/profile's one-shot Start, mirroring the
// teacher's own profiling intent (fgprof/pprof sit in its dependency
// graph, though no teacher source ever wires them up) with a CLI-visible
// --profile=cpu|mem|block flag instead of a hardcoded profile kind.
func startProfile(mode string) (interface{ Stop() }, error) {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile), nil
	case "mem":
		return profile.Start(profile.MemProfile), nil
	case "block":
		return profile.Start(profile.BlockProfile), nil
	default:
		return nil, errUnknownProfile(mode)
	}
}

type errUnknownProfile string

func (e errUnknownProfile) Error() string { return "unknown --profile mode: " + string(e) }
