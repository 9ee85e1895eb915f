package main

import (
	"fmt"
	"os"

	"github.com/objectfs/iquestfs/cmd/iquestfs/commands"
	"github.com/objectfs/iquestfs/internal/adapter"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(adapter.ExitCode(err))
	}
}
