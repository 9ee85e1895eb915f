//go:build !windows

package commands

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/objectfs/iquestfs/internal/config"
)

// startDaemon re-executes the current command line with --foreground in a new
// session and returns once the child has started.
func startDaemon(cfg *config.Configuration) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := append([]string{}, os.Args[1:]...)
	args = append(args, "--foreground")
	child := exec.Command(executable, args...)

	// the child logs to its own file when configured; otherwise output is dropped
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Printf("iquestfs started in background (PID %d)\n", child.Process.Pid)
	if cfg.Logging.File != "" {
		fmt.Printf("Logs: %s\n", cfg.Logging.File)
	}
	return child.Process.Release()
}
