//go:build windows

package commands

import (
	"fmt"

	"github.com/objectfs/iquestfs/internal/config"
)

func startDaemon(cfg *config.Configuration) error {
	return fmt.Errorf("background mode is not supported on windows; use --foreground")
}
