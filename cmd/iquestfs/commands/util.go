package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/objectfs/iquestfs/internal/config"
	"github.com/objectfs/iquestfs/pkg/utils"
)

// defaultConfigPath is $XDG_CONFIG_HOME/iquestfs/config.yaml.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "iquestfs.yaml")
	}
	return filepath.Join(dir, "iquestfs", "config.yaml")
}

// loadConfig layers defaults, the config file and IQUESTFS_* variables. A missing
// file is an error only when it was named explicitly.
func loadConfig(path string) (*config.Configuration, string, error) {
	cfg := config.NewDefault()

	source := "defaults"
	switch {
	case path != "":
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, "", err
		}
		source = path
	default:
		if p := defaultConfigPath(); fileExists(p) {
			if err := cfg.LoadFromFile(p); err != nil {
				return nil, "", err
			}
			source = p
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, "", err
	}
	return cfg, source, nil
}

// setupLogging installs the process logger described by cfg.
func setupLogging(cfg *config.Configuration) (*slog.Logger, io.Closer, error) {
	var maxSize int64
	if cfg.Logging.MaxSize != "" {
		var err error
		if maxSize, err = utils.ParseBytes(cfg.Logging.MaxSize); err != nil {
			return nil, nil, fmt.Errorf("logging.max_size: %w", err)
		}
	}
	return utils.SetupLogging(utils.LogOptions{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
