//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"

	"github.com/objectfs/iquestfs/internal/filesystem"
)

// PlatformFileSystem is a mounted FUSE host
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
}

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(bridge filesystem.FileSystem, config *MountConfig, logger *slog.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(bridge, config, logger)
}
