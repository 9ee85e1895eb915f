//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"log/slog"

	"github.com/objectfs/iquestfs/internal/filesystem"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(bridge filesystem.FileSystem, config *MountConfig, logger *slog.Logger) *CgoFuseMountManager {
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(bridge, config.MountPoint, config.Options, logger),
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// Wait blocks until the host stops serving
func (m *CgoFuseMountManager) Wait() {
	m.filesystem.Wait()
}
