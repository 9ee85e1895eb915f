package filesystem

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/objectfs/iquestfs/pkg/errors"
)

// PrepareStagingDir creates the per-process staging directory <base>/<user>.<pid>.
func PrepareStagingDir(base string) (string, error) {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	dir := filepath.Join(base, fmt.Sprintf("%s.%d", name, os.Getpid()))
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", errors.FromLocal(err, "mkdir", dir)
	}
	return dir, nil
}

// newStageFile creates an empty, uniquely named staging file for path.
func (b *Bridge) newStageFile(path string) (*os.File, error) {
	f, err := os.CreateTemp(b.stagingDir, filepath.Base(path)+".*")
	if err != nil {
		return nil, errors.FromLocal(err, "stage", b.stagingDir)
	}
	return f, nil
}

func (b *Bridge) removeStage(stagePath string) {
	if stagePath == "" {
		return
	}
	if err := os.Remove(stagePath); err != nil && !os.IsNotExist(err) {
		b.logger.Debug("Failed to remove staging file", "stage", stagePath, "error", err)
	}
}
