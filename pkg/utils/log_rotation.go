package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	Filename string
	// MaxSize is the size in bytes at which the file is rotated; 0 disables rotation.
	MaxSize int64
	// MaxBackups is the number of rotated files kept as Filename.1 ... Filename.N.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// LogRotator is an io.Writer that rotates its file by size.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens config.Filename for appending.
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.MaxBackups < 0 {
		config.MaxBackups = 0
	}
	lr := &LogRotator{config: config}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.config.MaxSize > 0 && lr.size > 0 && lr.size+int64(len(p)) > lr.config.MaxSize {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces an immediate rotation.
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) backup(n int) string {
	name := fmt.Sprintf("%s.%d", lr.config.Filename, n)
	if lr.config.Compress {
		name += ".gz"
	}
	return name
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	if lr.config.MaxBackups == 0 {
		if err := os.Remove(lr.config.Filename); err != nil && !os.IsNotExist(err) {
			return err
		}
		return lr.open()
	}

	// shift Filename.N-1 to Filename.N, dropping the oldest
	_ = os.Remove(lr.backup(lr.config.MaxBackups))
	for i := lr.config.MaxBackups - 1; i >= 1; i-- {
		if err := os.Rename(lr.backup(i), lr.backup(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	first := fmt.Sprintf("%s.%d", lr.config.Filename, 1)
	if err := os.Rename(lr.config.Filename, first); err != nil && !os.IsNotExist(err) {
		return err
	}
	if lr.config.Compress {
		if err := gzipFile(first); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", first, err)
		}
	}
	return lr.open()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.file = f
	lr.size = info.Size()
	return nil
}

// gzipFile replaces name with name.gz.
func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
