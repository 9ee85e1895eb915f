//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"syscall"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/objectfs/iquestfs/internal/filesystem"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

const badHandle = ^uint64(0)

// CgoFuseFS serves a filesystem.FileSystem through the path-based cgofuse API,
// for macOS and Windows hosts.
type CgoFuseFS struct {
	fuse.FileSystemBase

	bridge     filesystem.FileSystem
	mountPoint string
	options    *MountOptions
	logger     *slog.Logger

	mu      sync.RWMutex
	host    *fuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(bridge filesystem.FileSystem, mountPoint string, options *MountOptions, logger *slog.Logger) *CgoFuseFS {
	if options == nil {
		options = DefaultMountOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CgoFuseFS{
		bridge:     bridge,
		mountPoint: mountPoint,
		options:    options,
		logger:     logger,
	}
}

// Mount mounts the filesystem and serves it in the background
func (fs *CgoFuseFS) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	fs.host = fuse.NewFileSystemHost(fs)
	options := []string{"-o", "fsname=" + fs.options.FSName}
	if fs.options.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if fs.options.ReadOnly {
		options = append(options, "-o", "ro")
	}
	switch runtime.GOOS {
	case "darwin":
		options = append(options, "-o", "volname=iquestfs")
	case "windows":
		options = append(options, "-o", "FileSystemName=iquestfs")
	}

	fs.done = make(chan struct{})
	go func(host *fuse.FileSystemHost, done chan struct{}) {
		defer close(done)
		if !host.Mount(fs.mountPoint, options) {
			fs.logger.Error("Mount failed", "mount_point", fs.mountPoint)
		}
	}(fs.host, fs.done)

	fs.mounted = true
	fs.logger.Info("Filesystem mounted", "mount_point", fs.mountPoint)
	return nil
}

// Unmount unmounts the filesystem
func (fs *CgoFuseFS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if fs.host != nil && !fs.host.Unmount() {
		return fmt.Errorf("unmount of %s failed", fs.mountPoint)
	}
	fs.mounted = false
	fs.logger.Info("Filesystem unmounted", "mount_point", fs.mountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (fs *CgoFuseFS) IsMounted() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.mounted
}

// Wait blocks until the host stops serving
func (fs *CgoFuseFS) Wait() {
	fs.mu.RLock()
	done := fs.done
	fs.mu.RUnlock()
	if done != nil {
		<-done
	}
}

func (fs *CgoFuseFS) status(op, path string, err error) int {
	if err == nil {
		return 0
	}
	e := errors.Errno(err)
	if e == syscall.EIO {
		fs.logger.Warn("FUSE operation failed", "op", op, "path", path, "error", err)
	}
	return -int(e)
}

func fillStat(stat *fuse.Stat_t, a types.Attr) {
	stat.Ino = a.Ino
	stat.Mode = a.Mode
	stat.Size = a.Size
	stat.Blocks = a.Blocks
	stat.Blksize = int64(a.Blksize)
	stat.Nlink = a.Nlink
	stat.Uid = a.Uid
	stat.Gid = a.Gid
	stat.Atim = fuse.NewTimespec(a.Atime)
	stat.Mtim = fuse.NewTimespec(a.Mtime)
	stat.Ctim = fuse.NewTimespec(a.Ctime)
	stat.Birthtim = fuse.NewTimespec(a.Ctime)
}

// Getattr gets file attributes
func (fs *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	a, err := fs.bridge.GetAttr(context.Background(), path)
	if err != nil {
		return fs.status("getattr", path, err)
	}
	fillStat(stat, a)
	return 0
}

// Readdir reads directory contents
func (fs *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := fs.bridge.ReadDir(context.Background(), path)
	if err != nil {
		return fs.status("readdir", path, err)
	}
	for _, e := range entries {
		var stat *fuse.Stat_t
		if e.Attr != nil {
			stat = &fuse.Stat_t{}
			fillStat(stat, *e.Attr)
		}
		if !fill(e.Name, stat, 0) {
			break
		}
	}
	return 0
}

// Statfs reports filesystem statistics
func (fs *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	st, err := fs.bridge.Statfs(context.Background(), path)
	if err != nil {
		return fs.status("statfs", path, err)
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Frsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = uint64(st.NameLen)
	return 0
}

// Open opens a file
func (fs *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	fd, err := fs.bridge.Open(context.Background(), path, flags)
	if err != nil {
		return fs.status("open", path, err), badHandle
	}
	return 0, uint64(fd)
}

// Create creates and opens a file
func (fs *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	fd, err := fs.bridge.Create(context.Background(), path, flags, mode)
	if err != nil {
		return fs.status("create", path, err), badHandle
	}
	return 0, uint64(fd)
}

// Mknod creates a regular file
func (fs *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int {
	return fs.status("mknod", path, fs.bridge.Mknod(context.Background(), path, mode))
}

// Read reads from a file
func (fs *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := fs.bridge.Read(context.Background(), filesystem.FD(fh), buff, ofst)
	if err != nil {
		return fs.status("read", path, err)
	}
	return n
}

// Write writes to a file
func (fs *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := fs.bridge.Write(context.Background(), filesystem.FD(fh), buff, ofst)
	if err != nil {
		return fs.status("write", path, err)
	}
	return n
}

// Flush flushes a file
func (fs *CgoFuseFS) Flush(path string, fh uint64) int {
	return fs.status("flush", path, fs.bridge.Flush(context.Background(), filesystem.FD(fh)))
}

// Release closes a file
func (fs *CgoFuseFS) Release(path string, fh uint64) int {
	return fs.status("release", path, fs.bridge.Release(context.Background(), filesystem.FD(fh)))
}

// Truncate changes the size of a file
func (fs *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	return fs.status("truncate", path, fs.bridge.Truncate(context.Background(), path, size))
}

// Mkdir creates a collection
func (fs *CgoFuseFS) Mkdir(path string, mode uint32) int {
	return fs.status("mkdir", path, fs.bridge.Mkdir(context.Background(), path, mode))
}

// Unlink removes a data object
func (fs *CgoFuseFS) Unlink(path string) int {
	return fs.status("unlink", path, fs.bridge.Unlink(context.Background(), path))
}

// Rmdir removes a collection
func (fs *CgoFuseFS) Rmdir(path string) int {
	return fs.status("rmdir", path, fs.bridge.Rmdir(context.Background(), path))
}

// Rename moves a file or collection
func (fs *CgoFuseFS) Rename(oldpath string, newpath string) int {
	return fs.status("rename", oldpath, fs.bridge.Rename(context.Background(), oldpath, newpath))
}

// Symlink is accepted without effect
func (fs *CgoFuseFS) Symlink(target string, newpath string) int {
	return fs.status("symlink", newpath, fs.bridge.Symlink(context.Background(), target, newpath))
}

// Link is accepted without effect
func (fs *CgoFuseFS) Link(oldpath string, newpath string) int {
	return fs.status("link", newpath, fs.bridge.Link(context.Background(), oldpath, newpath))
}
