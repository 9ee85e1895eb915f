// Package filesystem implements the filesystem operations of a query-driven mount over
// a remote catalog. The FUSE hosts in internal/fuse translate kernel requests into calls
// on the FileSystem interface; Bridge is its implementation.
package filesystem

import (
	"context"
	"time"

	"github.com/objectfs/iquestfs/pkg/types"
)

// FileSystem is the set of operations the FUSE hosts call. Paths are absolute
// mount-relative paths such as "/zone/home/Q/project/apollo". Errors are
// *errors.Error values; hosts map them with errors.Errno.
type FileSystem interface {
	// Metadata
	GetAttr(ctx context.Context, path string) (types.Attr, error)
	ReadDir(ctx context.Context, path string) ([]DirEntry, error)
	Statfs(ctx context.Context, path string) (StatfsInfo, error)

	// Files
	Open(ctx context.Context, path string, flags int) (FD, error)
	Create(ctx context.Context, path string, flags int, mode uint32) (FD, error)
	Mknod(ctx context.Context, path string, mode uint32) error
	Read(ctx context.Context, fd FD, buf []byte, offset int64) (int, error)
	Write(ctx context.Context, fd FD, data []byte, offset int64) (int, error)
	Flush(ctx context.Context, fd FD) error
	Release(ctx context.Context, fd FD) error

	// Namespace
	Mkdir(ctx context.Context, path string, mode uint32) error
	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Truncate(ctx context.Context, path string, size int64) error
	Symlink(ctx context.Context, target, link string) error
	Link(ctx context.Context, from, to string) error
}

// FD is an open-file descriptor index handed to the kernel as the file handle.
type FD int

// DirEntry is one directory listing entry. Attr is nil when the listing does not
// provide attributes.
type DirEntry struct {
	Name string
	Attr *types.Attr
}

// IsDir reports whether the entry is known to be a directory.
func (d DirEntry) IsDir() bool {
	return d.Attr != nil && d.Attr.IsDir()
}

// StatfsInfo is the synthesized filesystem summary.
type StatfsInfo struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint32
}

// Recorder receives per-operation outcomes.
type Recorder interface {
	RecordOperation(op string, duration time.Duration, err error)
}
