package fuse

import (
	"context"
	"log/slog"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/iquestfs/internal/filesystem"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// Config represents FUSE host configuration
type Config struct {
	ReadOnly bool `yaml:"read_only"`
}

// FileSystem serves a filesystem.FileSystem through the go-fuse node API. Nodes
// carry no state of their own; every call is resolved by path against the bridge.
type FileSystem struct {
	bridge filesystem.FileSystem
	config *Config
	logger *slog.Logger
}

// NewFileSystem creates a go-fuse host for bridge.
func NewFileSystem(bridge filesystem.FileSystem, config *Config, logger *slog.Logger) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{bridge: bridge, config: config, logger: logger}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fs: fsys}
}

// errno maps a bridge error for the kernel, logging unexpected failures.
func (fsys *FileSystem) errno(op, p string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	e := errors.Errno(err)
	if e == syscall.EIO {
		fsys.logger.Warn("FUSE operation failed", "op", op, "path", p, "error", err)
	}
	return e
}

func nodePath(n *fs.Inode) string {
	return "/" + n.Path(nil)
}

func fillAttr(out *fuse.Attr, a types.Attr) {
	out.Mode = a.Mode
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = safeInt64ToUint64(a.Blocks)
	out.Blksize = a.Blksize
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

func fileType(a types.Attr) uint32 {
	if a.IsDir() {
		return fuse.S_IFDIR
	}
	return fuse.S_IFREG
}

// newChild builds the inode for a child whose attributes are known.
func (fsys *FileSystem) newChild(ctx context.Context, parent *fs.Inode, a types.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, a)
	var node fs.InodeEmbedder = &FileNode{fs: fsys}
	if a.IsDir() {
		node = &DirectoryNode{fs: fsys}
	}
	return parent.NewInode(ctx, node, fs.StableAttr{Mode: fileType(a)})
}

// DirectoryNode represents a collection or a query directory
type DirectoryNode struct {
	fs.Inode
	fs *FileSystem
}

var (
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ fs.NodeMknoder   = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ fs.NodeRenamer   = (*DirectoryNode)(nil)
	_ fs.NodeStatfser  = (*DirectoryNode)(nil)
)

func (n *DirectoryNode) child(name string) string {
	return path.Join(nodePath(&n.Inode), name)
}

// Getattr gets directory attributes
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := nodePath(&n.Inode)
	a, err := n.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		return n.fs.errno("getattr", p, err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	a, err := n.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		return nil, n.fs.errno("lookup", p, err)
	}
	return n.fs.newChild(ctx, &n.Inode, a, out), 0
}

// Readdir reads directory contents
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	p := nodePath(&n.Inode)
	listed, err := n.fs.bridge.ReadDir(ctx, p)
	if err != nil {
		return nil, n.fs.errno("readdir", p, err)
	}

	entries := make([]fuse.DirEntry, 0, len(listed))
	for _, e := range listed {
		// go-fuse supplies "." and ".." itself.
		if e.Name == "." || e.Name == ".." {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a new collection
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	p := n.child(name)
	if err := n.fs.bridge.Mkdir(ctx, p, mode); err != nil {
		return nil, n.fs.errno("mkdir", p, err)
	}
	a, err := n.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		return nil, n.fs.errno("mkdir", p, err)
	}
	return n.fs.newChild(ctx, &n.Inode, a, out), 0
}

// Mknod creates a regular file without opening it
func (n *DirectoryNode) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	if mode&syscall.S_IFMT != 0 && mode&syscall.S_IFMT != syscall.S_IFREG {
		return nil, syscall.EPERM
	}
	p := n.child(name)
	if err := n.fs.bridge.Mknod(ctx, p, mode); err != nil {
		return nil, n.fs.errno("mknod", p, err)
	}
	a, err := n.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		return nil, n.fs.errno("mknod", p, err)
	}
	return n.fs.newChild(ctx, &n.Inode, a, out), 0
}

// Create creates and opens a new file
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	p := n.child(name)
	fd, err := n.fs.bridge.Create(ctx, p, int(flags), mode)
	if err != nil {
		return nil, nil, 0, n.fs.errno("create", p, err)
	}
	a, err := n.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		_ = n.fs.bridge.Release(ctx, fd)
		return nil, nil, 0, n.fs.errno("create", p, err)
	}
	node = n.fs.newChild(ctx, &n.Inode, a, out)
	return node, &FileHandle{fs: n.fs, fd: fd, path: p}, 0, 0
}

// Unlink removes a data object
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	p := n.child(name)
	return n.fs.errno("unlink", p, n.fs.bridge.Unlink(ctx, p))
}

// Rmdir removes an empty collection
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	p := n.child(name)
	return n.fs.errno("rmdir", p, n.fs.bridge.Rmdir(ctx, p))
}

// Rename moves a child to a new parent and name
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if flags != 0 {
		return syscall.ENOTSUP
	}
	from := n.child(name)
	to := path.Join(nodePath(newParent.EmbeddedInode()), newName)
	return n.fs.errno("rename", from, n.fs.bridge.Rename(ctx, from, to))
}

// Statfs reports filesystem statistics
func (n *DirectoryNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	p := nodePath(&n.Inode)
	st, err := n.fs.bridge.Statfs(ctx, p)
	if err != nil {
		return n.fs.errno("statfs", p, err)
	}
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameLen
	return 0
}

// FileNode represents a data object
type FileNode struct {
	fs.Inode
	fs *FileSystem
}

var (
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
	_ fs.NodeOpener    = (*FileNode)(nil)
)

// Getattr gets file attributes
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := nodePath(&f.Inode)
	a, err := f.fs.bridge.GetAttr(ctx, p)
	if err != nil {
		return f.fs.errno("getattr", p, err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

// Setattr handles size changes; other attribute changes are accepted and ignored
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := nodePath(&f.Inode)
	if size, ok := in.GetSize(); ok {
		if f.fs.config.ReadOnly {
			return syscall.EROFS
		}
		if err := f.fs.bridge.Truncate(ctx, p, int64(size)); err != nil {
			return f.fs.errno("truncate", p, err)
		}
	}
	return f.Getattr(ctx, fh, out)
}

// Open opens a file
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if f.fs.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	p := nodePath(&f.Inode)
	fd, err := f.fs.bridge.Open(ctx, p, int(flags))
	if err != nil {
		return nil, 0, f.fs.errno("open", p, err)
	}
	return &FileHandle{fs: f.fs, fd: fd, path: p}, 0, 0
}

// FileHandle is an open descriptor of the bridge
type FileHandle struct {
	fs   *FileSystem
	fd   filesystem.FD
	path string
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read reads data from the file
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fs.bridge.Read(ctx, h.fd, dest, off)
	if err != nil {
		return nil, h.fs.errno("read", h.path, err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fs.bridge.Write(ctx, h.fd, data, off)
	if err != nil {
		return 0, h.fs.errno("write", h.path, err)
	}
	return safeIntToUint32(n), 0
}

// Flush flushes file data
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return h.fs.errno("flush", h.path, h.fs.bridge.Flush(ctx, h.fd))
}

// Release closes the file handle. The kernel does not wait for it, so the commit
// of a staged file runs detached from the request context.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return h.fs.errno("release", h.path, h.fs.bridge.Release(ctx, h.fd))
}

const releaseTimeout = 10 * time.Minute
