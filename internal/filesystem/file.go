package filesystem

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/descriptor"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// copyChunk bounds the buffer used when moving staged bytes to the remote object.
const copyChunk = 1 << 20

// Open opens path. A file created moments ago and opened for writing reuses the
// descriptor its creation left behind; small objects opened read-only are staged
// whole into a local file; everything else reads and writes the remote object directly.
func (b *Bridge) Open(ctx context.Context, p string, flags int) (fd FD, err error) {
	defer b.observe("open", time.Now(), &err)

	if idx, ok := b.registry.Take(p); ok {
		if writable(flags) && b.table.Check(idx) == nil {
			return FD(idx), nil
		}
		if err := b.release(ctx, idx); err != nil {
			b.logger.Warn("Committing newly created file failed", "path", p, "error", err)
		}
	}

	objPath, err := b.objectPath("open", p)
	if err != nil {
		return -1, err
	}

	if !writable(flags) {
		fd, staged, err := b.openReadStage(ctx, p, objPath, flags)
		if err != nil || staged {
			return fd, err
		}
	}
	return b.openRemote(ctx, p, objPath, flags)
}

// openReadStage serves read-only opens of small objects from a local copy, reusing
// one already attached to the path cache.
func (b *Bridge) openReadStage(ctx context.Context, p, objPath string, flags int) (FD, bool, error) {
	attr, err := b.GetAttr(ctx, p)
	if err != nil {
		return -1, false, err
	}
	if attr.IsDir() {
		return -1, false, errors.NewError(errors.ErrCodeIsDirectory, "is a directory").
			WithComponent("filesystem").WithOperation("open").WithPath(p)
	}
	if attr.Size > b.readStageMax {
		return -1, false, nil
	}

	var f *os.File
	if e, ok := b.cache.Lookup(cache.Positive, p); ok && e.Stage == types.StageRead && e.StagePath != "" {
		f, _ = os.Open(e.StagePath)
	}
	if f == nil {
		if f, err = b.fetchStage(ctx, p, objPath, attr); err != nil {
			return -1, false, err
		}
	}
	stagePath := f.Name()

	idx, err := b.table.Allocate()
	if err != nil {
		f.Close()
		return -1, false, err
	}
	if err := b.table.Fill(idx, nil, 0, objPath, p); err != nil {
		f.Close()
		return -1, false, err
	}
	_ = b.table.Setup(idx, func(s *descriptor.Slot) {
		s.File = f
		s.StagePath = stagePath
		s.Stage = types.StageRead
		s.Flags = flags
	})
	return FD(idx), true, nil
}

// fetchStage copies objPath into a new staging file and attaches it to the cache.
func (b *Bridge) fetchStage(ctx context.Context, p, objPath string, attr types.Attr) (*os.File, error) {
	f, err := b.newStageFile(p)
	if err != nil {
		return nil, err
	}
	stagePath := f.Name()
	f.Close()

	err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		return s.Get(ctx, objPath, stagePath)
	})
	if err != nil {
		b.removeStage(stagePath)
		return nil, err
	}
	f, err = os.Open(stagePath)
	if err != nil {
		b.removeStage(stagePath)
		return nil, errors.FromLocal(err, "open", stagePath)
	}
	if !b.cache.AttachStage(p, stagePath, types.StageRead) {
		b.cache.InsertStaged(p, attr, stagePath, types.StageRead)
	}
	b.logger.Debug("Staged object for reading", "path", p, "stage", stagePath, "size", attr.Size)
	return f, nil
}

// openRemote opens the remote object and binds the descriptor to the connection used.
func (b *Bridge) openRemote(ctx context.Context, p, objPath string, flags int) (FD, error) {
	conn, err := b.pool.AcquireBoundTo(ctx, p)
	if err != nil {
		return -1, err
	}

	var (
		h    types.Handle
		sess types.Session
	)
	err = b.pool.Do(ctx, conn, func(ctx context.Context, s types.Session) error {
		var err error
		h, err = s.Open(ctx, objPath, flags)
		sess = s
		return err
	})
	if err != nil {
		b.pool.Release(conn)
		return -1, err
	}
	b.cache.Remove(cache.Negative, p)
	if flags&os.O_TRUNC != 0 {
		b.cache.Invalidate(p)
	}

	idx, err := b.table.Allocate()
	if err != nil {
		_ = sess.Close(ctx, h)
		b.pool.Release(conn)
		return -1, err
	}
	if err := b.table.Fill(idx, conn, h, objPath, p); err != nil {
		_ = sess.Close(ctx, h)
		b.pool.Release(conn)
		return -1, err
	}
	_ = b.table.Setup(idx, func(s *descriptor.Slot) {
		s.Session = sess
		s.Stage = types.StageNone
		s.Flags = flags
	})
	b.pool.Unuse(conn)
	return FD(idx), nil
}

// Create creates path and opens it.
func (b *Bridge) Create(ctx context.Context, p string, flags int, mode uint32) (FD, error) {
	if err := b.Mknod(ctx, p, mode); err != nil {
		return -1, err
	}
	return b.Open(ctx, p, flags)
}

// Mknod creates a regular file. Its content is buffered in a local staging file and
// sent to the catalog when the file is released; the descriptor is parked in the
// newly-created registry for the open that follows.
func (b *Bridge) Mknod(ctx context.Context, p string, mode uint32) (err error) {
	defer b.observe("mknod", time.Now(), &err)

	objPath, err := b.plainPath("mknod", p)
	if err != nil {
		return err
	}
	if _, err := b.GetAttr(ctx, p); err == nil {
		return errors.NewError(errors.ErrCodeExists, "file exists").
			WithComponent("filesystem").WithOperation("mknod").WithPath(p)
	} else if !errors.IsNotFound(err) {
		return err
	}

	now := b.now()
	attr := types.FileAttr(mode, 0, now, now, now)

	f, stageErr := b.newStageFile(p)
	if stageErr == nil {
		idx, err := b.table.Allocate()
		if err != nil {
			f.Close()
			b.removeStage(f.Name())
			return err
		}
		_ = b.table.Fill(idx, nil, 0, objPath, p)
		_ = b.table.Setup(idx, func(s *descriptor.Slot) {
			s.File = f
			s.StagePath = f.Name()
			s.Stage = types.StageWrite
			s.CreateMode = mode
			s.Flags = os.O_RDWR
		})
		b.cache.Invalidate(p)
		b.cache.InsertStaged(p, attr, f.Name(), types.StageWrite)
		b.register(ctx, p, idx)
		return nil
	}

	b.logger.Warn("Local staging unavailable, creating remotely", "path", p, "error", stageErr)
	return b.createRemote(ctx, p, objPath, mode, attr)
}

func (b *Bridge) createRemote(ctx context.Context, p, objPath string, mode uint32, attr types.Attr) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	var (
		h    types.Handle
		sess types.Session
	)
	err = b.pool.Do(ctx, conn, func(ctx context.Context, s types.Session) error {
		var err error
		h, err = s.Create(ctx, objPath, mode)
		sess = s
		return err
	})
	if err != nil {
		b.pool.Release(conn)
		return err
	}
	b.cache.Replace(cache.Positive, p, attr)

	idx, err := b.table.Allocate()
	if err != nil {
		// The object exists; only the descriptor for the following open is lost.
		_ = sess.Close(ctx, h)
		b.pool.Release(conn)
		return nil
	}
	_ = b.table.Fill(idx, conn, h, objPath, p)
	_ = b.table.Setup(idx, func(s *descriptor.Slot) {
		s.Session = sess
		s.CreateMode = mode
		s.Flags = os.O_RDWR
	})
	b.pool.Unuse(conn)
	b.register(ctx, p, idx)
	return nil
}

// register parks idx in the newly-created registry, committing whatever it displaces
// and anything that waited too long to be opened.
func (b *Bridge) register(ctx context.Context, p string, idx int) {
	stale := b.registry.Expired()
	if evicted, ok := b.registry.Add(p, idx); ok {
		stale = append(stale, evicted)
	}
	for _, old := range stale {
		if err := b.release(ctx, old); err != nil {
			b.logger.Warn("Committing displaced newly created file failed", "descriptor", old, "error", err)
		}
	}
}

// Read reads from fd at offset.
func (b *Bridge) Read(ctx context.Context, fd FD, buf []byte, offset int64) (n int, err error) {
	defer b.observe("read", time.Now(), &err)

	s, err := b.table.Lock(int(fd))
	if err != nil {
		return 0, err
	}
	defer b.table.Unlock(s)

	if len(buf) == 0 {
		return 0, nil
	}
	if s.Stage != types.StageNone {
		n, err := s.File.ReadAt(buf, offset)
		if err == io.EOF {
			err = nil
		}
		return n, errors.FromLocal(err, "read", s.StagePath)
	}

	err = b.remote(ctx, s, func(ctx context.Context, sess types.Session, h types.Handle) error {
		n = 0
		if err := seekRemote(ctx, sess, s, h, offset); err != nil {
			return err
		}
		for n < len(buf) {
			m, err := sess.Read(ctx, h, buf[n:])
			if err != nil {
				return err
			}
			if m == 0 {
				break
			}
			n += m
			s.Offset += int64(m)
		}
		return nil
	})
	return n, err
}

// Write writes data to fd at offset. Staged writes spill to the remote object once
// the staging file outgrows the write stage limit.
func (b *Bridge) Write(ctx context.Context, fd FD, data []byte, offset int64) (n int, err error) {
	defer b.observe("write", time.Now(), &err)

	s, err := b.table.Lock(int(fd))
	if err != nil {
		return 0, err
	}
	defer b.table.Unlock(s)

	switch s.Stage {
	case types.StageRead:
		return 0, badDescriptor("write", fd)

	case types.StageWrite:
		n, err := s.File.WriteAt(data, offset)
		s.BytesWritten += int64(n)
		if end := offset + int64(n); end > s.Offset {
			s.Offset = end
		}
		if err != nil {
			return n, errors.FromLocal(err, "write", s.StagePath)
		}
		if s.Offset >= b.writeStageMax {
			if err := b.spill(ctx, s); err != nil {
				return 0, err
			}
		}
		return n, nil
	}

	err = b.remote(ctx, s, func(ctx context.Context, sess types.Session, h types.Handle) error {
		if err := seekRemote(ctx, sess, s, h, offset); err != nil {
			return err
		}
		m, err := sess.Write(ctx, h, data)
		if err != nil {
			return err
		}
		n = m
		s.Offset += int64(m)
		return nil
	})
	if err == nil {
		s.BytesWritten += int64(n)
	}
	return n, err
}

func seekRemote(ctx context.Context, sess types.Session, s *descriptor.Slot, h types.Handle, offset int64) error {
	if s.Offset == offset {
		return nil
	}
	pos, err := sess.Seek(ctx, h, offset, io.SeekStart)
	if err != nil {
		return err
	}
	s.Offset = pos
	return nil
}

// remote runs fn with the descriptor's remote handle, holding its connection. A handle
// from a session that has since been replaced by a reconnect is reopened first.
// Caller holds the slot lock.
func (b *Bridge) remote(ctx context.Context, s *descriptor.Slot, fn func(ctx context.Context, sess types.Session, h types.Handle) error) error {
	conn := b.table.Conn(s)
	if conn == nil {
		return badDescriptor("remote", FD(s.Index()))
	}
	b.pool.Use(conn)
	defer b.pool.Unuse(conn)

	return b.pool.Do(ctx, conn, func(ctx context.Context, sess types.Session) error {
		if sess != s.Session {
			h, err := sess.Open(ctx, s.ObjectPath, openFlags(s.Flags))
			if err != nil {
				return err
			}
			s.RemoteHandle = h
			s.Session = sess
			s.Offset = 0
		}
		return fn(ctx, sess, s.RemoteHandle)
	})
}

// spill moves a write stage to the remote object: the object is created, the staged
// bytes copied, and the descriptor continues unstaged at the same offset. It happens
// at most once per descriptor. Caller holds the slot lock.
func (b *Bridge) spill(ctx context.Context, s *descriptor.Slot) error {
	if s.Flushed || s.Stage != types.StageWrite {
		return nil
	}
	path := b.table.Path(s)

	conn := b.table.Conn(s)
	if conn == nil {
		c, err := b.pool.AcquireBoundTo(ctx, path)
		if err != nil {
			return err
		}
		b.table.SetConn(s, c)
		b.pool.Unuse(c)
		conn = c
	}
	b.pool.Use(conn)
	defer b.pool.Unuse(conn)

	var size int64
	err := b.pool.Do(ctx, conn, func(ctx context.Context, sess types.Session) error {
		h, err := sess.Create(ctx, s.ObjectPath, s.CreateMode)
		if errors.HasCode(err, errors.ErrCodeExists) {
			h, err = sess.Open(ctx, s.ObjectPath, os.O_RDWR|os.O_TRUNC)
		}
		if err != nil {
			return err
		}
		s.RemoteHandle = h
		s.Session = sess

		size = 0
		buf := make([]byte, copyChunk)
		for {
			m, rerr := s.File.ReadAt(buf, size)
			if m > 0 {
				if _, err := sess.Write(ctx, h, buf[:m]); err != nil {
					return err
				}
				size += int64(m)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return errors.FromLocal(rerr, "spill", s.StagePath)
			}
		}
	})
	if err != nil {
		b.logger.Error("Spilling staged writes failed", "path", path, "error", err)
		return err
	}

	s.File.Close()
	b.removeStage(s.StagePath)
	s.File = nil
	s.StagePath = ""
	s.Stage = types.StageNone
	s.Flushed = true
	s.Offset = size
	s.Flags = os.O_RDWR
	b.cache.Invalidate(path)
	b.logger.Debug("Spilled staged writes to remote object", "path", path, "bytes", size)
	return nil
}

// Flush is a no-op: staged data is committed on release.
func (b *Bridge) Flush(ctx context.Context, fd FD) error {
	return b.table.Check(int(fd))
}

// Release closes fd.
func (b *Bridge) Release(ctx context.Context, fd FD) (err error) {
	defer b.observe("release", time.Now(), &err)

	b.registry.Forget(int(fd))
	return b.release(ctx, int(fd))
}

// release closes the descriptor's handles, commits a write stage and frees the slot
// together with its connection reference.
func (b *Bridge) release(ctx context.Context, idx int) error {
	s, err := b.table.Lock(idx)
	if err != nil {
		return err
	}
	path := b.table.Path(s)

	var result error
	switch s.Stage {
	case types.StageNone:
		result = b.closeRemote(ctx, s)
		if s.BytesWritten > 0 {
			b.cache.Invalidate(path)
		}
	case types.StageRead:
		s.File.Close()
	case types.StageWrite:
		result = b.commit(ctx, s, path)
	}
	s.File = nil
	s.RemoteHandle = 0
	b.table.Unlock(s)

	b.free(idx)
	return result
}

func (b *Bridge) free(idx int) {
	conn, err := b.table.Free(idx)
	if err == nil && conn != nil {
		b.pool.Relinquish(conn)
	}
}

func (b *Bridge) closeRemote(ctx context.Context, s *descriptor.Slot) error {
	conn := b.table.Conn(s)
	if conn == nil || s.RemoteHandle == 0 {
		return nil
	}
	b.pool.Use(conn)
	defer b.pool.Unuse(conn)

	// A handle from a replaced session died with it, along with anything the remote
	// side had not yet persisted.
	if sess := conn.Session(); sess == nil || sess != s.Session {
		if s.BytesWritten == 0 {
			return nil
		}
		return errors.NewError(errors.ErrCodeRemoteIO, "remote session was replaced before close; written data may be lost").
			WithComponent("filesystem").WithOperation("release").WithPath(s.ObjectPath)
	}
	return s.Session.Close(ctx, s.RemoteHandle)
}

// commit puts the staging file to the catalog. A small staging file stays behind in
// the path cache as a read stage for later opens.
func (b *Bridge) commit(ctx context.Context, s *descriptor.Slot, path string) error {
	stagePath := s.StagePath
	size := int64(-1)
	if fi, err := s.File.Stat(); err == nil {
		size = fi.Size()
	}
	s.File.Close()

	err := b.pool.With(ctx, func(ctx context.Context, sess types.Session) error {
		return sess.Put(ctx, stagePath, s.ObjectPath, s.CreateMode)
	})
	if err != nil {
		b.cache.Invalidate(path)
		b.logger.Error("Committing staged file failed; staging file kept", "path", path,
			"stage", stagePath, "error", err)
		return err
	}
	s.Flushed = true

	if size < 0 {
		b.cache.Invalidate(path)
		b.removeStage(stagePath)
		return nil
	}
	now := b.now()
	attr := types.FileAttr(s.CreateMode, size, now, now, now)
	if !b.cache.Refresh(path, attr, types.StageRead) {
		b.removeStage(stagePath)
		return nil
	}
	if size > b.readStageMax {
		b.cache.DropStage(path)
	}
	return nil
}
