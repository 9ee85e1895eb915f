package filesystem

import (
	"context"
	"time"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/descriptor"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// Mkdir creates a collection.
func (b *Bridge) Mkdir(ctx context.Context, p string, mode uint32) (err error) {
	defer b.observe("mkdir", time.Now(), &err)

	objPath, err := b.plainPath("mkdir", p)
	if err != nil {
		return err
	}
	err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		return s.Mkdir(ctx, objPath)
	})
	if err != nil {
		return err
	}
	b.cache.Replace(cache.Positive, p, b.dirAttr())
	return nil
}

// Unlink removes a data object. A newly created file that was never committed is
// discarded locally.
func (b *Bridge) Unlink(ctx context.Context, p string) (err error) {
	defer b.observe("unlink", time.Now(), &err)

	objPath, err := b.plainPath("unlink", p)
	if err != nil {
		return err
	}

	discarded := false
	if idx, ok := b.registry.Take(p); ok {
		discarded = b.discardStaged(idx)
	}

	err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		return s.Unlink(ctx, objPath)
	})
	if err != nil && !(discarded && errors.IsNotFound(err)) {
		return err
	}
	b.cache.Invalidate(p)
	b.cache.Insert(cache.Negative, p, types.Attr{})
	return nil
}

// discardStaged drops a write-staged descriptor without committing it.
func (b *Bridge) discardStaged(idx int) bool {
	s, err := b.table.Lock(idx)
	if err != nil {
		return false
	}
	if s.Stage != types.StageWrite {
		b.table.Unlock(s)
		if err := b.release(context.Background(), idx); err != nil {
			b.logger.Warn("Releasing newly created file failed", "descriptor", idx, "error", err)
		}
		return false
	}
	s.File.Close()
	b.removeStage(s.StagePath)
	s.File = nil
	b.table.Unlock(s)
	b.free(idx)
	return true
}

// Rmdir removes an empty collection.
func (b *Bridge) Rmdir(ctx context.Context, p string) (err error) {
	defer b.observe("rmdir", time.Now(), &err)

	objPath, err := b.plainPath("rmdir", p)
	if err != nil {
		return err
	}
	err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		return s.Rmdir(ctx, objPath)
	})
	if err != nil {
		return err
	}
	b.cache.Invalidate(p)
	b.cache.Insert(cache.Negative, p, types.Attr{})
	return nil
}

// Rename moves from to to. A newly created file still staged locally is renamed
// without contacting the catalog; its content lands under the new name on commit.
func (b *Bridge) Rename(ctx context.Context, from, to string) (err error) {
	defer b.observe("rename", time.Now(), &err)

	fromObj, err := b.plainPath("rename", from)
	if err != nil {
		return err
	}
	toObj, err := b.plainPath("rename", to)
	if err != nil {
		return err
	}

	e, cached := b.cache.Lookup(cache.Positive, from)
	if cached && e.Stage == types.StageWrite && e.StagePath != "" {
		b.retarget(from, to, toObj)
		b.registry.Rename(from, to)
		b.cache.Move(from, to)
		b.logger.Debug("Renamed staged file", "from", from, "to", to)
		return nil
	}

	rename := func(ctx context.Context, s types.Session) error {
		return s.Rename(ctx, fromObj, toObj)
	}
	err = b.pool.With(ctx, rename)
	if errors.HasCode(err, errors.ErrCodeExists) {
		// Rename onto an existing data object replaces it.
		err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
			if err := s.Unlink(ctx, toObj); err != nil {
				return err
			}
			return rename(ctx, s)
		})
	}
	if err != nil {
		return err
	}

	b.retarget(from, to, toObj)
	if cached && e.Attr.IsDir() {
		b.cache.InvalidateTree(from)
		b.cache.InvalidateTree(to)
		return nil
	}
	if !b.cache.Move(from, to) {
		b.cache.Forget(to)
	}
	b.cache.Insert(cache.Negative, from, types.Attr{})
	return nil
}

// retarget points the open descriptors of from at to.
func (b *Bridge) retarget(from, to, toObj string) {
	for _, idx := range b.table.Rename(from, to) {
		_ = b.table.Setup(idx, func(s *descriptor.Slot) {
			s.ObjectPath = toObj
		})
	}
}

// Truncate sets the size of a data object. A file still staged locally is truncated
// in place.
func (b *Bridge) Truncate(ctx context.Context, p string, size int64) (err error) {
	defer b.observe("truncate", time.Now(), &err)

	objPath, err := b.plainPath("truncate", p)
	if err != nil {
		return err
	}

	for _, idx := range b.table.FindByPath(p) {
		s, err := b.table.Lock(idx)
		if err != nil {
			continue
		}
		if s.Stage != types.StageWrite {
			b.table.Unlock(s)
			continue
		}
		err = s.File.Truncate(size)
		if err == nil && s.Offset > size {
			s.Offset = size
		}
		stagePath := s.StagePath
		b.table.Unlock(s)
		return errors.FromLocal(err, "truncate", stagePath)
	}

	err = b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		return s.Truncate(ctx, objPath, size)
	})
	if err != nil {
		return err
	}

	b.cache.DropStage(p)
	if e, ok := b.cache.Lookup(cache.Positive, p); ok {
		now := b.now()
		b.cache.Refresh(p, types.FileAttr(e.Attr.Mode, size, e.Attr.Ctime, now, now), types.StageNone)
	}
	return nil
}

// Symlink is accepted and ignored; the catalog has no symbolic links.
func (b *Bridge) Symlink(ctx context.Context, target, link string) error {
	return nil
}

// Link is accepted and ignored; the catalog has no hard links.
func (b *Bridge) Link(ctx context.Context, from, to string) error {
	return nil
}

