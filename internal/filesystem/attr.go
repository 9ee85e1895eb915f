package filesystem

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/query"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// GetAttr returns the attributes of path. Query directories are synthesized;
// everything else is answered from the path cache or a remote stat.
func (b *Bridge) GetAttr(ctx context.Context, p string) (attr types.Attr, err error) {
	defer b.observe("getattr", time.Now(), &err)

	parsed := b.parser.Parse(p)
	switch {
	case parsed.Mode == query.ModeMalformed:
		return types.Attr{}, errors.NewError(errors.ErrCodeInvalidPath, "malformed path").
			WithComponent("filesystem").WithOperation("getattr").WithPath(p)

	case parsed.Mode == query.ModeAttrs:
		return b.dirAttr(), nil

	case parsed.Mode == query.ModeValues:
		return b.cachedAttr(ctx, p, func(ctx context.Context) (types.Attr, error) {
			ok, err := b.runner.AttrExists(ctx, parsed, parsed.PendingAttr)
			if err != nil {
				return types.Attr{}, err
			}
			if !ok {
				return types.Attr{}, notFound("getattr", p)
			}
			return b.dirAttr(), nil
		})

	case parsed.Mode == query.ModeComplete && parsed.PostPath == "":
		return b.cachedAttr(ctx, p, func(ctx context.Context) (types.Attr, error) {
			objs, err := b.runner.Objects(ctx, parsed)
			if err != nil {
				return types.Attr{}, err
			}
			if len(objs) == 0 {
				return types.Attr{}, notFound("getattr", p)
			}
			return b.dirAttr(), nil
		})

	case parsed.Mode == query.ModeComplete:
		return b.cachedAttr(ctx, p, func(ctx context.Context) (types.Attr, error) {
			return b.remoteStat(ctx, parsed.ObjectPath())
		})

	default:
		return b.cachedAttr(ctx, p, func(ctx context.Context) (types.Attr, error) {
			return b.remoteStat(ctx, parsed.Collection)
		})
	}
}

func (b *Bridge) dirAttr() types.Attr {
	now := b.now()
	return types.DirAttr(now, now, now)
}

// cachedAttr consults the negative then the positive table and, on a miss in both,
// runs fetch once per path no matter how many callers are waiting on it.
func (b *Bridge) cachedAttr(ctx context.Context, p string, fetch func(context.Context) (types.Attr, error)) (types.Attr, error) {
	if attr, ok, err := b.lookupAttr(p); ok {
		return attr, err
	}

	v, err, _ := b.flight.Do(p, func() (interface{}, error) {
		if attr, ok, err := b.lookupAttr(p); ok {
			return attr, err
		}
		attr, err := fetch(ctx)
		if err != nil {
			if errors.IsNotFound(err) {
				b.cache.Insert(cache.Negative, p, types.Attr{})
			}
			return nil, err
		}
		b.cache.Insert(cache.Positive, p, attr)
		return attr, nil
	})
	if err != nil {
		return types.Attr{}, err
	}
	return v.(types.Attr), nil
}

func (b *Bridge) lookupAttr(p string) (types.Attr, bool, error) {
	if _, ok := b.cache.Lookup(cache.Negative, p); ok {
		return types.Attr{}, true, notFound("getattr", p)
	}
	e, ok := b.cache.Lookup(cache.Positive, p)
	if !ok {
		return types.Attr{}, false, nil
	}
	attr := e.Attr
	if e.Stage == types.StageWrite && e.StagePath != "" {
		if fi, err := os.Stat(e.StagePath); err == nil {
			attr.Size = fi.Size()
			attr.Blocks = fi.Size()/types.BlockSize + 1
		}
	}
	return attr, true, nil
}

func (b *Bridge) remoteStat(ctx context.Context, objPath string) (types.Attr, error) {
	var st *types.ObjectStat
	err := b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		var err error
		st, err = s.Stat(ctx, objPath)
		return err
	})
	if err != nil {
		return types.Attr{}, err
	}
	if st.Type == types.ObjUnknown {
		return types.Attr{}, notFound("stat", objPath)
	}
	return types.AttrFromStat(st), nil
}

// ReadDir lists path. Inside a query it lists attribute names, attribute values or
// matching objects; elsewhere it lists the remote collection.
func (b *Bridge) ReadDir(ctx context.Context, p string) (entries []DirEntry, err error) {
	defer b.observe("readdir", time.Now(), &err)

	entries = []DirEntry{{Name: "."}, {Name: ".."}}
	parsed := b.parser.Parse(p)

	switch {
	case parsed.Mode == query.ModeMalformed:
		return nil, errors.NewError(errors.ErrCodeInvalidPath, "malformed path").
			WithComponent("filesystem").WithOperation("readdir").WithPath(p)

	case parsed.Mode == query.ModeAttrs:
		names, err := b.runner.AttrNames(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return append(entries, b.dirEntries(names)...), nil

	case parsed.Mode == query.ModeValues:
		values, err := b.runner.Values(ctx, parsed, parsed.PendingAttr)
		if err != nil {
			return nil, err
		}
		return append(entries, b.dirEntries(values)...), nil

	case parsed.Mode == query.ModeComplete && parsed.PostPath != "":
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "query result is not a directory").
			WithComponent("filesystem").WithOperation("readdir").WithPath(p)

	case parsed.Mode == query.ModeComplete:
		objs, err := b.runner.Objects(ctx, parsed)
		if err != nil {
			return nil, err
		}
		if b.showIndicator {
			entries = append(entries, b.indicatorEntry())
		}
		for _, obj := range objs {
			if rel := query.RelativeName(parsed.Collection, obj); rel != "" {
				entries = append(entries, DirEntry{Name: b.parser.Encode(rel)})
			}
		}
		return entries, nil

	default:
		if b.showIndicator && parsed.Collection != "/" {
			entries = append(entries, b.indicatorEntry())
		}
		listed, err := b.listCollection(ctx, p, parsed.Collection)
		if err != nil {
			return nil, err
		}
		return append(entries, listed...), nil
	}
}

func (b *Bridge) dirEntries(names []string) []DirEntry {
	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		attr := b.dirAttr()
		out = append(out, DirEntry{Name: b.parser.Encode(name), Attr: &attr})
	}
	return out
}

func (b *Bridge) indicatorEntry() DirEntry {
	attr := b.dirAttr()
	return DirEntry{Name: b.parser.Indicator(), Attr: &attr}
}

// listCollection reads a remote collection and seeds the path cache with its children.
func (b *Bridge) listCollection(ctx context.Context, p, collection string) ([]DirEntry, error) {
	var listed []types.CollEntry
	err := b.pool.With(ctx, func(ctx context.Context, s types.Session) error {
		listed = listed[:0]
		r, err := s.OpenCollection(ctx, collection)
		if err != nil {
			return err
		}
		defer r.Close()
		for {
			e, err := r.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			listed = append(listed, e)
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(listed))
	for _, e := range listed {
		attr := types.AttrFromEntry(e)
		b.cache.InsertIfAbsent(path.Join(p, e.Name), attr)
		out = append(out, DirEntry{Name: e.Name, Attr: &attr})
	}
	return out, nil
}

// Statfs returns fixed, generous numbers; the catalog has no notion of capacity.
func (b *Bridge) Statfs(ctx context.Context, p string) (StatfsInfo, error) {
	return StatfsInfo{
		Bsize:   types.BlockSize,
		Frsize:  types.BlockSize,
		Blocks:  2000000000,
		Bfree:   1000000000,
		Bavail:  1000000000,
		Files:   200000000,
		Ffree:   100000000,
		NameLen: 1024,
	}, nil
}
