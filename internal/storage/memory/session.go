package memory

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

type handle struct {
	path   string
	offset int64
}

type session struct {
	catalog *Catalog
	user    string
	handles map[types.Handle]*handle
	next    types.Handle
	closed  bool
}

// begin locks the catalog and checks the session and fault state for op.
func (s *session) begin(op string) error {
	s.catalog.mu.Lock()
	if s.closed {
		s.catalog.mu.Unlock()
		return errors.NewError(errors.ErrCodeConnectionLost, "session disconnected").
			WithComponent("memory").WithOperation(op)
	}
	if err := s.catalog.enterLocked(op); err != nil {
		s.catalog.mu.Unlock()
		return err
	}
	return nil
}

func (s *session) end() {
	s.catalog.mu.Unlock()
}

func (s *session) Authenticate(ctx context.Context) error {
	if err := s.begin(OpAuthenticate); err != nil {
		return err
	}
	defer s.end()
	return s.catalog.authErr
}

func (s *session) Stat(ctx context.Context, p string) (*types.ObjectStat, error) {
	if err := s.begin(OpStat); err != nil {
		return nil, err
	}
	defer s.end()

	p = clean(p)
	if obj, ok := s.catalog.objects[p]; ok {
		return &types.ObjectStat{
			Path:       p,
			Type:       types.ObjDataObject,
			Size:       int64(len(obj.data)),
			Mode:       obj.mode,
			Owner:      s.user,
			CreateTime: obj.ctime,
			ModifyTime: obj.mtime,
		}, nil
	}
	if ctime, ok := s.catalog.colls[p]; ok {
		return &types.ObjectStat{
			Path:       p,
			Type:       types.ObjCollection,
			Owner:      s.user,
			CreateTime: ctime,
			ModifyTime: ctime,
		}, nil
	}
	return nil, notFound(OpStat, p)
}

func (s *session) newHandleLocked(p string) types.Handle {
	s.next++
	s.handles[s.next] = &handle{path: p}
	return s.next
}

func (s *session) Open(ctx context.Context, p string, flags int) (types.Handle, error) {
	if err := s.begin(OpOpen); err != nil {
		return 0, err
	}
	defer s.end()

	p = clean(p)
	obj, ok := s.catalog.objects[p]
	if !ok {
		if _, isColl := s.catalog.colls[p]; isColl {
			return 0, errors.NewError(errors.ErrCodeIsDirectory, "is a collection").
				WithComponent("memory").WithOperation(OpOpen).WithPath(p)
		}
		return 0, notFound(OpOpen, p)
	}
	if flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		obj.data = obj.data[:0]
		obj.mtime = s.catalog.now()
	}
	return s.newHandleLocked(p), nil
}

func (s *session) lookupLocked(op string, h types.Handle) (*handle, *object, error) {
	hd, ok := s.handles[h]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrCodeBadDescriptor, "unknown handle %d", h).
			WithComponent("memory").WithOperation(op)
	}
	obj, ok := s.catalog.objects[hd.path]
	if !ok {
		return nil, nil, notFound(op, hd.path)
	}
	return hd, obj, nil
}

func (s *session) Read(ctx context.Context, h types.Handle, p []byte) (int, error) {
	if err := s.begin(OpRead); err != nil {
		return 0, err
	}
	defer s.end()

	hd, obj, err := s.lookupLocked(OpRead, h)
	if err != nil {
		return 0, err
	}
	if hd.offset >= int64(len(obj.data)) {
		return 0, nil
	}
	n := copy(p, obj.data[hd.offset:])
	hd.offset += int64(n)
	return n, nil
}

func (s *session) Write(ctx context.Context, h types.Handle, p []byte) (int, error) {
	if err := s.begin(OpWrite); err != nil {
		return 0, err
	}
	defer s.end()

	hd, obj, err := s.lookupLocked(OpWrite, h)
	if err != nil {
		return 0, err
	}
	end := hd.offset + int64(len(p))
	if end > int64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[hd.offset:], p)
	hd.offset = end
	obj.mtime = s.catalog.now()
	return len(p), nil
}

func (s *session) Seek(ctx context.Context, h types.Handle, offset int64, whence int) (int64, error) {
	if err := s.begin(OpSeek); err != nil {
		return 0, err
	}
	defer s.end()

	hd, obj, err := s.lookupLocked(OpSeek, h)
	if err != nil {
		return 0, err
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += hd.offset
	case io.SeekEnd:
		offset += int64(len(obj.data))
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidPath, "bad whence %d", whence).
			WithComponent("memory").WithOperation(OpSeek)
	}
	if offset < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidPath, "negative offset").
			WithComponent("memory").WithOperation(OpSeek)
	}
	hd.offset = offset
	return offset, nil
}

func (s *session) Close(ctx context.Context, h types.Handle) error {
	if err := s.begin(OpClose); err != nil {
		return err
	}
	defer s.end()

	if _, ok := s.handles[h]; !ok {
		return errors.Newf(errors.ErrCodeBadDescriptor, "unknown handle %d", h).
			WithComponent("memory").WithOperation(OpClose)
	}
	delete(s.handles, h)
	return nil
}

func (s *session) parentExistsLocked(op, p string) error {
	if _, ok := s.catalog.colls[path.Dir(p)]; !ok {
		return notFound(op, path.Dir(p))
	}
	return nil
}

func (s *session) existsLocked(p string) bool {
	_, isObj := s.catalog.objects[p]
	_, isColl := s.catalog.colls[p]
	return isObj || isColl
}

func (s *session) Create(ctx context.Context, p string, mode uint32) (types.Handle, error) {
	if err := s.begin(OpCreate); err != nil {
		return 0, err
	}
	defer s.end()

	p = clean(p)
	if err := s.parentExistsLocked(OpCreate, p); err != nil {
		return 0, err
	}
	if s.existsLocked(p) {
		return 0, errors.NewError(errors.ErrCodeExists, "already exists").
			WithComponent("memory").WithOperation(OpCreate).WithPath(p)
	}
	now := s.catalog.now()
	s.catalog.objects[p] = &object{mode: mode, ctime: now, mtime: now, meta: map[string][]string{}}
	return s.newHandleLocked(p), nil
}

func (s *session) Unlink(ctx context.Context, p string) error {
	if err := s.begin(OpUnlink); err != nil {
		return err
	}
	defer s.end()

	p = clean(p)
	if _, ok := s.catalog.objects[p]; !ok {
		return notFound(OpUnlink, p)
	}
	delete(s.catalog.objects, p)
	return nil
}

func (s *session) Rename(ctx context.Context, from, to string) error {
	if err := s.begin(OpRename); err != nil {
		return err
	}
	defer s.end()

	from, to = clean(from), clean(to)
	if err := s.parentExistsLocked(OpRename, to); err != nil {
		return err
	}
	if s.existsLocked(to) {
		return errors.NewError(errors.ErrCodeExists, "destination exists").
			WithComponent("memory").WithOperation(OpRename).WithPath(to)
	}

	if obj, ok := s.catalog.objects[from]; ok {
		delete(s.catalog.objects, from)
		s.catalog.objects[to] = obj
		for _, hd := range s.handles {
			if hd.path == from {
				hd.path = to
			}
		}
		return nil
	}
	if _, ok := s.catalog.colls[from]; !ok || from == "/" {
		return notFound(OpRename, from)
	}

	prefix := from + "/"
	if strings.HasPrefix(to, prefix) {
		return errors.NewError(errors.ErrCodeInvalidPath, "cannot move a collection into itself").
			WithComponent("memory").WithOperation(OpRename).WithPath(to)
	}
	for name, ctime := range s.catalog.colls {
		if name == from || strings.HasPrefix(name, prefix) {
			delete(s.catalog.colls, name)
			s.catalog.colls[to+strings.TrimPrefix(name, from)] = ctime
		}
	}
	for name, obj := range s.catalog.objects {
		if strings.HasPrefix(name, prefix) {
			delete(s.catalog.objects, name)
			s.catalog.objects[to+strings.TrimPrefix(name, from)] = obj
		}
	}
	return nil
}

func (s *session) Mkdir(ctx context.Context, p string) error {
	if err := s.begin(OpMkdir); err != nil {
		return err
	}
	defer s.end()

	p = clean(p)
	if err := s.parentExistsLocked(OpMkdir, p); err != nil {
		return err
	}
	if s.existsLocked(p) {
		return errors.NewError(errors.ErrCodeExists, "already exists").
			WithComponent("memory").WithOperation(OpMkdir).WithPath(p)
	}
	s.catalog.colls[p] = s.catalog.now()
	return nil
}

func (s *session) Rmdir(ctx context.Context, p string) error {
	if err := s.begin(OpRmdir); err != nil {
		return err
	}
	defer s.end()

	p = clean(p)
	if _, ok := s.catalog.colls[p]; !ok {
		if _, isObj := s.catalog.objects[p]; isObj {
			return errors.NewError(errors.ErrCodeNotDirectory, "not a collection").
				WithComponent("memory").WithOperation(OpRmdir).WithPath(p)
		}
		return notFound(OpRmdir, p)
	}
	objs, colls := s.catalog.childrenLocked(p)
	if len(objs)+len(colls) > 0 {
		return errors.NewError(errors.ErrCodeNotEmpty, "collection not empty").
			WithComponent("memory").WithOperation(OpRmdir).WithPath(p)
	}
	delete(s.catalog.colls, p)
	return nil
}

func (s *session) Truncate(ctx context.Context, p string, size int64) error {
	if err := s.begin(OpTruncate); err != nil {
		return err
	}
	defer s.end()

	p = clean(p)
	obj, ok := s.catalog.objects[p]
	if !ok {
		return notFound(OpTruncate, p)
	}
	if size < int64(len(obj.data)) {
		obj.data = obj.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, obj.data)
		obj.data = grown
	}
	obj.mtime = s.catalog.now()
	return nil
}

type collectionReader struct {
	entries []types.CollEntry
	pos     int
}

func (r *collectionReader) Next(ctx context.Context) (types.CollEntry, error) {
	if r.pos >= len(r.entries) {
		return types.CollEntry{}, io.EOF
	}
	e := r.entries[r.pos]
	r.pos++
	return e, nil
}

func (r *collectionReader) Close() error { return nil }

func (s *session) OpenCollection(ctx context.Context, p string) (types.CollectionReader, error) {
	if err := s.begin(OpOpenCollection); err != nil {
		return nil, err
	}
	defer s.end()

	p = clean(p)
	if _, ok := s.catalog.colls[p]; !ok {
		if _, isObj := s.catalog.objects[p]; isObj {
			return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a collection").
				WithComponent("memory").WithOperation(OpOpenCollection).WithPath(p)
		}
		return nil, notFound(OpOpenCollection, p)
	}

	objs, colls := s.catalog.childrenLocked(p)
	r := &collectionReader{}
	for _, name := range objs {
		obj := s.catalog.objects[name]
		r.entries = append(r.entries, types.CollEntry{
			Name:       path.Base(name),
			Type:       types.ObjDataObject,
			Size:       int64(len(obj.data)),
			Mode:       obj.mode,
			CreateTime: obj.ctime,
			ModifyTime: obj.mtime,
		})
	}
	for _, name := range colls {
		ctime := s.catalog.colls[name]
		r.entries = append(r.entries, types.CollEntry{
			Name:       path.Base(name),
			Type:       types.ObjCollection,
			CreateTime: ctime,
			ModifyTime: ctime,
		})
	}
	return r, nil
}

func (s *session) Get(ctx context.Context, objPath, localPath string) error {
	if err := s.begin(OpGet); err != nil {
		return err
	}
	defer s.end()

	objPath = clean(objPath)
	obj, ok := s.catalog.objects[objPath]
	if !ok {
		return notFound(OpGet, objPath)
	}
	return errors.FromLocal(writeLocal(localPath, obj.data), OpGet, localPath)
}

func (s *session) Put(ctx context.Context, localPath, objPath string, mode uint32) error {
	if err := s.begin(OpPut); err != nil {
		return err
	}
	defer s.end()

	objPath = clean(objPath)
	if err := s.parentExistsLocked(OpPut, objPath); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.FromLocal(err, OpPut, localPath)
	}
	now := s.catalog.now()
	if obj, ok := s.catalog.objects[objPath]; ok {
		obj.data = data
		obj.mtime = now
		return nil
	}
	s.catalog.objects[objPath] = &object{data: data, mode: mode, ctime: now, mtime: now, meta: map[string][]string{}}
	return nil
}

func matches(obj *object, where []types.Condition) bool {
	for _, cond := range where {
		found := false
		for _, v := range obj.meta[cond.Attr] {
			if v == cond.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *session) Query(ctx context.Context, q types.Query) (*types.QueryResult, error) {
	if err := s.begin(OpQuery); err != nil {
		return nil, err
	}
	defer s.end()

	scope := clean(q.Collection)
	prefix := scope + "/"
	if scope == "/" {
		prefix = "/"
	}

	seen := map[string]bool{}
	var rows []string
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			rows = append(rows, v)
		}
	}
	for name, obj := range s.catalog.objects {
		if !strings.HasPrefix(name, prefix) || !matches(obj, q.Where) {
			continue
		}
		switch q.Target {
		case types.QueryAttrNames:
			for attr := range obj.meta {
				add(attr)
			}
		case types.QueryAttrValues:
			for _, v := range obj.meta[q.Attr] {
				add(v)
			}
		case types.QueryObjects:
			add(name)
		}
	}
	sort.Strings(rows)

	start := q.Continuation
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	next := 0
	if s.catalog.PageSize > 0 && start+s.catalog.PageSize < len(rows) {
		end = start + s.catalog.PageSize
		next = end
	}
	return &types.QueryResult{Rows: rows[start:end], Continuation: next}, nil
}

func (s *session) Disconnect() error {
	s.catalog.mu.Lock()
	defer s.catalog.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.catalog.disconnects++
	return nil
}
