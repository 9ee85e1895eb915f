package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// avuSeparator joins multiple values of one attribute in a single metadata entry.
const avuSeparator = ","

// handle is an open data object. Content is fetched by range until the first
// write, after which the whole object is held in data and uploaded on Close.
type handle struct {
	path   string
	key    string
	offset int64
	size   int64
	meta   map[string]string
	data   []byte
	loaded bool
	dirty  bool
}

type session struct {
	backend  *Backend
	endpoint types.Endpoint

	mu      sync.Mutex
	handles map[types.Handle]*handle
	next    types.Handle
	closed  bool
}

func (s *session) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeConnectionLost, "session disconnected").
			WithComponent(component).WithOperation(op)
	}
	return nil
}

func (s *session) Authenticate(ctx context.Context) error {
	if err := s.check("authenticate"); err != nil {
		return err
	}
	b := s.backend
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	b.stats.request(err)
	if err != nil {
		return translateError(err, "authenticate", "")
	}
	b.logger.Debug("Session authenticated", "endpoint", s.endpoint.String())
	return nil
}

func (s *session) Stat(ctx context.Context, p string) (*types.ObjectStat, error) {
	if err := s.check("stat"); err != nil {
		return nil, err
	}
	st, err := s.backend.stat(ctx, "stat", p)
	if err != nil {
		return nil, err
	}
	st.Owner = s.endpoint.User
	return st, nil
}

func (s *session) newHandle(hd *handle) types.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.handles[s.next] = hd
	return s.next
}

func (s *session) lookup(op string, h types.Handle) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.NewError(errors.ErrCodeConnectionLost, "session disconnected").
			WithComponent(component).WithOperation(op)
	}
	hd, ok := s.handles[h]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBadDescriptor, "unknown handle %d", h).
			WithComponent(component).WithOperation(op)
	}
	return hd, nil
}

func (s *session) Open(ctx context.Context, p string, flags int) (types.Handle, error) {
	if err := s.check("open"); err != nil {
		return 0, err
	}
	b := s.backend
	st, err := b.stat(ctx, "open", p)
	if err != nil {
		return 0, err
	}
	if st.Type == types.ObjCollection {
		return 0, errors.NewError(errors.ErrCodeIsDirectory, "is a collection").
			WithComponent(component).WithOperation("open").WithPath(st.Path)
	}

	key := b.key(st.Path)
	head, err := b.headObject(ctx, key)
	if err != nil {
		return 0, translateError(err, "open", st.Path)
	}
	hd := &handle{
		path: st.Path,
		key:  key,
		size: aws.ToInt64(head.ContentLength),
		meta: copyMeta(head.Metadata),
	}
	if flags&os.O_TRUNC != 0 && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		if err := b.putObject(ctx, key, nil, hd.meta); err != nil {
			return 0, translateError(err, "open", st.Path)
		}
		hd.size = 0
		hd.loaded = true
	}
	return s.newHandle(hd), nil
}

// load pulls the whole object into the handle.
func (s *session) load(ctx context.Context, op string, hd *handle) error {
	if hd.loaded {
		return nil
	}
	data, err := s.backend.getObject(ctx, hd.key, "")
	if err != nil {
		return translateError(err, op, hd.path)
	}
	hd.data = data
	hd.size = int64(len(data))
	hd.loaded = true
	return nil
}

func (s *session) Read(ctx context.Context, h types.Handle, p []byte) (int, error) {
	hd, err := s.lookup("read", h)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 || hd.offset >= hd.size {
		return 0, nil
	}
	if hd.loaded {
		n := copy(p, hd.data[hd.offset:])
		hd.offset += int64(n)
		return n, nil
	}

	end := hd.offset + int64(len(p)) - 1
	if end >= hd.size {
		end = hd.size - 1
	}
	data, err := s.backend.getObject(ctx, hd.key, fmt.Sprintf("bytes=%d-%d", hd.offset, end))
	if err != nil {
		return 0, translateError(err, "read", hd.path)
	}
	n := copy(p, data)
	hd.offset += int64(n)
	return n, nil
}

func (s *session) Write(ctx context.Context, h types.Handle, p []byte) (int, error) {
	hd, err := s.lookup("write", h)
	if err != nil {
		return 0, err
	}
	if err := s.load(ctx, "write", hd); err != nil {
		return 0, err
	}
	end := hd.offset + int64(len(p))
	if end > int64(len(hd.data)) {
		grown := make([]byte, end)
		copy(grown, hd.data)
		hd.data = grown
	}
	copy(hd.data[hd.offset:], p)
	hd.offset = end
	hd.size = int64(len(hd.data))
	hd.dirty = true
	return len(p), nil
}

func (s *session) Seek(ctx context.Context, h types.Handle, offset int64, whence int) (int64, error) {
	hd, err := s.lookup("seek", h)
	if err != nil {
		return 0, err
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += hd.offset
	case io.SeekEnd:
		offset += hd.size
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidPath, "bad whence %d", whence).
			WithComponent(component).WithOperation("seek")
	}
	if offset < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidPath, "negative offset").
			WithComponent(component).WithOperation("seek")
	}
	hd.offset = offset
	return offset, nil
}

func (s *session) Close(ctx context.Context, h types.Handle) error {
	hd, err := s.lookup("close", h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()

	if !hd.dirty {
		return nil
	}
	if err := s.backend.putObject(ctx, hd.key, hd.data, hd.meta); err != nil {
		return translateError(err, "close", hd.path)
	}
	return nil
}

// parentExists requires the collection containing p.
func (s *session) parentExists(ctx context.Context, op, p string) error {
	parent := path.Dir(p)
	st, err := s.backend.stat(ctx, op, parent)
	if err != nil {
		return err
	}
	if st.Type != types.ObjCollection {
		return errors.NewError(errors.ErrCodeNotDirectory, "parent is not a collection").
			WithComponent(component).WithOperation(op).WithPath(parent)
	}
	return nil
}

// absent fails with Exists when p resolves to anything.
func (s *session) absent(ctx context.Context, op, p string) error {
	_, err := s.backend.stat(ctx, op, p)
	switch {
	case err == nil:
		return errors.NewError(errors.ErrCodeExists, "already exists").
			WithComponent(component).WithOperation(op).WithPath(p)
	case errors.IsNotFound(err):
		return nil
	default:
		return err
	}
}

func (s *session) Create(ctx context.Context, p string, mode uint32) (types.Handle, error) {
	if err := s.check("create"); err != nil {
		return 0, err
	}
	p = path.Clean("/" + p)
	if err := s.parentExists(ctx, "create", p); err != nil {
		return 0, err
	}
	if err := s.absent(ctx, "create", p); err != nil {
		return 0, err
	}

	b := s.backend
	key := b.key(p)
	meta := modeMeta(mode)
	if err := b.putObject(ctx, key, nil, meta); err != nil {
		return 0, translateError(err, "create", p)
	}
	return s.newHandle(&handle{path: p, key: key, meta: meta, loaded: true}), nil
}

func (s *session) Unlink(ctx context.Context, p string) error {
	if err := s.check("unlink"); err != nil {
		return err
	}
	p = path.Clean("/" + p)
	b := s.backend
	key := b.key(p)
	if _, err := b.headObject(ctx, key); err != nil {
		return translateError(err, "unlink", p)
	}
	if err := b.deleteObject(ctx, key); err != nil {
		return translateError(err, "unlink", p)
	}
	return nil
}

func (s *session) Rename(ctx context.Context, from, to string) error {
	if err := s.check("rename"); err != nil {
		return err
	}
	b := s.backend
	from, to = path.Clean("/"+from), path.Clean("/"+to)
	if err := s.parentExists(ctx, "rename", to); err != nil {
		return err
	}
	if err := s.absent(ctx, "rename", to); err != nil {
		return err
	}
	st, err := b.stat(ctx, "rename", from)
	if err != nil {
		return err
	}

	if st.Type == types.ObjDataObject {
		if err := b.copyObject(ctx, b.key(from), b.key(to)); err != nil {
			return translateError(err, "rename", from)
		}
		if err := b.deleteObject(ctx, b.key(from)); err != nil {
			return translateError(err, "rename", from)
		}
		s.mu.Lock()
		for _, hd := range s.handles {
			if hd.path == from {
				hd.path, hd.key = to, b.key(to)
			}
		}
		s.mu.Unlock()
		return nil
	}

	if from == "/" || strings.HasPrefix(to, from+"/") {
		return errors.NewError(errors.ErrCodeInvalidPath, "cannot move a collection into itself").
			WithComponent(component).WithOperation("rename").WithPath(to)
	}
	fromKey, toKey := b.dirKey(from), b.dirKey(to)
	objects, err := b.listKeys(ctx, fromKey)
	if err != nil {
		return translateError(err, "rename", from)
	}
	for _, obj := range objects {
		k := aws.ToString(obj.Key)
		if err := b.copyObject(ctx, k, toKey+strings.TrimPrefix(k, fromKey)); err != nil {
			return translateError(err, "rename", b.pathOf(k))
		}
	}
	for _, obj := range objects {
		k := aws.ToString(obj.Key)
		if err := b.deleteObject(ctx, k); err != nil {
			return translateError(err, "rename", b.pathOf(k))
		}
	}
	b.logger.Debug("Collection renamed", "from", from, "to", to, "keys", len(objects))
	return nil
}

func (s *session) Mkdir(ctx context.Context, p string) error {
	if err := s.check("mkdir"); err != nil {
		return err
	}
	p = path.Clean("/" + p)
	if err := s.parentExists(ctx, "mkdir", p); err != nil {
		return err
	}
	if err := s.absent(ctx, "mkdir", p); err != nil {
		return err
	}
	if err := s.backend.putObject(ctx, s.backend.dirKey(p), nil, nil); err != nil {
		return translateError(err, "mkdir", p)
	}
	return nil
}

func (s *session) Rmdir(ctx context.Context, p string) error {
	if err := s.check("rmdir"); err != nil {
		return err
	}
	b := s.backend
	st, err := b.stat(ctx, "rmdir", p)
	if err != nil {
		return err
	}
	if st.Type != types.ObjCollection {
		return errors.NewError(errors.ErrCodeNotDirectory, "not a collection").
			WithComponent(component).WithOperation("rmdir").WithPath(st.Path)
	}
	_, nonEmpty, _, err := b.hasChildren(ctx, b.dirKey(st.Path))
	if err != nil {
		return translateError(err, "rmdir", st.Path)
	}
	if nonEmpty {
		return errors.NewError(errors.ErrCodeNotEmpty, "collection not empty").
			WithComponent(component).WithOperation("rmdir").WithPath(st.Path)
	}
	if err := b.deleteObject(ctx, b.dirKey(st.Path)); err != nil {
		return translateError(err, "rmdir", st.Path)
	}
	return nil
}

func (s *session) Truncate(ctx context.Context, p string, size int64) error {
	if err := s.check("truncate"); err != nil {
		return err
	}
	p = path.Clean("/" + p)
	b := s.backend
	key := b.key(p)
	head, err := b.headObject(ctx, key)
	if err != nil {
		return translateError(err, "truncate", p)
	}

	var data []byte
	if size > 0 {
		if data, err = b.getObject(ctx, key, ""); err != nil {
			return translateError(err, "truncate", p)
		}
	}
	if size < int64(len(data)) {
		data = data[:size]
	} else if size > int64(len(data)) {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	if err := b.putObject(ctx, key, data, copyMeta(head.Metadata)); err != nil {
		return translateError(err, "truncate", p)
	}
	return nil
}

// collectionReader lists one collection a page at a time.
type collectionReader struct {
	session *session
	path    string
	pager   *s3.ListObjectsV2Paginator
	marker  string
	entries []types.CollEntry
	pos     int
}

func (s *session) OpenCollection(ctx context.Context, p string) (types.CollectionReader, error) {
	if err := s.check("open_collection"); err != nil {
		return nil, err
	}
	b := s.backend
	st, err := b.stat(ctx, "open_collection", p)
	if err != nil {
		return nil, err
	}
	if st.Type != types.ObjCollection {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a collection").
			WithComponent(component).WithOperation("open_collection").WithPath(st.Path)
	}

	prefix := b.dirKey(st.Path)
	return &collectionReader{
		session: s,
		path:    st.Path,
		marker:  prefix,
		pager: s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
			Bucket:    aws.String(b.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		}),
	}, nil
}

func (r *collectionReader) Next(ctx context.Context) (types.CollEntry, error) {
	for r.pos >= len(r.entries) {
		if !r.pager.HasMorePages() {
			return types.CollEntry{}, io.EOF
		}
		if err := r.session.check("open_collection"); err != nil {
			return types.CollEntry{}, err
		}
		if err := r.fill(ctx); err != nil {
			return types.CollEntry{}, err
		}
	}
	e := r.entries[r.pos]
	r.pos++
	return e, nil
}

func (r *collectionReader) fill(ctx context.Context) error {
	b := r.session.backend
	page, err := r.pager.NextPage(ctx)
	b.stats.request(err)
	if err != nil {
		return translateError(err, "open_collection", r.path)
	}

	r.entries, r.pos = r.entries[:0], 0
	for _, obj := range page.Contents {
		k := aws.ToString(obj.Key)
		if k == r.marker {
			continue
		}
		mtime := aws.ToTime(obj.LastModified)
		r.entries = append(r.entries, types.CollEntry{
			Name:       path.Base(b.pathOf(k)),
			Type:       types.ObjDataObject,
			Size:       aws.ToInt64(obj.Size),
			CreateTime: mtime,
			ModifyTime: mtime,
		})
	}
	for _, cp := range page.CommonPrefixes {
		r.entries = append(r.entries, types.CollEntry{
			Name: path.Base(b.pathOf(aws.ToString(cp.Prefix))),
			Type: types.ObjCollection,
		})
	}
	return nil
}

func (r *collectionReader) Close() error { return nil }

func (s *session) Get(ctx context.Context, objPath, localPath string) error {
	if err := s.check("get"); err != nil {
		return err
	}
	objPath = path.Clean("/" + objPath)
	b := s.backend
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objPath)),
	})
	b.stats.request(err)
	if err != nil {
		return translateError(err, "get", objPath)
	}
	defer out.Body.Close()

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.FromLocal(err, "get", localPath)
	}
	n, err := io.Copy(f, out.Body)
	b.stats.bytesDownloaded.Add(n)
	if err != nil {
		f.Close()
		return translateError(err, "get", objPath)
	}
	return errors.FromLocal(f.Close(), "get", localPath)
}

func (s *session) Put(ctx context.Context, localPath, objPath string, mode uint32) error {
	if err := s.check("put"); err != nil {
		return err
	}
	objPath = path.Clean("/" + objPath)
	if err := s.parentExists(ctx, "put", objPath); err != nil {
		return err
	}

	b := s.backend
	key := b.key(objPath)
	meta := modeMeta(mode)
	head, err := b.headObject(ctx, key)
	switch {
	case err == nil:
		meta = copyMeta(head.Metadata)
	case !isNotFound(err):
		return translateError(err, "put", objPath)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.FromLocal(err, "put", localPath)
	}

	if b.transporter != nil {
		result, err := b.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata:     meta,
		})
		if err == nil {
			b.stats.cargoshipPuts.Add(1)
			b.stats.bytesUploaded.Add(int64(len(data)))
			b.logger.Debug("Staged upload completed", "key", key, "size", len(data),
				"duration", result.Duration)
			return nil
		}
		b.logger.Warn("Transporter upload failed, falling back to PutObject", "key", key, "error", err)
	}

	if err := b.putObject(ctx, key, data, meta); err != nil {
		return translateError(err, "put", objPath)
	}
	return nil
}

func (s *session) Query(ctx context.Context, q types.Query) (*types.QueryResult, error) {
	if err := s.check("query"); err != nil {
		return nil, err
	}
	b := s.backend
	scope := path.Clean("/" + q.Collection)
	objects, err := b.listKeys(ctx, b.dirKey(scope))
	if err != nil {
		return nil, translateError(err, "query", scope)
	}

	seen := map[string]bool{}
	var rows []string
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			rows = append(rows, v)
		}
	}
	for _, obj := range objects {
		k := aws.ToString(obj.Key)
		if strings.HasSuffix(k, "/") {
			continue
		}
		head, err := b.headObject(ctx, k)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, translateError(err, "query", b.pathOf(k))
		}
		avus := avusOf(head.Metadata)
		if !matches(avus, q.Where) {
			continue
		}
		switch q.Target {
		case types.QueryAttrNames:
			for attr := range avus {
				add(attr)
			}
		case types.QueryAttrValues:
			for _, v := range avus[strings.ToLower(q.Attr)] {
				add(v)
			}
		case types.QueryObjects:
			add(b.pathOf(k))
		}
	}
	sort.Strings(rows)

	start := q.Continuation
	if start > len(rows) {
		start = len(rows)
	}
	end, next := len(rows), 0
	if page := b.config.QueryPageSize; start+page < len(rows) {
		end = start + page
		next = end
	}
	return &types.QueryResult{Rows: rows[start:end], Continuation: next}, nil
}

func (s *session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handles = make(map[types.Handle]*handle)
	return nil
}

// avusOf extracts attribute/value metadata. S3 lower-cases metadata keys, so
// attribute names are case-insensitive here.
func avusOf(meta map[string]string) map[string][]string {
	out := map[string][]string{}
	for k, v := range meta {
		k = strings.ToLower(k)
		if !strings.HasPrefix(k, metaAVU) {
			continue
		}
		out[strings.TrimPrefix(k, metaAVU)] = strings.Split(v, avuSeparator)
	}
	return out
}

// AVUMeta encodes attribute/value pairs as object metadata.
func AVUMeta(avus map[string][]string) map[string]string {
	out := make(map[string]string, len(avus))
	for attr, values := range avus {
		out[metaAVU+strings.ToLower(attr)] = strings.Join(values, avuSeparator)
	}
	return out
}

func matches(avus map[string][]string, where []types.Condition) bool {
	for _, cond := range where {
		found := false
		for _, v := range avus[strings.ToLower(cond.Attr)] {
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

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
