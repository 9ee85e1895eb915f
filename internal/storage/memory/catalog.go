// Package memory provides an in-process remote catalog: collections, data objects and
// attribute/value metadata held in maps. It backs development mounts and tests, and can
// inject transport failures and count calls per operation.
package memory

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// Operation names used by FailNext and Calls.
const (
	OpConnect        = "connect"
	OpAuthenticate   = "authenticate"
	OpStat           = "stat"
	OpOpen           = "open"
	OpRead           = "read"
	OpWrite          = "write"
	OpSeek           = "seek"
	OpClose          = "close"
	OpCreate         = "create"
	OpUnlink         = "unlink"
	OpRename         = "rename"
	OpMkdir          = "mkdir"
	OpRmdir          = "rmdir"
	OpTruncate       = "truncate"
	OpOpenCollection = "open_collection"
	OpGet            = "get"
	OpPut            = "put"
	OpQuery          = "query"
)

type object struct {
	data  []byte
	mode  uint32
	ctime time.Time
	mtime time.Time
	meta  map[string][]string
}

// Catalog is a shared in-memory namespace. Sessions obtained from Dialer all see it.
type Catalog struct {
	mu      sync.Mutex
	colls   map[string]time.Time
	objects map[string]*object

	// PageSize limits rows per Query page; 0 returns everything in one page.
	PageSize int

	faults      map[string]int
	authErr     error
	calls       map[string]int
	connects    int
	disconnects int
	now         func() time.Time
}

// NewCatalog returns a catalog containing only the root collection.
func NewCatalog() *Catalog {
	c := &Catalog{
		colls:   map[string]time.Time{},
		objects: map[string]*object{},
		faults:  map[string]int{},
		calls:   map[string]int{},
		now:     time.Now,
	}
	c.colls["/"] = c.now()
	return c
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func notFound(op, p string) error {
	return errors.NewError(errors.ErrCodeNotFound, "no such object or collection").
		WithComponent("memory").WithOperation(op).WithPath(p)
}

// MkdirAll creates a collection and its parents.
func (c *Catalog) MkdirAll(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mkdirAllLocked(clean(p))
}

func (c *Catalog) mkdirAllLocked(p string) {
	for cur := p; ; cur = path.Dir(cur) {
		if _, ok := c.colls[cur]; !ok {
			c.colls[cur] = c.now()
		}
		if cur == "/" {
			return
		}
	}
}

// PutObject stores a data object, creating parent collections.
func (c *Catalog) PutObject(p string, data []byte, mode uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = clean(p)
	c.mkdirAllLocked(path.Dir(p))
	now := c.now()
	c.objects[p] = &object{
		data:  append([]byte(nil), data...),
		mode:  mode,
		ctime: now,
		mtime: now,
		meta:  map[string][]string{},
	}
}

// AddMeta attaches an attribute/value pair to a data object.
func (c *Catalog) AddMeta(p, attr, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if obj, ok := c.objects[clean(p)]; ok {
		obj.meta[attr] = append(obj.meta[attr], value)
	}
}

// Object returns a copy of a data object's content.
func (c *Catalog) Object(p string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// ObjectMode returns a data object's mode.
func (c *Catalog) ObjectMode(p string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[clean(p)]
	if !ok {
		return 0, false
	}
	return obj.mode, true
}

// HasCollection reports whether a collection exists.
func (c *Catalog) HasCollection(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.colls[clean(p)]
	return ok
}

// FailNext makes the next n calls of op fail with a transport error.
func (c *Catalog) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = n
}

// SetAuthError makes Authenticate fail with err until cleared with nil.
func (c *Catalog) SetAuthError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authErr = err
}

// Calls returns how many times op was invoked.
func (c *Catalog) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Connects returns the number of successful connects.
func (c *Catalog) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects returns the number of disconnects.
func (c *Catalog) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// enter counts op and returns an injected fault. Caller holds c.mu.
func (c *Catalog) enterLocked(op string) error {
	c.calls[op]++
	if c.faults[op] > 0 {
		c.faults[op]--
		return errors.NewError(errors.ErrCodeConnectionLost, "injected transport failure").
			WithComponent("memory").WithOperation(op)
	}
	return nil
}

// Dialer returns a Dialer whose sessions share c.
func (c *Catalog) Dialer() types.Dialer {
	return dialer{catalog: c}
}

type dialer struct {
	catalog *Catalog
}

func (d dialer) Connect(ctx context.Context, endpoint types.Endpoint) (types.Session, error) {
	c := d.catalog
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enterLocked(OpConnect); err != nil {
		return nil, err
	}
	c.connects++
	return &session{
		catalog: c,
		user:    endpoint.User,
		handles: map[types.Handle]*handle{},
	}, nil
}

// children returns the direct child collections and data objects of p, sorted.
func (c *Catalog) childrenLocked(p string) (objs, colls []string) {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	for name := range c.objects {
		if path.Dir(name) == p {
			objs = append(objs, name)
		}
	}
	for name := range c.colls {
		if name != p && path.Dir(name) == p && strings.HasPrefix(name, prefix) {
			colls = append(colls, name)
		}
	}
	sort.Strings(objs)
	sort.Strings(colls)
	return objs, colls
}

func writeLocal(localPath string, data []byte) error {
	return os.WriteFile(localPath, data, 0600)
}
