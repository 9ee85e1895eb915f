package cache

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/objectfs/iquestfs/pkg/types"
)

// Defaults.
const (
	NumHashSlots   = 201
	ExpireInterval = 600 * time.Second

	btreeDegree = 8
)

// TableID selects the positive or negative table.
type TableID int

const (
	Positive TableID = iota
	Negative
)

func (t TableID) String() string {
	if t == Negative {
		return "negative"
	}
	return "positive"
}

func (t TableID) other() TableID {
	if t == Negative {
		return Positive
	}
	return Negative
}

// Recorder receives hit/miss notifications.
type Recorder interface {
	RecordCacheHit(table string)
	RecordCacheMiss(table string)
}

// Config configures a PathCache.
type Config struct {
	Slots          int
	ExpireInterval time.Duration
	Hash           HashFunc
	Now            func() time.Time
	Logger         *slog.Logger
	Recorder       Recorder
}

// Entry is a snapshot of a cached path.
type Entry struct {
	Path       string
	Attr       types.Attr
	StagePath  string
	Stage      types.Stage
	InsertedAt time.Time
}

type entry struct {
	Entry
	seq uint64
}

type bucket = btree.BTreeG[*entry]

type table struct {
	buckets []*bucket
}

// PathCache holds the positive and negative path tables under one lock.
type PathCache struct {
	mu     sync.Mutex
	tables [2]table
	seq    uint64

	slots    int
	expire   time.Duration
	hash     HashFunc
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// New creates a PathCache. Zero config fields take the package defaults.
func New(cfg Config) *PathCache {
	if cfg.Slots <= 0 {
		cfg.Slots = NumHashSlots
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = ExpireInterval
	}
	if cfg.Hash == nil {
		cfg.Hash = SumHash
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &PathCache{
		slots:    cfg.Slots,
		expire:   cfg.ExpireInterval,
		hash:     cfg.Hash,
		now:      cfg.Now,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
	less := func(a, b *entry) bool { return a.seq < b.seq }
	for i := range c.tables {
		c.tables[i].buckets = make([]*bucket, cfg.Slots)
		for j := range c.tables[i].buckets {
			c.tables[i].buckets[j] = btree.NewG[*entry](btreeDegree, less)
		}
	}
	return c
}

func (c *PathCache) bucketFor(id TableID, path string) *bucket {
	return c.tables[id].buckets[c.hash(path)%uint32(c.slots)]
}

// sweep drops expired entries from the old end of b. Caller holds c.mu.
func (c *PathCache) sweep(b *bucket, now time.Time) {
	for {
		oldest, ok := b.Min()
		if !ok || now.Before(oldest.InsertedAt.Add(c.expire)) {
			return
		}
		b.DeleteMin()
		c.discard(oldest)
	}
}

// find returns the first entry for path in insertion order. Caller holds c.mu.
func find(b *bucket, path string) *entry {
	var found *entry
	b.Ascend(func(e *entry) bool {
		if e.Path == path {
			found = e
			return false
		}
		return true
	})
	return found
}

// discard releases an entry's read staging file.
func (c *PathCache) discard(e *entry) {
	if e.StagePath == "" || e.Stage == types.StageWrite {
		return
	}
	if err := os.Remove(e.StagePath); err != nil && !os.IsNotExist(err) {
		c.logger.Debug("Failed to remove staging file", "path", e.Path, "stage", e.StagePath, "error", err)
	}
}

func (c *PathCache) record(id TableID, hit bool) {
	if c.recorder == nil {
		return
	}
	if hit {
		c.recorder.RecordCacheHit(id.String())
	} else {
		c.recorder.RecordCacheMiss(id.String())
	}
}

// Lookup returns the live entry for path in table id.
func (c *PathCache) Lookup(id TableID, path string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(id, path)
	c.sweep(b, c.now())
	e := find(b, path)
	c.record(id, e != nil)
	if e == nil {
		return Entry{}, false
	}
	return e.Entry, true
}

// Insert appends an entry for path to table id and drops path from the other table.
// Existing entries for path in id are kept; the earliest one shadows later ones.
func (c *PathCache) Insert(id TableID, path string, attr types.Attr) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAll(id.other(), path)
	return c.insert(id, path, attr, "", types.StageNone).Entry
}

// Replace removes every entry for path from both tables, then inserts a fresh one.
func (c *PathCache) Replace(id TableID, path string, attr types.Attr) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAll(Positive, path)
	c.removeAll(Negative, path)
	return c.insert(id, path, attr, "", types.StageNone).Entry
}

// InsertIfAbsent adds a positive entry only when no live one exists and reports whether it did.
func (c *PathCache) InsertIfAbsent(path string, attr types.Attr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(Positive, path)
	c.sweep(b, c.now())
	if find(b, path) != nil {
		return false
	}
	c.removeAll(Negative, path)
	c.insert(Positive, path, attr, "", types.StageNone)
	return true
}

func (c *PathCache) insert(id TableID, path string, attr types.Attr, stagePath string, stage types.Stage) *entry {
	c.seq++
	e := &entry{
		Entry: Entry{
			Path:       path,
			Attr:       attr,
			StagePath:  stagePath,
			Stage:      stage,
			InsertedAt: c.now(),
		},
		seq: c.seq,
	}
	c.bucketFor(id, path).ReplaceOrInsert(e)
	return e
}

// Remove unlinks the first entry for path in table id and reports whether one existed.
func (c *PathCache) Remove(id TableID, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(id, path)
	e := find(b, path)
	if e == nil {
		return false
	}
	b.Delete(e)
	c.discard(e)
	return true
}

// removeAll drops every entry for path in table id. Caller holds c.mu.
func (c *PathCache) removeAll(id TableID, path string) {
	b := c.bucketFor(id, path)
	for e := find(b, path); e != nil; e = find(b, path) {
		b.Delete(e)
		c.discard(e)
	}
}

// Invalidate drops path from the positive table entirely.
func (c *PathCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAll(Positive, path)
}

// Forget drops path from both tables.
func (c *PathCache) Forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAll(Positive, path)
	c.removeAll(Negative, path)
}

// InvalidateTree drops root and every path below it from both tables.
func (c *PathCache) InvalidateTree(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := strings.TrimSuffix(root, "/") + "/"
	for i := range c.tables {
		for _, b := range c.tables[i].buckets {
			var victims []*entry
			b.Ascend(func(e *entry) bool {
				if e.Path == root || strings.HasPrefix(e.Path, prefix) {
					victims = append(victims, e)
				}
				return true
			})
			for _, e := range victims {
				b.Delete(e)
				c.discard(e)
			}
		}
	}
}

// AttachStage records a staging file on the live positive entry for path. A different
// read staging file already attached is unlinked.
func (c *PathCache) AttachStage(path, stagePath string, stage types.Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(Positive, path)
	c.sweep(b, c.now())
	e := find(b, path)
	if e == nil {
		return false
	}
	if e.StagePath != "" && e.StagePath != stagePath {
		c.discard(e)
	}
	e.StagePath = stagePath
	e.Stage = stage
	return true
}

// InsertStaged appends a positive entry that already carries a staging file.
func (c *PathCache) InsertStaged(path string, attr types.Attr, stagePath string, stage types.Stage) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeAll(Negative, path)
	return c.insert(Positive, path, attr, stagePath, stage).Entry
}

// DropStage detaches the staging file of path's positive entry, unlinking it unless it is
// a write staging file still owned by a descriptor.
func (c *PathCache) DropStage(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := find(c.bucketFor(Positive, path), path); e != nil {
		c.discard(e)
		e.StagePath = ""
		e.Stage = types.StageNone
	}
}

// Refresh re-validates path's positive entry with new attributes and a new timestamp.
// stage replaces the entry's stage kind. It reports false if no entry exists.
func (c *PathCache) Refresh(path string, attr types.Attr, stage types.Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucketFor(Positive, path)
	e := find(b, path)
	if e == nil {
		return false
	}
	b.Delete(e)
	attr.Ino = e.Attr.Ino
	c.insert(Positive, path, attr, e.StagePath, stage)
	return true
}

// Move rekeys the positive entry of from to to, keeping its attributes and staging file.
// Entries previously cached for to in either table are dropped.
func (c *PathCache) Move(from, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := c.bucketFor(Positive, from)
	e := find(src, from)
	if e == nil {
		return false
	}
	src.Delete(e)
	c.removeAll(Positive, to)
	c.removeAll(Negative, to)
	c.insert(Positive, to, e.Attr, e.StagePath, e.Stage)
	return true
}

// Len returns the number of entries held in table id, expired ones included.
func (c *PathCache) Len(id TableID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, b := range c.tables[id].buckets {
		n += b.Len()
	}
	return n
}

// Purge empties both tables, unlinking read staging files.
func (c *PathCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.tables {
		for _, b := range c.tables[i].buckets {
			b.Ascend(func(e *entry) bool {
				c.discard(e)
				return true
			})
			b.Clear(false)
		}
	}
}
