// Package descriptor holds open-file state: a fixed-capacity descriptor table and the
// small registry of newly created files that are still being staged locally.
package descriptor

import (
	"os"
	"sync"

	"github.com/objectfs/iquestfs/internal/pool"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

const (
	// MinIndex is the first allocatable index; lower ones mirror the stdio descriptors.
	MinIndex = 3
	// DefaultMax is the table capacity, matching the remote service's per-client handle limit.
	DefaultMax = 512
)

// Slot is one open file. The exported fields are guarded by the slot lock taken with
// Table.Lock.
type Slot struct {
	mu    sync.Mutex
	index int

	// guarded by Table.mu
	inUse bool
	conn  *pool.Conn
	path  string

	ObjectPath   string
	RemoteHandle types.Handle
	// Session is the remote session RemoteHandle belongs to.
	Session      types.Session
	File         *os.File
	StagePath    string
	Stage        types.Stage
	Offset       int64
	BytesWritten int64
	CreateMode   uint32
	Flags        int

	// Flushed is set once a write stage has been pushed to the remote store.
	Flushed bool
}

// Index returns the slot's descriptor index.
func (s *Slot) Index() int { return s.index }

func (s *Slot) open() bool {
	return s.RemoteHandle > 0 || s.File != nil
}

func (s *Slot) reset() {
	s.conn = nil
	s.path = ""
	s.ObjectPath = ""
	s.RemoteHandle = 0
	s.Session = nil
	s.File = nil
	s.StagePath = ""
	s.Stage = types.StageNone
	s.Offset = 0
	s.BytesWritten = 0
	s.CreateMode = 0
	s.Flags = 0
	s.Flushed = false
}

// Table is a fixed-capacity descriptor table with O(1) allocation.
type Table struct {
	mu    sync.Mutex
	slots []*Slot
	free  []int // stack; lowest index on top
}

// NewTable creates a table with indices [MinIndex, max).
func NewTable(max int) *Table {
	if max <= MinIndex {
		max = DefaultMax
	}
	t := &Table{
		slots: make([]*Slot, max),
		free:  make([]int, 0, max-MinIndex),
	}
	for i := range t.slots {
		t.slots[i] = &Slot{index: i}
	}
	for i := max - 1; i >= MinIndex; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// Capacity returns the exclusive upper bound of descriptor indices.
func (t *Table) Capacity() int { return len(t.slots) }

// Allocate reserves a free index.
func (t *Table) Allocate() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return -1, errors.NewError(errors.ErrCodeOutOfDescriptors, "descriptor table is full").
			WithComponent("descriptor").WithOperation("allocate")
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := t.slots[idx]
	s.reset()
	s.inUse = true
	return idx, nil
}

func (t *Table) slot(idx int) (*Slot, error) {
	if idx < MinIndex || idx >= len(t.slots) {
		return nil, errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d out of range", idx).
			WithComponent("descriptor")
	}
	return t.slots[idx], nil
}

// Fill binds an allocated slot to its connection and paths. conn may be nil for a
// purely local staging file.
func (t *Table) Fill(idx int, conn *pool.Conn, remote types.Handle, objPath, path string) error {
	s, err := t.slot(idx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !s.inUse {
		t.mu.Unlock()
		return errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d not allocated", idx).
			WithComponent("descriptor").WithOperation("fill")
	}
	s.conn = conn
	s.path = path
	t.mu.Unlock()

	s.mu.Lock()
	s.RemoteHandle = remote
	s.ObjectPath = objPath
	s.mu.Unlock()
	return nil
}

// Setup runs fn on an allocated slot under its lock, before the descriptor is handed out.
func (t *Table) Setup(idx int, fn func(s *Slot)) error {
	s, err := t.slot(idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	inUse := s.inUse
	t.mu.Unlock()
	if !inUse {
		return errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d not allocated", idx).
			WithComponent("descriptor").WithOperation("setup")
	}
	fn(s)
	return nil
}

// Check verifies that idx is allocated and bound to an open handle.
func (t *Table) Check(idx int) error {
	s, err := t.slot(idx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	inUse := s.inUse
	t.mu.Unlock()
	if !inUse {
		return errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d not in use", idx).
			WithComponent("descriptor").WithOperation("check")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open() {
		return errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d has no open handle", idx).
			WithComponent("descriptor").WithOperation("check")
	}
	return nil
}

// Lock checks idx and returns its slot with the slot lock held.
func (t *Table) Lock(idx int) (*Slot, error) {
	s, err := t.slot(idx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	t.mu.Lock()
	inUse := s.inUse
	t.mu.Unlock()
	if !inUse || !s.open() {
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d not open", idx).
			WithComponent("descriptor").WithOperation("lock")
	}
	return s, nil
}

// Unlock releases a slot lock taken with Lock.
func (t *Table) Unlock(s *Slot) {
	s.mu.Unlock()
}

// Conn returns the connection bound to s.
func (t *Table) Conn(s *Slot) *pool.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.conn
}

// SetConn rebinds s to conn, returning the previous connection.
func (t *Table) SetConn(s *Slot, conn *pool.Conn) *pool.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := s.conn
	s.conn = conn
	return prev
}

// Path returns the filesystem path s was opened with.
func (t *Table) Path(s *Slot) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.path
}

// Free releases idx and returns the connection it referenced, which the caller hands
// back to the pool. Free waits for any holder of the slot lock; the caller must not hold it.
func (t *Table) Free(idx int) (*pool.Conn, error) {
	s, err := t.slot(idx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.inUse {
		return nil, errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d already free", idx).
			WithComponent("descriptor").WithOperation("free")
	}
	conn := s.conn
	s.reset()
	s.inUse = false
	t.free = append(t.free, idx)
	return conn, nil
}

// References reports whether any open descriptor is bound to conn.
func (t *Table) References(conn *pool.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots[MinIndex:] {
		if s.inUse && s.conn == conn {
			return true
		}
	}
	return false
}

// ConnFor returns the connection of an open descriptor for path, or nil.
func (t *Table) ConnFor(path string) *pool.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots[MinIndex:] {
		if s.inUse && s.conn != nil && s.path == path {
			return s.conn
		}
	}
	return nil
}

// FindByPath returns the indices of open descriptors for path.
func (t *Table) FindByPath(path string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for _, s := range t.slots[MinIndex:] {
		if s.inUse && s.path == path {
			out = append(out, s.index)
		}
	}
	return out
}

// Rename rebinds the open descriptors for from to to and returns their indices.
func (t *Table) Rename(from, to string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for _, s := range t.slots[MinIndex:] {
		if s.inUse && s.path == from {
			s.path = to
			out = append(out, s.index)
		}
	}
	return out
}

// InUse returns the number of allocated descriptors.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - MinIndex - len(t.free)
}

// Open returns the indices of all allocated descriptors.
func (t *Table) Open() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for _, s := range t.slots[MinIndex:] {
		if s.inUse {
			out = append(out, s.index)
		}
	}
	return out
}
