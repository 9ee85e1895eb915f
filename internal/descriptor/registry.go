package descriptor

import (
	"sync"
	"time"
)

const (
	// DefaultRegistrySlots is the number of newly created files tracked at once.
	DefaultRegistrySlots = 5
	// DefaultRegistryMaxAge is how long a newly created file may wait to be opened.
	DefaultRegistryMaxAge = 5 * time.Second
)

type registrySlot struct {
	index   int
	path    string
	created time.Time
}

// Registry remembers files created through the filesystem whose descriptors are still
// open, so the following open of the same path reuses the descriptor instead of
// fetching the object again.
type Registry struct {
	mu     sync.Mutex
	slots  []registrySlot
	maxAge time.Duration
	now    func() time.Time
}

// NewRegistry creates a registry with n slots.
func NewRegistry(n int, maxAge time.Duration, now func() time.Time) *Registry {
	if n <= 0 {
		n = DefaultRegistrySlots
	}
	if maxAge <= 0 {
		maxAge = DefaultRegistryMaxAge
	}
	if now == nil {
		now = time.Now
	}
	r := &Registry{slots: make([]registrySlot, n), maxAge: maxAge, now: now}
	for i := range r.slots {
		r.slots[i].index = -1
	}
	return r
}

// Add records idx for path. When every slot is taken, the oldest entry is displaced
// and its descriptor index returned so the caller can commit and close it.
func (r *Registry) Add(path string, idx int) (evicted int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	victim := -1
	for i := range r.slots {
		if r.slots[i].index < 0 {
			victim = i
			break
		}
		if victim < 0 || r.slots[i].created.Before(r.slots[victim].created) {
			victim = i
		}
	}

	evicted, ok = -1, false
	if r.slots[victim].index >= 0 {
		evicted, ok = r.slots[victim].index, true
	}
	r.slots[victim] = registrySlot{index: idx, path: path, created: r.now()}
	return evicted, ok
}

// Take removes and returns the descriptor registered for path.
func (r *Registry) Take(path string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].index >= 0 && r.slots[i].path == path {
			idx := r.slots[i].index
			r.slots[i] = registrySlot{index: -1}
			return idx, true
		}
	}
	return -1, false
}

// Forget drops any entry for idx.
func (r *Registry) Forget(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].index == idx {
			r.slots[i] = registrySlot{index: -1}
		}
	}
}

// Rename moves an entry from one path to another.
func (r *Registry) Rename(from, to string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].index >= 0 && r.slots[i].path == from {
			r.slots[i].path = to
			return true
		}
	}
	return false
}

// Expired removes and returns the descriptors registered longer than the maximum age.
func (r *Registry) Expired() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []int
	for i := range r.slots {
		if r.slots[i].index >= 0 && now.Sub(r.slots[i].created) > r.maxAge {
			out = append(out, r.slots[i].index)
			r.slots[i] = registrySlot{index: -1}
		}
	}
	return out
}

// Drain removes and returns every registered descriptor.
func (r *Registry) Drain() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for i := range r.slots {
		if r.slots[i].index >= 0 {
			out = append(out, r.slots[i].index)
		}
		r.slots[i] = registrySlot{index: -1}
	}
	return out
}

// Len returns the number of registered files.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.slots {
		if s.index >= 0 {
			n++
		}
	}
	return n
}
