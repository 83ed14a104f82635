package microstructure

import (
	"sort"
	"sync"
)

// Window is a fixed-capacity FIFO ring buffer. Pushing past capacity evicts the oldest item.
// It is not safe for concurrent use; registries guard it per symbol.
type Window[T any] struct {
	buf   []T
	head  int // index of the oldest item
	count int
}

// NewWindow creates a window holding at most capacity items
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v and reports whether an item was evicted
func (w *Window[T]) Push(v T) bool {
	capacity := len(w.buf)
	if w.count < capacity {
		w.buf[(w.head+w.count)%capacity] = v
		w.count++
		return false
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % capacity
	return true
}

// Len returns the number of items held
func (w *Window[T]) Len() int { return w.count }

// Cap returns the window capacity
func (w *Window[T]) Cap() int { return len(w.buf) }

// Last returns the newest item
func (w *Window[T]) Last() (T, bool) {
	var zero T
	if w.count == 0 {
		return zero, false
	}
	return w.buf[(w.head+w.count-1)%len(w.buf)], true
}

// Snapshot copies the items oldest-first
func (w *Window[T]) Snapshot() []T {
	out := make([]T, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Reset drops all items
func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.head = 0
	w.count = 0
}

// guarded pairs one symbol's state with the lock that owns it
type guarded[S any] struct {
	mu    sync.RWMutex
	state *S
}

// registry holds per-symbol state for one analyzer. The registry lock only protects the map;
// each symbol's state has its own lock so ingestion on different symbols never contends.
type registry[S any] struct {
	mu      sync.RWMutex
	entries map[string]*guarded[S]
	newFn   func() *S
}

func newRegistry[S any](newFn func() *S) *registry[S] {
	return &registry[S]{
		entries: make(map[string]*guarded[S]),
		newFn:   newFn,
	}
}

func (r *registry[S]) lookup(symbol string) (*guarded[S], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.entries[symbol]
	return g, ok
}

func (r *registry[S]) getOrCreate(symbol string) *guarded[S] {
	if g, ok := r.lookup(symbol); ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if g, ok := r.entries[symbol]; ok {
		return g
	}
	g := &guarded[S]{state: r.newFn()}
	r.entries[symbol] = g
	return g
}

// write runs fn with exclusive access to the symbol's state, creating it if needed
func (r *registry[S]) write(symbol string, fn func(*S) error) error {
	g := r.getOrCreate(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(g.state)
}

// read runs fn under the symbol's read lock. It returns false if the symbol is unknown.
// fn should only copy what it needs; computation happens after the lock is released.
func (r *registry[S]) read(symbol string, fn func(*S)) bool {
	g, ok := r.lookup(symbol)
	if !ok {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.state)
	return true
}

func (r *registry[S]) symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
