// Package dedupe tracks which submissions already have a pending cache repair.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 50000

// Deduper records pending submission ids so that repeated cache failures for
// the same submission coalesce into one repair job.
type Deduper interface {
	// SeenAndRecord reports whether id was already pending and records it if not.
	SeenAndRecord(ctx context.Context, id int64) bool

	// Unrecord clears id once its repair finished or was abandoned.
	Unrecord(ctx context.Context, id int64)

	Size() int64
}

// inMemoryDeduper keeps ids in insertion order. In bounded mode the oldest id
// is evicted when the set is full.
type inMemoryDeduper struct {
	mu      sync.Mutex
	pending map[int64]*list.Element
	order   *list.List
	maxSize int // <= 0 means unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates an in-memory pending set.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		pending: make(map[int64]*list.Element),
		order:   list.New(),
		maxSize: defaultMaxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(ctx context.Context, id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[id]; ok {
		return true
	}
	if d.maxSize > 0 && len(d.pending) >= d.maxSize {
		d.evictOldest()
	}
	d.pending[id] = d.order.PushBack(id)
	d.size.Store(int64(len(d.pending)))
	return false
}

func (d *inMemoryDeduper) Unrecord(ctx context.Context, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.pending[id]; ok {
		d.order.Remove(el)
		delete(d.pending, id)
		d.size.Store(int64(len(d.pending)))
	}
}

// evictOldest must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}
	d.order.Remove(front)
	delete(d.pending, front.Value.(int64))
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
