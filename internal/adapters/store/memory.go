package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
)

// MemoryStore is an in-process Store.
//
// Locking: a single slot lock (a channel of capacity one) is taken by the
// first locking call of a transaction and held until commit or rollback.
// Every path that reads or writes slot_allocated under WithTx goes through
// it, which gives the same exclusion a SELECT ... FOR UPDATE gives on the
// SQL stores. Writes made in a transaction are buffered and applied at commit.
type MemoryStore struct {
	mu        sync.RWMutex
	rows      map[int64]model.Submission
	allocated map[int64]struct{} // ids with SlotAllocated=true
	lastID    int64 // guarded by mu
	closed    atomic.Bool

	slotLock chan struct{}
	opts     options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		rows:      make(map[int64]model.Submission),
		allocated: make(map[int64]struct{}),
		slotLock:  make(chan struct{}, 1),
		opts:      newOptions("memory-store", opts),
	}
}

func (s *MemoryStore) checkOpen(op string) error {
	if s.closed.Load() {
		return wrapKind(ErrStore, op, errClosed)
	}
	return nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, m scoring.Metrics, score float64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	if err = s.checkOpen("memory: create"); err != nil {
		return model.Submission{}, err
	}
	if err = ctx.Err(); err != nil {
		return model.Submission{}, wrapKind(ErrStore, "memory: create", err)
	}

	// Id, timestamp and insert happen under one lock, so ids follow
	// created_at and a reader never sees an id before its row.
	s.mu.Lock()
	s.lastID++
	sub = model.Submission{
		ID:        s.lastID,
		Metrics:   m.Clone(),
		Score:     score,
		CreatedAt: s.opts.clock(),
	}
	s.rows[sub.ID] = sub
	s.mu.Unlock()
	return sub, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id int64) (sub model.Submission, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	if err = s.checkOpen("memory: get"); err != nil {
		return model.Submission{}, err
	}
	s.mu.RLock()
	sub, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return model.Submission{}, ErrNotFound
	}
	return sub, nil
}

// GetMany implements Store.
func (s *MemoryStore) GetMany(ctx context.Context, ids []int64) (map[int64]model.Submission, error) {
	if err := s.checkOpen("memory: get many"); err != nil {
		return nil, err
	}
	out := make(map[int64]model.Submission, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if sub, ok := s.rows[id]; ok {
			out[id] = sub
		}
	}
	return out, nil
}

// ActiveSlot implements Store.
func (s *MemoryStore) ActiveSlot(ctx context.Context, since time.Time) (model.Submission, bool, error) {
	if err := s.checkOpen("memory: active slot"); err != nil {
		return model.Submission{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best model.Submission
	found := false
	for id := range s.allocated {
		sub := s.rows[id]
		if sub.CreatedAt.Before(since) {
			continue
		}
		if !found || olderThan(sub, best) {
			best, found = sub, true
		}
	}
	return best, found, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, afterID int64, limit int) ([]model.Submission, error) {
	if err := s.checkOpen("memory: list"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	out := make([]model.Submission, 0, limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := afterID + 1; id <= s.lastID && len(out) < limit; id++ {
		if sub, ok := s.rows[id]; ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := s.checkOpen("memory: count"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.checkOpen("memory: ping")
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	start := time.Now()
	defer func() { observe("tx", start, err) }()

	if err = s.checkOpen("memory: begin"); err != nil {
		return err
	}

	tx := &memTx{s: s, writes: make(map[int64]bool)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s      *MemoryStore
	locked bool
	done   bool
	writes map[int64]bool
}

func (t *memTx) acquire(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if t.locked {
		return nil
	}
	timer := time.NewTimer(t.s.opts.lockTimeout)
	defer timer.Stop()
	select {
	case t.s.slotLock <- struct{}{}:
		t.locked = true
		return nil
	case <-timer.C:
		return wrapKind(ErrLockTimeout, "memory: acquire slot lock", nil)
	case <-ctx.Done():
		return wrapKind(ErrStore, "memory: acquire slot lock", ctx.Err())
	}
}

func (t *memTx) release() {
	if t.locked {
		t.locked = false
		<-t.s.slotLock
	}
}

func (t *memTx) rollback() {
	if t.done {
		return
	}
	t.done = true
	t.writes = nil
	t.release()
}

func (t *memTx) commit() {
	if t.done {
		return
	}
	t.s.mu.Lock()
	for id, allocated := range t.writes {
		sub := t.s.rows[id]
		sub.SlotAllocated = allocated
		t.s.rows[id] = sub
		if allocated {
			t.s.allocated[id] = struct{}{}
		} else {
			delete(t.s.allocated, id)
		}
	}
	t.s.mu.Unlock()
	t.done = true
	t.release()
}

// allocatedView returns allocated submissions as seen by this transaction.
func (t *memTx) allocatedView() []model.Submission {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make([]model.Submission, 0, len(t.s.allocated)+len(t.writes))
	seen := make(map[int64]struct{}, len(t.s.allocated))
	for id := range t.s.allocated {
		seen[id] = struct{}{}
		sub := t.s.rows[id]
		if v, ok := t.writes[id]; ok {
			sub.SlotAllocated = v
		}
		if sub.SlotAllocated {
			out = append(out, sub)
		}
	}
	for id, v := range t.writes {
		if _, ok := seen[id]; ok || !v {
			continue
		}
		sub := t.s.rows[id]
		sub.SlotAllocated = true
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	return out
}

func (t *memTx) FindExpiredForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	var out []model.Submission
	for _, sub := range t.allocatedView() {
		if sub.CreatedAt.Before(cutoff) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (t *memTx) FindSlotEligibleForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	var out []model.Submission
	for _, sub := range t.allocatedView() {
		if !sub.CreatedAt.Before(cutoff) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (t *memTx) UpdateSlotFlag(ctx context.Context, id int64, allocated bool) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, ok := t.s.rows[id]
	t.s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	t.writes[id] = allocated
	return nil
}

// olderThan orders by created_at, then id.
func olderThan(a, b model.Submission) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

var _ Store = (*MemoryStore)(nil)
