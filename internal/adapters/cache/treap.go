package cache

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/slotrank/pkg/metrics"
)

// Treap-based, in-memory Cache implementation.
//
// Ordering: score DESC, then insertion sequence ASC. "less" means ranks
// earlier, so in-order traversal yields the ranking from best to worst.

// scoreScale controls fixed-point scaling from float64.
const scoreScale = 1_000_000

type scoreFP int64

func toFixedPoint(x float64) scoreFP {
	switch {
	case math.IsNaN(x):
		return 0
	case x*scoreScale >= math.MaxInt64:
		return scoreFP(math.MaxInt64)
	case x*scoreScale <= math.MinInt64:
		return scoreFP(math.MinInt64)
	}
	return scoreFP(math.Round(x * scoreScale))
}

func toFloat(x scoreFP) float64 {
	return float64(x) / scoreScale
}

type record struct {
	score scoreFP
	seq   uint64
}

// Snapshot is an immutable view published periodically for cheap reads.
type Snapshot struct {
	Len     int
	Top     []Entry
	TakenAt time.Time
}

type node struct {
	id    int64
	key   record
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if a should appear before b in the ranking.
func less(a, b record) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id int64, key record) *node {
	if n == nil {
		return &node{id: id, key: key, prio: rand.Uint64(), size: 1} //nolint:gosec // treap balance only
	}
	if less(key, n.key) {
		n.left = insert(n.left, id, key)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, key)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, key record) *node {
	if n == nil {
		return nil
	}
	switch {
	case key == n.key:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, key)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, key)
		}
	case less(key, n.key):
		n.left = deleteNode(n.left, key)
	default:
		n.right = deleteNode(n.right, key)
	}
	fix(n)
	return n
}

// collectTopN appends up to limit entries in rank order.
func collectTopN(n *node, limit int, out *[]Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, Entry{SubmissionID: n.id, Score: toFloat(n.key.score)})
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, out)
	}
}

// position returns the 1-based in-order position of key.
func position(n *node, key record) int {
	pos := 0
	for n != nil {
		switch {
		case key == n.key:
			return pos + nsize(n.left) + 1
		case less(key, n.key):
			n = n.left
		default:
			pos += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// TreapCache is the in-memory Cache.
type TreapCache struct {
	mu      sync.RWMutex
	root    *node
	byID    map[int64]record
	nextSeq uint64

	snapshotInterval time.Duration
	topCacheSize     int
	snapshot         atomic.Pointer[Snapshot]

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTreapCache constructs a treap cache and starts the snapshot publisher.
func NewTreapCache(ctx context.Context, opts ...TreapOption) *TreapCache {
	c := &TreapCache{
		byID:             make(map[int64]record),
		snapshotInterval: time.Second,
		topCacheSize:     100,
		stopChan:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publishSnapshot()
	c.startPeriodicSnapshots(ctx)
	return c
}

func (c *TreapCache) startPeriodicSnapshots(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.snapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.publishSnapshot()
			}
		}
	}()
}

func (c *TreapCache) publishSnapshot() {
	c.mu.RLock()
	top := make([]Entry, 0, c.topCacheSize)
	collectTopN(c.root, c.topCacheSize, &top)
	n := len(c.byID)
	c.mu.RUnlock()

	c.snapshot.Store(&Snapshot{Len: n, Top: top, TakenAt: time.Now()})
	metrics.UpdateCacheEntries(n)
}

// Snapshot returns the last published snapshot.
func (c *TreapCache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Record implements Cache in O(log n) expected time.
func (c *TreapCache) Record(ctx context.Context, id int64, score float64) error {
	ns := toFixedPoint(score)

	c.mu.Lock()
	old, ok := c.byID[id]
	switch {
	case ok && old.score == ns:
		c.mu.Unlock()
		return nil
	case ok:
		// Overwrite keeps the first insertion sequence.
		c.root = deleteNode(c.root, old)
	default:
		c.nextSeq++
		old.seq = c.nextSeq
	}
	key := record{score: ns, seq: old.seq}
	c.byID[id] = key
	c.root = insert(c.root, id, key)
	c.mu.Unlock()

	metrics.RecordCacheWrite()
	return nil
}

// Top implements Cache.
func (c *TreapCache) Top(ctx context.Context, n int) ([]Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordCacheQueryLatency(metrics.SinceMs(start)) }()

	if n < 1 {
		return nil, ErrInvalidLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, min(n, len(c.byID)))
	collectTopN(c.root, n, &out)
	return out, nil
}

// Rank implements Cache in O(log n) expected time.
func (c *TreapCache) Rank(ctx context.Context, id int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byID[id]
	if !ok {
		return 0, ErrNotFound
	}
	return position(c.root, key), nil
}

// Len implements Cache.
func (c *TreapCache) Len(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID), nil
}

// Ping implements Cache.
func (c *TreapCache) Ping(ctx context.Context) error {
	select {
	case <-c.stopChan:
		return ErrCacheUnavailable
	default:
		return nil
	}
}

// Close stops the snapshot publisher.
func (c *TreapCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	return nil
}

var _ Cache = (*TreapCache)(nil)
