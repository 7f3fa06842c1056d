// Package service wires scoring, persistence, ranking and slot allocation
// into the operations the HTTP API exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/slotrank/internal/adapters/cache"
	"github.com/okian/slotrank/internal/adapters/mq/queue"
	"github.com/okian/slotrank/internal/adapters/mq/worker"
	"github.com/okian/slotrank/internal/adapters/store"
	"github.com/okian/slotrank/internal/domain/dedupe"
	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/internal/domain/slot"
	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

const (
	warmupBatch     = 500
	shutdownTimeout = 10 * time.Second
)

// SubmitResult is returned for every accepted submission.
type SubmitResult struct {
	Submission model.Submission
	Decision   model.Decision
	// Attempted is false when the allocation policy skipped the attempt.
	Attempted bool
}

// Ranking is a leaderboard page plus the current slot holder.
type Ranking struct {
	Entries []model.RankedSubmission
	Current *model.ActiveSlot
	// Degraded is set when the ranking cache could not be read.
	Degraded bool
}

// SubmissionView is a stored submission with its derived slot state.
type SubmissionView struct {
	Submission model.Submission
	State      model.SlotState
	ExpiresAt  time.Time
	// Rank is 0 when the cache does not know the submission.
	Rank int
}

// Stats summarizes the service for monitoring.
type Stats struct {
	Started        bool              `json:"started"`
	Submissions    int64             `json:"submissions"`
	Ranked         int               `json:"ranked"`
	RepairPending  int64             `json:"repair_pending"`
	RepairQueued   int               `json:"repair_queued"`
	RepairWorkers  int               `json:"repair_workers"`
	Policy         string            `json:"allocation_policy"`
	SlotWindowSec  int64             `json:"slot_window_sec"`
	ActiveSlot     *model.ActiveSlot `json:"active_slot,omitempty"`
	CacheAvailable bool              `json:"cache_available"`
	StoreReachable bool              `json:"store_reachable"`
}

// Service implements the API dependencies for the slot ranking system.
type Service struct {
	mu sync.RWMutex

	store  store.Store
	cache  cache.Cache
	scorer scoring.Scorer
	alloc  *slot.Allocator

	sweeper    *slot.Sweeper
	repairQ    *queue.InMemoryQueue
	repairPool *worker.Pool
	pending    dedupe.Deduper

	slotWindow      time.Duration
	sweepInterval   time.Duration
	policy          string
	allocateOnRead  bool
	defaultLimit    int
	maxLimit        int
	repairQueueSize int
	repairWorkers   int
	repairBackoff   time.Duration
	now             func() time.Time

	started bool
	stopped bool
	cancel  context.CancelFunc

	logger logger.Logger
}

// New constructs a Service on an injected store and cache.
func New(st store.Store, c cache.Cache, opts ...Option) *Service {
	s := &Service{
		store:           st,
		cache:           c,
		scorer:          scoring.NewWeightedScorer(),
		slotWindow:      slot.DefaultWindow,
		policy:          PolicyTopOfCache,
		defaultLimit:    10,
		maxLimit:        100,
		repairQueueSize: 10000,
		repairWorkers:   2,
		repairBackoff:   200 * time.Millisecond,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.alloc = slot.NewAllocator(st,
		slot.WithWindow(s.slotWindow),
		slot.WithClock(s.now),
	)
	s.pending = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.repairQueueSize))
	s.repairQ = queue.NewInMemoryQueue(queue.WithCapacity(s.repairQueueSize))
	s.repairPool = worker.NewPool(s.repairWorkers, s.repairQ, s.cache,
		worker.WithBackoff(s.repairBackoff),
		worker.WithOnDone(s.pending.Unrecord),
	)
	s.sweeper = slot.NewSweeper(s.alloc, s.sweepInterval)
	return s
}

// Start warms the cache from the store and launches the background workers.
// A stopped service cannot be started again.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return nil
	}
	s.logger.Info(ctx, "starting slot ranking service...")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.repairPool.Start(runCtx)
	s.sweeper.Start(runCtx)

	s.started = true

	warmed, err := s.warmCache(ctx)
	if err != nil {
		s.logger.Warn(ctx, "cache warm-up incomplete", logger.Int("warmed", warmed), logger.Error(err))
	}

	s.logger.Info(ctx, "slot ranking service started",
		logger.Int("repair_workers", s.repairPool.Size()),
		logger.Int("repair_queue_size", s.repairQueueSize),
		logger.String("allocation_policy", s.policy),
		logger.Duration("slot_window", s.slotWindow),
		logger.Duration("sweep_interval", s.sweepInterval),
		logger.Int("warmed", warmed),
	)
	return nil
}

// warmCache replays every stored submission into the cache.
func (s *Service) warmCache(ctx context.Context) (int, error) {
	var (
		after  int64
		warmed int
	)
	for {
		batch, err := s.store.List(ctx, after, warmupBatch)
		if err != nil {
			return warmed, fmt.Errorf("list submissions after %d: %w", after, err)
		}
		for _, sub := range batch {
			if err := s.cache.Record(ctx, sub.ID, sub.Score); err != nil {
				s.scheduleRepair(ctx, sub.ID, sub.Score)
				continue
			}
			warmed++
		}
		if len(batch) < warmupBatch {
			return warmed, nil
		}
		after = batch[len(batch)-1].ID
	}
}

// Stop halts the background workers. The store and cache stay open; their
// owner closes them.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping slot ranking service...")

	s.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.repairPool.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "repair pool shutdown failed", logger.Error(err))
	}
	s.cancel()

	s.started = false
	s.stopped = true
	s.logger.Info(ctx, "slot ranking service stopped")
}

// Submit validates and scores m, stores the submission, updates the ranking
// and decides on the slot. Only validation and persistence failures are
// returned; cache and allocation failures are logged.
func (s *Service) Submit(ctx context.Context, m scoring.Metrics) (SubmitResult, error) {
	if err := m.Validate(); err != nil {
		metrics.RecordSubmissionRejected(rejectReason(err))
		return SubmitResult{}, err
	}

	start := time.Now()
	score, err := s.scorer.Score(ctx, m)
	metrics.RecordScoringLatency(metrics.SinceMs(start))
	if err != nil {
		metrics.RecordSubmissionRejected(rejectReason(err))
		return SubmitResult{}, err
	}

	sub, err := s.store.Create(ctx, m, score)
	if err != nil {
		metrics.RecordSubmissionRejected("store")
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	metrics.RecordSubmissionAccepted(score)

	cached := true
	if err := s.cache.Record(ctx, sub.ID, sub.Score); err != nil {
		cached = false
		s.logger.Warn(ctx, "ranking cache write failed",
			logger.Int64("submission_id", sub.ID),
			logger.Float64("score", sub.Score),
			logger.Error(err),
		)
		s.scheduleRepair(ctx, sub.ID, sub.Score)
	}

	res := SubmitResult{Submission: sub, Decision: model.Denied}
	if !s.shouldAttempt(ctx, sub, cached) {
		metrics.RecordSlotDecision(metrics.OutcomeSkipped)
		return res, nil
	}
	res.Attempted = true

	// Errors are already logged by the allocator and always come with Denied.
	res.Decision, _ = s.alloc.TryAllocate(ctx, sub)
	if res.Decision == model.Granted {
		res.Submission.SlotAllocated = true
	}

	s.logger.Debug(ctx, "submission accepted",
		logger.Int64("submission_id", sub.ID),
		logger.Float64("score", sub.Score),
		logger.String("decision", res.Decision.String()),
	)
	return res, nil
}

// shouldAttempt applies the allocation policy. When the cache cannot answer
// the attempt goes ahead; the store decides either way.
func (s *Service) shouldAttempt(ctx context.Context, sub model.Submission, cached bool) bool {
	if s.policy == PolicyAlways || !cached {
		return true
	}
	top, err := s.cache.Top(ctx, 1)
	if err != nil {
		s.logger.Warn(ctx, "ranking cache read failed", logger.Error(err))
		return true
	}
	return len(top) == 1 && top[0].SubmissionID == sub.ID
}

// scheduleRepair queues a cache write for replay, once per submission.
func (s *Service) scheduleRepair(ctx context.Context, id int64, score float64) {
	if s.pending.SeenAndRecord(ctx, id) {
		return
	}
	ok, err := s.repairQ.Enqueue(ctx, queue.Job{SubmissionID: id, Score: score})
	if err != nil || !ok {
		s.pending.Unrecord(ctx, id)
		s.logger.Warn(ctx, "cache repair dropped",
			logger.Int64("submission_id", id),
			logger.Bool("queue_full", err == nil),
			logger.Error(err),
		)
	}
}

// Ranking returns up to limit entries. A zero limit selects the default and
// limits above the maximum are capped.
func (s *Service) Ranking(ctx context.Context, limit int) (Ranking, error) {
	switch {
	case limit < 0:
		return Ranking{}, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	case limit == 0:
		limit = s.defaultLimit
	case limit > s.maxLimit:
		limit = s.maxLimit
	}

	var out Ranking
	top, err := s.cache.Top(ctx, limit)
	if err != nil {
		s.logger.Warn(ctx, "ranking cache read failed", logger.Error(err))
		out.Degraded = true
	}

	ids := make([]int64, len(top))
	for i, e := range top {
		ids[i] = e.SubmissionID
	}
	subs, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return Ranking{}, fmt.Errorf("load ranked submissions: %w", err)
	}
	out.Entries = make([]model.RankedSubmission, 0, len(top))
	for _, e := range top {
		sub, ok := subs[e.SubmissionID]
		if !ok {
			continue
		}
		out.Entries = append(out.Entries, model.RankedSubmission{
			SubmissionID: sub.ID,
			Score:        sub.Score,
			CreatedAt:    sub.CreatedAt,
		})
	}

	current, ok, err := s.alloc.Current(ctx)
	if err != nil {
		return Ranking{}, fmt.Errorf("read active slot: %w", err)
	}
	if ok {
		out.Current = &current
	} else if s.allocateOnRead && len(out.Entries) > 0 {
		out.Current = s.allocateTop(ctx, subs[out.Entries[0].SubmissionID])
	}
	return out, nil
}

// allocateTop offers the free slot to the best ranked submission.
func (s *Service) allocateTop(ctx context.Context, top model.Submission) *model.ActiveSlot {
	decision, err := s.alloc.TryAllocate(ctx, top)
	if err != nil || decision != model.Granted {
		return nil
	}
	return &model.ActiveSlot{SubmissionID: top.ID, ExpiresAt: top.ExpiresAt(s.slotWindow)}
}

// Get returns one submission with its slot state and cache rank.
func (s *Service) Get(ctx context.Context, id int64) (SubmissionView, error) {
	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return SubmissionView{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return SubmissionView{}, fmt.Errorf("get submission %d: %w", id, err)
	}

	view := SubmissionView{
		Submission: sub,
		State:      sub.State(s.now(), s.slotWindow),
		ExpiresAt:  sub.ExpiresAt(s.slotWindow),
	}
	rank, err := s.cache.Rank(ctx, id)
	switch {
	case err == nil:
		view.Rank = rank
	case !errors.Is(err, cache.ErrNotFound):
		s.logger.Warn(ctx, "ranking cache rank failed", logger.Int64("submission_id", id), logger.Error(err))
	}
	return view, nil
}

// CurrentSlot returns the active slot holder, if any.
func (s *Service) CurrentSlot(ctx context.Context) (*model.ActiveSlot, error) {
	current, ok, err := s.alloc.Current(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return &current, nil
}

// Health pings the store and the cache.
func (s *Service) Health(ctx context.Context) map[string]error {
	return map[string]error{
		"store": s.store.Ping(ctx),
		"cache": s.cache.Ping(ctx),
	}
}

// GetStats returns service statistics and refreshes the matching gauges.
func (s *Service) GetStats(ctx context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Started:        s.started,
		RepairPending:  s.pending.Size(),
		Policy:         s.policy,
		SlotWindowSec:  int64(s.slotWindow / time.Second),
		CacheAvailable: s.cache.Ping(ctx) == nil,
		StoreReachable: s.store.Ping(ctx) == nil,
	}
	if n, err := s.store.Count(ctx); err == nil {
		st.Submissions = n
		metrics.UpdateStoreSubmissions(n)
	}
	if n, err := s.cache.Len(ctx); err == nil {
		st.Ranked = n
		metrics.UpdateCacheEntries(n)
	}
	if current, ok, err := s.alloc.Current(ctx); err == nil && ok {
		st.ActiveSlot = &current
		metrics.UpdateActiveSlot(current.SubmissionID, current.ExpiresAt)
	}
	st.RepairQueued = s.repairQ.Len(ctx)
	st.RepairWorkers = s.repairPool.Size()
	return st
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, scoring.ErrInvalidMetric):
		return "missing_field"
	case errors.Is(err, scoring.ErrOutOfRange):
		return "out_of_range"
	default:
		return "scoring"
	}
}
