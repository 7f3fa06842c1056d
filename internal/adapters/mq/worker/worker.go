package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/slotrank/internal/adapters/mq/queue"
	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

const (
	defaultMaxAttempts  = 5
	defaultBackoff      = 200 * time.Millisecond
	poolShutdownTimeout = 30 * time.Second
)

// Recorder writes a score into the ranking cache.
type Recorder interface {
	Record(ctx context.Context, id int64, score float64) error
}

// Queue is where workers read jobs and put back the ones that failed.
// Workers of a pool share the channel Dequeue returns.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
	Enqueue(ctx context.Context, j queue.Job) (bool, error)
	Len(ctx context.Context) int
}

// Worker drains repair jobs.
type Worker interface {
	// Run processes jobs until ctx is done, Shutdown is called or the queue closes.
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue    Queue
	recorder Recorder
	name     string

	maxAttempts int
	backoff     time.Duration
	onDone      func(ctx context.Context, submissionID int64)

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker with configuration options.
func NewInMemoryWorker(q Queue, rec Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:       q,
		recorder:    rec,
		name:        "repair-worker",
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		onDone:      func(context.Context, int64) {},
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.Get().Named("repair-worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "repair-worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run implements Worker.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		// Stop signals win over queued jobs.
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			// Len republishes the depth gauge after the receive.
			_ = w.queue.Len(ctx)
			if err := w.process(ctx, job); err != nil {
				w.logger.Warn(ctx, "cache repair abandoned",
					logger.Int64("submission_id", job.SubmissionID),
					logger.Int("attempts", job.Attempts),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown implements Worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process replays one job. A returned error means the job was given up on.
func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) error {
	job.Attempts++
	err := w.recorder.Record(ctx, job.SubmissionID, job.Score)
	if err == nil {
		metrics.RecordRepairCompleted()
		w.logger.Debug(ctx, "cache entry repaired",
			logger.Int64("submission_id", job.SubmissionID),
			logger.Int("attempts", job.Attempts),
		)
		w.onDone(ctx, job.SubmissionID)
		return nil
	}
	if job.Attempts >= w.maxAttempts {
		metrics.RecordRepairDropped()
		w.onDone(ctx, job.SubmissionID)
		return fmt.Errorf("gave up after %d attempts: %w", job.Attempts, err)
	}

	select {
	case <-time.After(w.backoff * time.Duration(job.Attempts)):
	case <-ctx.Done():
		w.onDone(ctx, job.SubmissionID)
		return ctx.Err()
	case <-w.shutdown:
		w.onDone(ctx, job.SubmissionID)
		return fmt.Errorf("worker stopping: %w", err)
	}

	ok, qerr := w.queue.Enqueue(ctx, job)
	if qerr != nil || !ok {
		metrics.RecordRepairDropped()
		w.onDone(ctx, job.SubmissionID)
		if qerr != nil {
			return fmt.Errorf("requeue: %w", qerr)
		}
		return fmt.Errorf("requeue: queue full: %w", err)
	}
	metrics.RecordRepairRetry()
	return nil
}

// Pool manages multiple workers on one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount workers. opts apply to every worker.
func NewPool(workerCount int, q Queue, rec Recorder, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("repair-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("repair-worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, rec, wopts...)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue, lets workers drain what is left and waits for
// them until ctx or the pool timeout expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing repair queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			_ = w.Shutdown(context.Background())
		}
	}
	return nil
}
