// Package worker replays failed ranking cache writes.
package worker

import (
	"context"
	"time"

	"github.com/okian/slotrank/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMaxAttempts bounds how many times one job is tried.
func WithMaxAttempts(n int) Option {
	return func(w *InMemoryWorker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay before a failed job is requeued.
// The delay grows linearly with the attempt count.
func WithBackoff(d time.Duration) Option {
	return func(w *InMemoryWorker) {
		if d >= 0 {
			w.backoff = d
		}
	}
}

// WithOnDone registers a callback run once a job leaves the pipeline,
// whether it succeeded or was given up on.
func WithOnDone(fn func(ctx context.Context, submissionID int64)) Option {
	return func(w *InMemoryWorker) {
		if fn != nil {
			w.onDone = fn
		}
	}
}
