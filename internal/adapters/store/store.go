// Package store persists submissions and provides the locked transactions the
// slot allocator relies on.
package store

import (
	"context"
	"time"

	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

// Store is the durable submission store.
type Store interface {
	// Create persists a new submission with a fresh id, the current time and
	// SlotAllocated=false. It commits immediately.
	Create(ctx context.Context, m scoring.Metrics, score float64) (model.Submission, error)

	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id int64) (model.Submission, error)

	// GetMany returns the submissions that exist among ids, keyed by id.
	GetMany(ctx context.Context, ids []int64) (map[int64]model.Submission, error)

	// WithTx runs fn in a serializable transaction. The transaction commits only
	// when fn returns nil; every other exit path rolls back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ActiveSlot returns the oldest allocated submission created at or after
	// since without taking locks.
	ActiveSlot(ctx context.Context, since time.Time) (model.Submission, bool, error)

	// List returns up to limit submissions with id > afterID in id order.
	List(ctx context.Context, afterID int64, limit int) ([]model.Submission, error)

	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the locked view of the store inside WithTx.
type Tx interface {
	// FindExpiredForUpdate locks and returns allocated submissions created
	// strictly before cutoff.
	FindExpiredForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error)

	// FindSlotEligibleForUpdate locks and returns allocated submissions created
	// at or after cutoff, oldest first.
	FindSlotEligibleForUpdate(ctx context.Context, cutoff time.Time) ([]model.Submission, error)

	// UpdateSlotFlag sets slot_allocated for id within the transaction.
	UpdateSlotFlag(ctx context.Context, id int64, allocated bool) error
}

const (
	defaultLockTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

type options struct {
	lockTimeout     time.Duration
	clock           func() time.Time
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	log             logger.Logger
}

func newOptions(component string, opts []Option) options {
	o := options{
		lockTimeout:     defaultLockTimeout,
		clock:           time.Now,
		maxOpenConns:    defaultMaxOpenConns,
		maxIdleConns:    defaultMaxIdleConns,
		connMaxLifetime: defaultConnMaxLifetime,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get().Named(component)
	}
	return o
}

// Option applies a configuration option to a store.
type Option func(*options)

// WithLockTimeout bounds how long a transaction waits for the slot lock.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithClock sets the time source used for created_at.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithPool configures the connection pool of SQL-backed stores.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(o *options) {
		if maxOpen > 0 {
			o.maxOpenConns = maxOpen
		}
		if maxIdle >= 0 {
			o.maxIdleConns = maxIdle
		}
		if maxLifetime > 0 {
			o.connMaxLifetime = maxLifetime
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// observe records latency and failures of a store operation.
func observe(op string, start time.Time, err error) {
	metrics.RecordStoreLatency(op, metrics.SinceMs(start))
	if err != nil {
		metrics.RecordStoreError(op, kindLabel(err))
	}
}
