// Package slot decides which submission holds the exclusive active slot.
//
// Exclusivity comes from the store alone: every decision runs inside one
// store transaction whose locking queries serialize concurrent callers.
package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/slotrank/internal/adapters/store"
	"github.com/okian/slotrank/internal/domain/model"
	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

// Release triggers reported to metrics.
const (
	TriggerLazy     = "lazy"
	TriggerPeriodic = "periodic"
)

// Allocator runs the sweep, check and grant sequence.
type Allocator struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
	log    logger.Logger
}

// NewAllocator builds an allocator on st.
func NewAllocator(st store.Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:  st,
		window: DefaultWindow,
		now:    time.Now,
		log:    logger.Get().Named("slot-allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Window returns the configured slot duration.
func (a *Allocator) Window() time.Duration { return a.window }

// TryAllocate grants the slot to candidate if no other submission holds it.
//
// A failed transaction always yields Denied; the error is returned alongside
// so callers can log it. The candidate submission itself is never affected.
func (a *Allocator) TryAllocate(ctx context.Context, candidate model.Submission) (model.Decision, error) {
	start := time.Now()
	defer func() { metrics.RecordAllocationLatency(metrics.SinceMs(start)) }()

	var (
		decision = model.Denied
		released int
		holder   model.Submission
	)
	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		decision, released, holder = model.Denied, 0, model.Submission{}

		now := a.now()
		cutoff := model.WindowStart(now, a.window)

		n, err := sweep(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		released = n

		active, err := tx.FindSlotEligibleForUpdate(ctx, cutoff)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			holder = active[0]
			return nil
		}
		// A candidate whose own window has closed would hold an already expired slot.
		if !candidate.InWindow(now, a.window) {
			return nil
		}
		if err := tx.UpdateSlotFlag(ctx, candidate.ID, true); err != nil {
			return err
		}
		decision = model.Granted
		return nil
	})
	if err != nil {
		return a.fail(ctx, candidate, err)
	}

	metrics.RecordSlotReleases(TriggerLazy, released)
	metrics.RecordSlotDecision(decision.String())
	switch {
	case decision == model.Granted:
		metrics.UpdateActiveSlot(candidate.ID, candidate.ExpiresAt(a.window))
		a.log.Info(ctx, "slot granted",
			logger.Int64("submission_id", candidate.ID),
			logger.Float64("score", candidate.Score),
			logger.Time("expires_at", candidate.ExpiresAt(a.window)),
			logger.Int("released", released),
		)
	case holder.ID != 0:
		a.log.Debug(ctx, "slot held by another submission",
			logger.Int64("submission_id", candidate.ID),
			logger.Int64("holder_id", holder.ID),
		)
	default:
		if released > 0 {
			metrics.UpdateActiveSlot(0, time.Time{})
		}
		a.log.Debug(ctx, "candidate outside slot window", logger.Int64("submission_id", candidate.ID))
	}
	return decision, nil
}

func (a *Allocator) fail(ctx context.Context, candidate model.Submission, err error) (model.Decision, error) {
	if errors.Is(err, store.ErrLockTimeout) {
		metrics.RecordSlotLockTimeout()
	}
	metrics.RecordSlotDecision(metrics.OutcomeError)
	a.log.Warn(ctx, "slot allocation denied after store failure",
		logger.Int64("submission_id", candidate.ID),
		logger.String("decision", model.Denied.String()),
		logger.Error(err),
	)
	return model.Denied, fmt.Errorf("%w: submission %d: %w", ErrAllocation, candidate.ID, err)
}

// Sweep releases every expired slot in its own transaction and returns how
// many were released.
func (a *Allocator) Sweep(ctx context.Context, trigger string) (int, error) {
	var released int
	err := a.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := sweep(ctx, tx, model.WindowStart(a.now(), a.window))
		released = n
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			metrics.RecordSlotLockTimeout()
		}
		return 0, fmt.Errorf("%w: sweep: %w", ErrAllocation, err)
	}
	metrics.RecordSlotReleases(trigger, released)
	if released > 0 {
		a.log.Info(ctx, "expired slots released",
			logger.Int("released", released),
			logger.String("trigger", trigger),
		)
	}
	return released, nil
}

// Current returns the submission holding the slot, if any. It does not lock.
func (a *Allocator) Current(ctx context.Context) (model.ActiveSlot, bool, error) {
	sub, ok, err := a.store.ActiveSlot(ctx, model.WindowStart(a.now(), a.window))
	if err != nil || !ok {
		return model.ActiveSlot{}, false, err
	}
	return model.ActiveSlot{SubmissionID: sub.ID, ExpiresAt: sub.ExpiresAt(a.window)}, true, nil
}

// sweep clears slot_allocated on every submission created before cutoff.
func sweep(ctx context.Context, tx store.Tx, cutoff time.Time) (int, error) {
	expired, err := tx.FindExpiredForUpdate(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, sub := range expired {
		if err := tx.UpdateSlotFlag(ctx, sub.ID, false); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
