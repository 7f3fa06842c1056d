package slot

import (
	"context"
	"sync"
	"time"

	"github.com/okian/slotrank/pkg/logger"
)

// Sweeper releases expired slots on a fixed period so the store does not
// keep stale flags until the next allocation attempt.
type Sweeper struct {
	alloc    *Allocator
	interval time.Duration
	log      logger.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a sweeper. Start must be called to run it.
func NewSweeper(alloc *Allocator, interval time.Duration) *Sweeper {
	return &Sweeper{
		alloc:    alloc,
		interval: interval,
		log:      logger.Get().Named("slot-sweeper"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. A non-positive interval disables it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if _, err := s.alloc.Sweep(ctx, TriggerPeriodic); err != nil {
					s.log.Warn(ctx, "periodic sweep failed", logger.Error(err))
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
