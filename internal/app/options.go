package service

import (
	"time"

	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

// Allocation policies.
const (
	// PolicyTopOfCache attempts allocation only when the new submission ranks first.
	PolicyTopOfCache = "top_of_cache"
	// PolicyAlways attempts allocation for every submission.
	PolicyAlways = "always"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithScorer replaces the default weighted scorer.
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Service) {
		if sc != nil {
			s.scorer = sc
		}
	}
}

// WithSlotWindow sets how long a granted slot stays active.
func WithSlotWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.slotWindow = d
		}
	}
}

// WithSweepInterval enables the periodic sweeper when d is positive.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		s.sweepInterval = d
	}
}

// WithAllocationPolicy selects when allocation is attempted after a submission.
func WithAllocationPolicy(policy string) Option {
	return func(s *Service) {
		if policy == PolicyTopOfCache || policy == PolicyAlways {
			s.policy = policy
		}
	}
}

// WithAllocateOnRead lets ranking reads grant the slot to the top submission
// when no slot is active.
func WithAllocateOnRead(enabled bool) Option {
	return func(s *Service) {
		s.allocateOnRead = enabled
	}
}

// WithLeaderboardLimits sets the default and maximum ranking sizes.
func WithLeaderboardLimits(def, maxLimit int) Option {
	return func(s *Service) {
		if def > 0 {
			s.defaultLimit = def
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
		if s.defaultLimit > s.maxLimit {
			s.defaultLimit = s.maxLimit
		}
	}
}

// WithRepairQueueSize sets the capacity of the cache repair queue.
func WithRepairQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.repairQueueSize = size
		}
	}
}

// WithRepairWorkers sets the number of cache repair workers.
func WithRepairWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.repairWorkers = n
		}
	}
}

// WithRepairBackoff sets the base delay between repair attempts.
func WithRepairBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.repairBackoff = d
		}
	}
}

// WithClock overrides the time source used for slot windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
