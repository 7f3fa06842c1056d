package slot

import (
	"time"

	"github.com/okian/slotrank/pkg/logger"
)

// DefaultWindow is how long a granted slot stays active.
const DefaultWindow = 24 * time.Hour

// Option applies a configuration option to the Allocator.
type Option func(*Allocator)

// WithWindow sets the slot duration.
func WithWindow(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets a custom logger for the allocator.
func WithLogger(l logger.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}
