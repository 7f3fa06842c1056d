package scoring

import "errors"

// Sentinel error kinds for this package.
var (
	// ErrInvalidMetric reports a missing metric field.
	ErrInvalidMetric = errors.New("invalid metric")
	// ErrOutOfRange reports a metric outside its accepted bounds.
	ErrOutOfRange = errors.New("metric out of range")
)
