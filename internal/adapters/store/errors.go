package store

import (
	"errors"
	"fmt"
)

// Sentinel kinds for submission store errors.
var (
	ErrNotFound = errors.New("submission not found")
	// ErrStore covers every persistence failure that is not a lock timeout.
	ErrStore = errors.New("store error")
	// ErrLockTimeout reports that the slot lock was not acquired within the configured bound.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrTxDone reports use of a transaction after commit or rollback.
	ErrTxDone = errors.New("transaction already finished")

	errClosed = errors.New("store closed")
)

// wrapKind attaches a sentinel kind and the operation name to err.
func wrapKind(kind error, op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, kind)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// kindLabel maps an error onto a low-cardinality metric label.
func kindLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrTxDone):
		return "tx_done"
	default:
		return "store"
	}
}
