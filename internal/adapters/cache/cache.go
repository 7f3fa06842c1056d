// Package cache keeps the advisory score-ordered ranking of submissions.
//
// The cache is never the source of truth for slot ownership. Callers log
// failures and carry on.
package cache

import (
	"context"
	"errors"
)

// Sentinel kinds for ranking cache errors.
var (
	ErrCacheUnavailable = errors.New("ranking cache unavailable")
	ErrInvalidLimit     = errors.New("invalid ranking limit")
	ErrNotFound         = errors.New("submission not ranked")
)

// Entry is one ranked submission.
type Entry struct {
	SubmissionID int64
	Score        float64
}

// Cache is a score-descending index. Equal scores rank by first insertion.
type Cache interface {
	// Record inserts or overwrites the score of id. Recording the same pair twice is a no-op.
	Record(ctx context.Context, id int64, score float64) error
	// Top returns up to n entries, best first. n must be positive.
	Top(ctx context.Context, n int) ([]Entry, error)
	// Rank returns the 1-based position of id.
	Rank(ctx context.Context, id int64) (int, error)
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
