package service

import "errors"

// Sentinel kinds returned by the service.
var (
	ErrInvalidLimit = errors.New("invalid leaderboard limit")
	ErrNotFound     = errors.New("submission not found")
	ErrPersist      = errors.New("submission could not be stored")
	ErrStopped      = errors.New("service stopped")
)
