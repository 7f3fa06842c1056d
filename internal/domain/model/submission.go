// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/okian/slotrank/internal/domain/scoring"
)

// Submission is a persisted benchmark result.
// SlotAllocated is written only by the slot allocator.
type Submission struct {
	ID            int64
	Metrics       scoring.Metrics
	Score         float64
	CreatedAt     time.Time
	SlotAllocated bool
}

// SlotState is derived from SlotAllocated, CreatedAt and the slot window.
type SlotState int

const (
	SlotPending SlotState = iota
	SlotActive
	SlotExpired
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotActive:
		return "active"
	case SlotExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpiresAt returns when the slot window of s closes.
func (s Submission) ExpiresAt(window time.Duration) time.Time {
	return s.CreatedAt.Add(window)
}

// InWindow reports whether now is within window of CreatedAt. The boundary is inclusive.
func (s Submission) InWindow(now time.Time, window time.Duration) bool {
	return !now.After(s.ExpiresAt(window))
}

// State derives the slot state of s at now.
func (s Submission) State(now time.Time, window time.Duration) SlotState {
	switch {
	case !s.SlotAllocated:
		return SlotPending
	case s.InWindow(now, window):
		return SlotActive
	default:
		return SlotExpired
	}
}

// WindowStart returns the earliest created_at still inside the window at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// Decision is the outcome of a slot allocation attempt.
type Decision int

const (
	Denied Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

// ActiveSlot identifies the submission currently holding the slot.
type ActiveSlot struct {
	SubmissionID int64     `json:"submission_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RankedSubmission is one leaderboard row.
type RankedSubmission struct {
	SubmissionID int64
	Score        float64
	CreatedAt    time.Time
}
