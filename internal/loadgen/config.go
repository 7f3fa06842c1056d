// Package loadgen drives a running server with concurrent submissions and
// checks the ranking and slot invariants from the outside.
package loadgen

import (
	"time"

	"github.com/okian/slotrank/internal/domain/scoring"
)

// Config holds configuration for a load run.
type Config struct {
	BaseURL     string        // Base URL of the service
	Submissions int           // Number of submissions to send
	TopN        int           // Leaderboard page size to verify
	Workers     int           // Number of concurrent senders
	Timeout     time.Duration // HTTP request timeout
	Seed        uint64        // Metrics generator seed; 0 picks one from the clock
	OutputFile  string        // Optional JSON dump of what was sent
	Verbose     bool          // Enable verbose logging
}

// Sent is one submission and the server's answer to it.
type Sent struct {
	Metrics      scoring.Metrics `json:"metrics"`
	SubmissionID int64           `json:"submission_id"`
	Score        float64         `json:"score"`
	Slot         string          `json:"slot"`
	Err          string          `json:"error,omitempty"`
}

type submitResponse struct {
	Success      bool    `json:"success"`
	Score        float64 `json:"score"`
	SubmissionID int64   `json:"submission_id"`
	Slot         string  `json:"slot"`
}

type submissionState struct {
	SubmissionID int64   `json:"submission_id"`
	Score        float64 `json:"score"`
	State        string  `json:"state"`
	Rank         int     `json:"rank"`
}

// Entry is a leaderboard row.
type Entry struct {
	Rank         int     `json:"rank"`
	SubmissionID int64   `json:"submission_id"`
	Score        float64 `json:"score"`
}

// ActiveSlot is the current slot holder.
type ActiveSlot struct {
	SubmissionID int64     `json:"submission_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Leaderboard is the GET /leaderboard payload.
type Leaderboard struct {
	Entries     []Entry     `json:"leaderboard"`
	CurrentSlot *ActiveSlot `json:"current_slot"`
	Degraded    bool        `json:"degraded"`
}

// Stats holds run statistics.
type Stats struct {
	RunID              string
	Generated          int
	Submitted          int
	Successful         int
	Failed             int
	Granted            int
	StatesRetrieved    int
	ActiveStates       int
	LeaderboardEntries int
	StartTime          time.Time
	EndTime            time.Time
	Duration           time.Duration
}
