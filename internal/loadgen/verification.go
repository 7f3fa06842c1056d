package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/okian/slotrank/internal/domain/scoring"
	"github.com/okian/slotrank/pkg/logger"
)

const scoreTolerance = 0.005

// Verify checks one run against the server's observable contract:
// scores match local scoring, the leaderboard is ordered by score, and at
// most one of the run's submissions was granted or is active.
func Verify(ctx context.Context, sent []Sent, states []submissionState, board Leaderboard) error {
	log := logger.Get().Named("loadgen")
	scorer := scoring.NewWeightedScorer()
	var problems []error

	granted := 0
	best := math.Inf(-1)
	scores := make(map[int64]float64, len(sent))
	for _, s := range sent {
		if s.SubmissionID == 0 {
			continue
		}
		scores[s.SubmissionID] = s.Score
		best = math.Max(best, s.Score)
		if s.Slot == "granted" {
			granted++
		}
		want, err := scorer.Score(ctx, s.Metrics)
		if err != nil {
			problems = append(problems, fmt.Errorf("submission %d: local scoring: %w", s.SubmissionID, err))
			continue
		}
		if math.Abs(want-s.Score) > scoreTolerance {
			problems = append(problems, fmt.Errorf("submission %d: score %.2f, expected %.2f", s.SubmissionID, s.Score, want))
		}
	}
	if granted > 1 {
		problems = append(problems, fmt.Errorf("%d submissions were granted the slot", granted))
	}

	var active []int64
	for _, st := range states {
		if st.State == "active" {
			active = append(active, st.SubmissionID)
		}
		if want, ok := scores[st.SubmissionID]; ok && math.Abs(want-st.Score) > scoreTolerance {
			problems = append(problems, fmt.Errorf("submission %d: stored score %.2f, submitted %.2f", st.SubmissionID, st.Score, want))
		}
	}
	if len(active) > 1 {
		problems = append(problems, fmt.Errorf("%d submissions are active: %v", len(active), active))
	}
	if len(active) == 1 && board.CurrentSlot != nil && board.CurrentSlot.SubmissionID != active[0] {
		problems = append(problems, fmt.Errorf("current slot %d, but submission %d is active",
			board.CurrentSlot.SubmissionID, active[0]))
	}

	if err := verifyLeaderboard(board, best, len(scores) > 0); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		for _, p := range problems {
			log.Error(ctx, "verification problem", logger.Error(p))
		}
		return fmt.Errorf("%w: %w", ErrVerification, errors.Join(problems...))
	}
	log.Info(ctx, "verification passed",
		logger.Int("checked", len(scores)),
		logger.Int("active", len(active)),
		logger.Int("leaderboard", len(board.Entries)),
	)
	return nil
}

// verifyLeaderboard checks ordering and that the page head is at least as
// good as anything this run sent.
func verifyLeaderboard(board Leaderboard, best float64, accepted bool) error {
	if board.Degraded {
		return nil
	}
	for i := 1; i < len(board.Entries); i++ {
		if board.Entries[i].Score > board.Entries[i-1].Score {
			return fmt.Errorf("leaderboard not sorted: entry %d (%.2f) above entry %d (%.2f)",
				i+1, board.Entries[i].Score, i, board.Entries[i-1].Score)
		}
		if board.Entries[i].Rank != i+1 {
			return fmt.Errorf("leaderboard rank %d at position %d", board.Entries[i].Rank, i+1)
		}
	}
	if !accepted {
		return nil
	}
	if len(board.Entries) == 0 {
		return errors.New("leaderboard is empty after successful submissions")
	}
	if board.Entries[0].Score+scoreTolerance < best {
		return fmt.Errorf("leaderboard head %.2f below best submitted %.2f", board.Entries[0].Score, best)
	}
	return nil
}
