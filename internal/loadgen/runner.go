package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/slotrank/pkg/logger"
)

const (
	directoryPermission = 0o750
	filePermission      = 0o600
	percent             = 100
)

// Run executes a complete load run and verifies the results.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{RunID: uuid.NewString(), StartTime: time.Now()}
	log := logger.Get().Named("loadgen").With(logger.String("run_id", stats.RunID))

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(stats.StartTime.UnixNano())
	}
	log.Info(ctx, "starting load run",
		logger.String("base_url", cfg.BaseURL),
		logger.Int("submissions", cfg.Submissions),
		logger.Int("workers", cfg.Workers),
		logger.Duration("timeout", cfg.Timeout),
		logger.Int("top", cfg.TopN),
		logger.Any("seed", seed),
	)

	client := newHTTPClient(cfg.BaseURL, stats.RunID, cfg.Timeout)
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	batch := NewGenerator(seed).Batch(cfg.Submissions)
	bundles := make([]Sent, len(batch))
	for i, m := range batch {
		bundles[i].Metrics = m
	}
	stats.Generated = len(bundles)

	sent := submitAll(ctx, client, cfg, bundles, stats, log)

	states, err := fetchStates(ctx, client, cfg, sent, stats)
	if err != nil {
		return stats, fmt.Errorf("state retrieval failed: %w", err)
	}

	board, err := client.Leaderboard(ctx, cfg.TopN)
	if err != nil {
		return stats, fmt.Errorf("leaderboard retrieval failed: %w", err)
	}
	stats.LeaderboardEntries = len(board.Entries)

	if cfg.OutputFile != "" {
		if err := saveSent(cfg.OutputFile, sent); err != nil {
			log.Warn(ctx, "failed to save submissions", logger.Error(err))
		} else {
			log.Info(ctx, "submissions saved", logger.String("file", cfg.OutputFile))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	verr := Verify(ctx, sent, states, board)
	displayFinalStats(ctx, log, stats)
	if verr != nil {
		return stats, verr
	}
	log.Info(ctx, "load run passed")
	return stats, nil
}

// submitAll posts every bundle with cfg.Workers concurrent senders.
// Individual failures are recorded on the result, not returned.
func submitAll(ctx context.Context, client *HTTPClient, cfg *Config, bundles []Sent, stats *Stats, log logger.Logger) []Sent {
	var ok, failed, granted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range bundles {
		g.Go(func() error {
			resp, err := client.Submit(gctx, bundles[i].Metrics)
			if err != nil {
				failed.Add(1)
				bundles[i].Err = err.Error()
				if cfg.Verbose {
					log.Warn(gctx, "submission failed", logger.Int("index", i), logger.Error(err))
				}
				return nil
			}
			ok.Add(1)
			if resp.Slot == "granted" {
				granted.Add(1)
			}
			bundles[i].SubmissionID = resp.SubmissionID
			bundles[i].Score = resp.Score
			bundles[i].Slot = resp.Slot
			return nil
		})
	}
	_ = g.Wait()

	stats.Submitted = len(bundles)
	stats.Successful = int(ok.Load())
	stats.Failed = int(failed.Load())
	stats.Granted = int(granted.Load())
	log.Info(ctx, "submissions sent",
		logger.Int("successful", stats.Successful),
		logger.Int("failed", stats.Failed),
		logger.Int("granted", stats.Granted),
	)
	return bundles
}

// fetchStates reads back every accepted submission.
func fetchStates(ctx context.Context, client *HTTPClient, cfg *Config, sent []Sent, stats *Stats) ([]submissionState, error) {
	states := make([]submissionState, len(sent))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, s := range sent {
		if s.SubmissionID == 0 {
			continue
		}
		g.Go(func() error {
			st, err := client.Submission(gctx, s.SubmissionID)
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := states[:0]
	for _, st := range states {
		if st.SubmissionID != 0 {
			out = append(out, st)
			if st.State == "active" {
				stats.ActiveStates++
			}
		}
	}
	stats.StatesRetrieved = len(out)
	return out, nil
}

func saveSent(path string, sent []Sent) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(sent, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal submissions: %w", err)
	}
	if err := os.WriteFile(path, data, filePermission); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var successRate, perSecond float64
	if stats.Submitted > 0 {
		successRate = float64(stats.Successful) / float64(stats.Submitted) * percent
	}
	if stats.Duration > 0 {
		perSecond = float64(stats.Submitted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("generated", stats.Generated),
		logger.Int("submitted", stats.Submitted),
		logger.Int("successful", stats.Successful),
		logger.Int("failed", stats.Failed),
		logger.Int("granted", stats.Granted),
		logger.Int("states_retrieved", stats.StatesRetrieved),
		logger.Int("active_states", stats.ActiveStates),
		logger.Int("leaderboard_entries", stats.LeaderboardEntries),
		logger.Duration("duration", stats.Duration),
		logger.Float64("success_rate", successRate),
		logger.Float64("submissions_per_second", perSecond),
	)
}
