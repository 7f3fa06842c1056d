// Command loadgen fires concurrent submissions at a running slotrank server
// and verifies the ranking and slot invariants.
package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/slotrank/internal/loadgen"
)

const (
	defaultSubmissions = 1000
	defaultTopN        = 50
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultTimeout     = 30 * time.Second
	defaultRunTimeout  = 10 * time.Minute
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &loadgen.Config{}
	var (
		logFile    string
		runTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Load and verify a slotrank server",
		Long: `loadgen submits randomly generated GPU benchmark results concurrently,
reads them back, and checks that scores match local scoring, the leaderboard
is ordered by score and at most one submission holds the slot.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			closer, err := loadgen.SetupLogging(logFile, cfg.Verbose)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, runTimeout)
			defer cancel()

			_, err = loadgen.Run(ctx, cfg)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	f.IntVarP(&cfg.Submissions, "submissions", "n", defaultSubmissions, "number of submissions to send")
	f.IntVar(&cfg.TopN, "top", defaultTopN, "leaderboard page size to verify")
	f.IntVarP(&cfg.Workers, "workers", "w", runtime.NumCPU()*defaultWorkers, "number of concurrent senders")
	f.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "HTTP request timeout")
	f.Uint64Var(&cfg.Seed, "seed", 0, "metrics generator seed (0 uses the clock)")
	f.StringVarP(&cfg.OutputFile, "output", "o", "", "write sent submissions and answers to this JSON file")
	f.StringVar(&logFile, "log", "", "also write logs to this file")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable verbose logging")
	f.DurationVar(&runTimeout, "run-timeout", defaultRunTimeout, "upper bound for the whole run")
	return cmd
}
