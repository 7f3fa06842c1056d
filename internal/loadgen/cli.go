package loadgen

import (
	"fmt"
	"io"
	"os"

	"github.com/okian/slotrank/pkg/logger"
)

const logFilePermission = 0o600

// SetupLogging sends logs to stdout and, when logFile is set, to that file too.
func SetupLogging(logFile string, verbose bool) (io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, file)
		closer = file
	}
	if err := logger.InitWithWriter(w); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = logger.SetLevelString("debug")
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
