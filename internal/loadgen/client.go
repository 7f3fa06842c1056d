package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/slotrank/internal/domain/scoring"
)

// HTTPClient talks to the slotrank HTTP API.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	runID   string
}

func newHTTPClient(baseURL, runID string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		runID:   runID,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", c.runID)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Health calls GET /.
func (c *HTTPClient) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	return err
}

// Submit calls POST /submissions.
func (c *HTTPClient) Submit(ctx context.Context, m scoring.Metrics) (submitResponse, error) {
	var resp submitResponse
	_, err := c.do(ctx, http.MethodPost, "/submissions", m, &resp)
	return resp, err
}

// Submission calls GET /submissions/{id}.
func (c *HTTPClient) Submission(ctx context.Context, id int64) (submissionState, error) {
	var resp submissionState
	_, err := c.do(ctx, http.MethodGet, "/submissions/"+strconv.FormatInt(id, 10), nil, &resp)
	return resp, err
}

// Leaderboard calls GET /leaderboard?limit=n.
func (c *HTTPClient) Leaderboard(ctx context.Context, n int) (Leaderboard, error) {
	var resp Leaderboard
	_, err := c.do(ctx, http.MethodGet, "/leaderboard?limit="+strconv.Itoa(n), nil, &resp)
	return resp, err
}
