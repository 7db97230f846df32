// Package scanapi is the client for the external Scan Control API.
package scanapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reconx/resilientd/internal/domain"
)

const defaultRequestTimeout = 10 * time.Second

// Client talks to the scan orchestrator's control endpoints:
// POST /system/pause, POST /system/resume, GET /system/status.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a control API client for the given base URL
// (e.g. http://127.0.0.1:8000).
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger,
	}
}

type controlRequest struct {
	Reason string `json:"reason"`
}

// Pause asks the orchestrator to pause the running scan.
func (c *Client) Pause(ctx context.Context, reason string) error {
	return c.post(ctx, "/system/pause", reason)
}

// Resume asks the orchestrator to resume a paused scan.
func (c *Client) Resume(ctx context.Context, reason string) error {
	return c.post(ctx, "/system/resume", reason)
}

func (c *Client) post(ctx context.Context, path, reason string) error {
	body, err := json.Marshal(controlRequest{Reason: reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", domain.ErrAPIUnreachable, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: POST %s: status %d", domain.ErrAPIUnreachable, path, resp.StatusCode)
	}
	return nil
}

// Status reports whether a scan is currently running. Errors mean the
// caller should assume a scan is active: skipping a needed pause is
// worse than a redundant one.
func (c *Client) Status(ctx context.Context) (domain.ScanRuntimeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system/status", nil)
	if err != nil {
		return domain.ScanRuntimeStatus{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ScanRuntimeStatus{}, fmt.Errorf("%w: GET /system/status: %v", domain.ErrAPIUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ScanRuntimeStatus{}, fmt.Errorf("%w: GET /system/status: status %d", domain.ErrAPIUnreachable, resp.StatusCode)
	}

	var status domain.ScanRuntimeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return domain.ScanRuntimeStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}

// Ensure Client implements domain.ScanController.
var _ domain.ScanController = (*Client)(nil)
