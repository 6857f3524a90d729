// Package client provides an HTTP client for the annotator server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/events"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/metrics"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/quality"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to the annotator REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client.
// If baseURL is empty, uses ANNOTATOR_SERVER_URL or defaults to localhost:8484.
// Timeout can be configured via ANNOTATOR_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("ANNOTATOR_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("ANNOTATOR_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends a JSON request and decodes a JSON response into result when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch creates a job and, when run is set, queues it immediately.
func (c *Client) CreateBatch(ctx context.Context, req batch.CreateRequest, run bool) (*models.BatchJob, error) {
	body := struct {
		batch.CreateRequest
		Run bool `json:"run,omitempty"`
	}{req, run}
	var job models.BatchJob
	if err := c.do(ctx, http.MethodPost, "/api/batches", nil, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListBatches returns one page of batch history.
func (c *Client) ListBatches(ctx context.Context, f batch.HistoryFilter) (*batch.HistoryPage, error) {
	q := url.Values{}
	if f.Operation != "" {
		q.Set("operation", string(f.Operation))
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var page batch.HistoryPage
	if err := c.do(ctx, http.MethodGet, "/api/batches", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetBatch returns a job with its results and summary.
func (c *Client) GetBatch(ctx context.Context, id string) (*batch.BatchWithResults, error) {
	var res batch.BatchWithResults
	if err := c.do(ctx, http.MethodGet, "/api/batches/"+url.PathEscape(id), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunBatch queues a pending job.
func (c *Client) RunBatch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/run", nil, nil, nil)
}

// CancelBatch cancels a job. It reports false when the job had already finished.
func (c *Client) CancelBatch(ctx context.Context, id string) (bool, error) {
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/batches/"+url.PathEscape(id)+"/cancel", nil, nil, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

// CleanupBatches removes jobs older than days. Zero uses the server default.
func (c *Client) CleanupBatches(ctx context.Context, days int) (int, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	var res struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/batches", q, nil, &res); err != nil {
		return 0, err
	}
	return res.Deleted, nil
}

// =============================================================================
// USAGE
// =============================================================================

// GetUsage returns the cost breakdown for day, week or month.
func (c *Client) GetUsage(ctx context.Context, period string) (*ledger.CostBreakdown, error) {
	q := url.Values{}
	if period != "" {
		q.Set("period", period)
	}
	var res ledger.CostBreakdown
	if err := c.do(ctx, http.MethodGet, "/api/usage", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListUsageRecords returns the per-(model, provider) usage records.
func (c *Client) ListUsageRecords(ctx context.Context) ([]models.ModelUsageRecord, error) {
	var res []models.ModelUsageRecord
	if err := c.do(ctx, http.MethodGet, "/api/usage/models", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// CompareModels scores the named models, or every known model when none are given.
func (c *Client) CompareModels(ctx context.Context, names ...string) ([]ledger.ModelComparison, error) {
	q := url.Values{}
	if len(names) > 0 {
		q.Set("models", strings.Join(names, ","))
	}
	var res []ledger.ModelComparison
	if err := c.do(ctx, http.MethodGet, "/api/models/compare", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// CacheStats returns the annotation cache counters.
func (c *Client) CacheStats(ctx context.Context) (*cache.Stats, error) {
	var res cache.Stats
	if err := c.do(ctx, http.MethodGet, "/api/cache/stats", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ServerStats returns the server's in-memory runtime statistics.
func (c *Client) ServerStats(ctx context.Context) (*metrics.Snapshot, error) {
	var res metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// REVIEWS
// =============================================================================

// CreateReview opens a QA review.
func (c *Client) CreateReview(ctx context.Context, req quality.CreateReviewRequest) (*models.QAReview, error) {
	var res models.QAReview
	if err := c.do(ctx, http.MethodPost, "/api/reviews", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateReview changes a review's status, reviewer, score or comments.
func (c *Client) UpdateReview(ctx context.Context, id string, req quality.UpdateReviewRequest) (*models.QAReview, error) {
	var res models.QAReview
	if err := c.do(ctx, http.MethodPatch, "/api/reviews/"+url.PathEscape(id), nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListReviews returns reviews matching f.
func (c *Client) ListReviews(ctx context.Context, f quality.ReviewFilter) ([]models.QAReview, error) {
	q := url.Values{}
	if f.NodeID != "" {
		q.Set("node_id", f.NodeID)
	}
	if f.BatchID != "" {
		q.Set("batch_id", f.BatchID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var res []models.QAReview
	if err := c.do(ctx, http.MethodGet, "/api/reviews", q, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetDashboard returns the QA dashboard.
func (c *Client) GetDashboard(ctx context.Context) (*quality.Dashboard, error) {
	var res quality.Dashboard
	if err := c.do(ctx, http.MethodGet, "/api/quality/dashboard", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// =============================================================================
// EVENTS
// =============================================================================

// Watch streams events over WebSocket until onEvent returns an error, the server closes the
// stream or ctx is done. An empty batchID receives every batch's events.
// Returning ErrStopWatching from onEvent ends the stream without error.
func (c *Client) Watch(ctx context.Context, batchID string, onEvent func(events.Event) error) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if batchID != "" {
		u.RawQuery = url.Values{"batch_id": {batchID}}.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching ends Watch cleanly when returned from the callback.
var ErrStopWatching = errors.New("stop watching")
