package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/events"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/metrics"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/raphaelgruber/annotator/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv  *httptest.Server
	orch *batch.Orchestrator
	bus  *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(64, logger)
	hub := events.NewHub(bus, logger)
	c := cache.New[batch.CachedResponse](cache.Config{SweepInterval: -1})
	l := ledger.New(nil)
	assessor := quality.NewAssessor(quality.Config{Extension: quality.DailyExtension{Days: 7}})
	collector := metrics.NewCollector()

	orch, err := batch.New(batch.Config{
		Invoker:  metrics.InstrumentProvider(provider.EchoProvider{}, collector),
		Source:   source.Static{{NodeID: "orders", Input: "orders table with totals"}, {NodeID: "users", Input: "users table"}},
		Events:   bus,
		Cache:    c,
		Ledger:   l,
		Assessor: assessor,
		Logger:   logger,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)

	srv := httptest.NewServer(New(Dependencies{
		Orchestrator: orch,
		Ledger:       l,
		Assessor:     assessor,
		Cache:        c,
		Hub:          hub,
		Metrics:      collector,
		Logger:       logger,
	}).Handler())

	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		cancel()
		orch.Close()
		c.Close()
		bus.Close()
	})
	return &testEnv{srv: srv, orch: orch, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestBatchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/batches", map[string]any{
		"name":      "nightly",
		"operation": "annotate",
		"options":   map[string]any{"model": "echo-1", "create_reviews": true},
		"run":       true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var job models.BatchJob
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "nightly", job.Name)

	var res batch.BatchWithResults
	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, "/api/batches/"+job.ID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		res = batch.BatchWithResults{}
		require.NoError(t, json.Unmarshal(body, &res))
		return res.Job.Status == models.BatchStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, res.Results, 2)
	assert.Equal(t, 2, res.Summary.Successful)

	resp, body = env.do(t, http.MethodGet, "/api/batches?operation=annotate&status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page batch.HistoryPage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Total)

	resp, body = env.do(t, http.MethodPost, "/api/batches/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))

	resp, _ = env.do(t, http.MethodPost, "/api/batches/"+job.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/reviews?batch_id="+job.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reviews []models.QAReview
	require.NoError(t, json.Unmarshal(body, &reviews))
	assert.Len(t, reviews, 2)

	resp, body = env.do(t, http.MethodGet, "/api/usage?period=week", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var breakdown ledger.CostBreakdown
	require.NoError(t, json.Unmarshal(body, &breakdown))
	assert.Equal(t, int64(2), breakdown.TotalRequests)

	resp, body = env.do(t, http.MethodGet, "/api/models/compare?models=echo-1,unknown", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmp []ledger.ModelComparison
	require.NoError(t, json.Unmarshal(body, &cmp))
	require.Len(t, cmp, 2)
	assert.Equal(t, "echo-1", cmp[0].Model)
	assert.Zero(t, cmp[1].Overall)

	resp, body = env.do(t, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Size)

	resp, body = env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	invoke, ok := snap.Operation(metrics.OpProviderInvoke)
	require.True(t, ok)
	assert.Equal(t, int64(2), invoke.Count)
	requests, ok := snap.Operation(metrics.OpHTTPRequest)
	require.True(t, ok)
	assert.Positive(t, requests.Count)
}

func TestCreateBatchValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"operation":`, http.StatusBadRequest},
		{"unknown field", `{"operation":"annotate","options":{"model":"m"},"extra":1}`, http.StatusBadRequest},
		{"missing model", `{"operation":"annotate"}`, http.StatusBadRequest},
		{"unknown operation", `{"operation":"shred","options":{"model":"m"}}`, http.StatusBadRequest},
		{"valid", `{"operation":"export","options":{"model":"m"}}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/api/batches", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestNotFoundAndBadQueries(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/batches/missing", http.StatusNotFound},
		{http.MethodPost, "/api/batches/missing/cancel", http.StatusNotFound},
		{http.MethodPost, "/api/batches/missing/run", http.StatusNotFound},
		{http.MethodGet, "/api/reviews/missing", http.StatusNotFound},
		{http.MethodGet, "/api/batches?status=sleeping", http.StatusBadRequest},
		{http.MethodGet, "/api/batches?since=yesterday", http.StatusBadRequest},
		{http.MethodGet, "/api/batches?limit=-1", http.StatusBadRequest},
		{http.MethodGet, "/api/usage?period=year", http.StatusBadRequest},
		{http.MethodDelete, "/api/batches?days=-3", http.StatusBadRequest},
		{http.MethodDelete, "/api/batches?days=30", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, _ := env.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestReviewWorkflow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/reviews", map[string]any{"node_id": "orders", "quality_score": 80})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var review models.QAReview
	require.NoError(t, json.Unmarshal(body, &review))
	assert.Equal(t, models.ReviewPending, review.Status)

	resp, body = env.do(t, http.MethodPatch, "/api/reviews/"+review.ID, map[string]any{"status": "approved", "reviewer": "sam"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &review))
	assert.Equal(t, models.ReviewApproved, review.Status)
	assert.NotNil(t, review.ReviewedAt)

	resp, _ = env.do(t, http.MethodPatch, "/api/reviews/"+review.ID, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/quality/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dash quality.Dashboard
	require.NoError(t, json.Unmarshal(body, &dash))
	assert.Equal(t, 1, dash.Total)
	assert.Equal(t, 1, dash.ByStatus[models.ReviewApproved])
}

func TestWebSocketStreamsBatchEvents(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the hub to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	resp, _ := env.do(t, http.MethodPost, "/api/batches", map[string]any{
		"operation": "annotate",
		"options":   map[string]any{"model": "m"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventType(batch.EventCreated), ev.Type)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
