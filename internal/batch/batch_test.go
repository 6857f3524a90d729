package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/raphaelgruber/annotator/internal/source"
	"github.com/raphaelgruber/annotator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeInvoker answers every input with an annotation unless fn overrides it.
type fakeInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(input string, call int) (provider.Result, error)
}

func newFakeInvoker(fn func(input string, call int) (provider.Result, error)) *fakeInvoker {
	return &fakeInvoker{calls: make(map[string]int), fn: fn}
}

func (f *fakeInvoker) Invoke(_ context.Context, _, input string, _ provider.Options) (provider.Result, error) {
	f.mu.Lock()
	f.calls[input]++
	call := f.calls[input]
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(input, call)
	}
	return okResult(input), nil
}

func (f *fakeInvoker) Calls(input string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[input]
}

func (f *fakeInvoker) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func okResult(input string) provider.Result {
	out := fmt.Sprintf(`{"description":"about %s","tags":["a","b"],"business_area":"sales","confidence":0.9}`, input)
	return provider.Result{Output: out, TokensUsed: 10, CostUSD: 0.01, Duration: 20 * time.Millisecond, Provider: "fake"}
}

type recordedEvent struct {
	Type    string
	Payload map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(eventType string, payload map[string]any) {
	s.mu.Lock()
	s.events = append(s.events, recordedEvent{Type: eventType, Payload: payload})
	s.mu.Unlock()
}

func (s *recordingSink) Events(batchID string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.Payload["batch_id"] == batchID {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) Types(batchID string) []string {
	var types []string
	for _, e := range s.Events(batchID) {
		types = append(types, e.Type)
	}
	return types
}

type failingSource struct{}

func (failingSource) Items(context.Context, map[string]any) ([]source.Item, error) {
	return nil, fmt.Errorf("%w: connection refused", source.ErrUnavailable)
}

func items(ids ...string) source.Static {
	out := make(source.Static, len(ids))
	for i, id := range ids {
		out[i] = source.Item{NodeID: id, Input: id}
	}
	return out
}

type harness struct {
	o      *Orchestrator
	sink   *recordingSink
	clock  *fakeClock
	ledger *ledger.Ledger
}

func newHarness(t *testing.T, inv Invoker, src ItemSource, mut ...func(*Config)) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}, clock: newFakeClock()}
	h.ledger = ledger.New(h.clock.Now)
	cfg := Config{
		Invoker:     inv,
		Source:      src,
		Events:      h.sink,
		Ledger:      h.ledger,
		Now:         h.clock.Now,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
	for _, m := range mut {
		m(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h.o = o
	return h
}

func intPtr(n int) *int { return &n }

func createJob(t *testing.T, o *Orchestrator, opts models.BatchOptions) *models.BatchJob {
	t.Helper()
	if opts.Model == "" {
		opts.Model = "m1"
	}
	job, err := o.Create(context.Background(), CreateRequest{Name: "test", Operation: models.OperationAnnotate, Options: opts})
	require.NoError(t, err)
	return job
}

func TestNewRequiresInvokerAndSource(t *testing.T) {
	_, err := New(Config{Source: items()})
	assert.Error(t, err)
	_, err = New(Config{Invoker: newFakeInvoker(nil)})
	assert.Error(t, err)
}

func TestRunWithRetryExhaustion(t *testing.T) {
	inv := newFakeInvoker(func(input string, call int) (provider.Result, error) {
		if input == "bad" {
			return provider.Result{}, &provider.Error{Kind: models.FailureTransient, Message: "upstream 503"}
		}
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("a", "bad", "c"))
	ctx := context.Background()

	job := createJob(t, h.o, models.BatchOptions{RetryAttempts: intPtr(2), ParallelRequests: 2})
	require.NoError(t, h.o.Run(ctx, job.ID))

	res, err := h.o.GetBatchWithResults(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, res.Job.Status)
	assert.Equal(t, 1.0, res.Job.Progress)
	assert.Equal(t, 3, res.Job.TotalItems)
	assert.Equal(t, 3, res.Job.ProcessedItems)
	require.NotNil(t, res.Job.StartedAt)
	require.NotNil(t, res.Job.CompletedAt)
	require.Len(t, res.Results, 3)

	assert.Equal(t, 2, res.Summary.Successful)
	assert.Equal(t, 1, res.Summary.Failed)
	for _, r := range res.Results {
		if r.NodeID == "bad" {
			assert.False(t, r.Succeeded())
			assert.Equal(t, 2, r.Retries)
			f := r.Outcome.(models.Failure)
			assert.Equal(t, models.FailureTransient, f.Kind)
			assert.Contains(t, f.Message, "upstream 503")
		} else {
			assert.True(t, r.Succeeded())
			assert.Equal(t, 0, r.Retries)
			require.NotNil(t, r.QualityScore)
			require.NotNil(t, r.Confidence)
			assert.InDelta(t, 0.9, *r.Confidence, 1e-9)
		}
	}
	assert.Equal(t, 3, inv.Calls("bad"), "one attempt plus two retries")
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	inv := newFakeInvoker(func(string, int) (provider.Result, error) {
		return provider.Result{}, errors.New("invalid api key provided")
	})
	h := newHarness(t, inv, items("x"))
	job := createJob(t, h.o, models.BatchOptions{RetryAttempts: intPtr(5)})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	res, err := h.o.GetBatchWithResults(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, res.Job.Status)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 0, res.Results[0].Retries)
	assert.Equal(t, models.FailureFatal, res.Results[0].Outcome.(models.Failure).Kind)
	assert.Equal(t, 1, inv.Calls("x"))
}

func TestTimeoutsAreRetried(t *testing.T) {
	inv := newFakeInvoker(func(input string, call int) (provider.Result, error) {
		if call == 1 {
			return provider.Result{}, context.DeadlineExceeded
		}
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("slow"))
	job := createJob(t, h.o, models.BatchOptions{})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	res, _ := h.o.GetBatchWithResults(job.ID)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Succeeded())
	assert.Equal(t, 1, res.Results[0].Retries)
}

func TestNetworkErrorsWithStatusLikeDigitsAreRetried(t *testing.T) {
	inv := newFakeInvoker(func(input string, call int) (provider.Result, error) {
		switch call {
		case 1:
			return provider.Result{}, errors.New("dial tcp 10.0.0.7:4010: connect: connection refused")
		case 2:
			return provider.Result{}, errors.New("read: connection reset by peer (request 7403)")
		}
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("flaky"))
	job := createJob(t, h.o, models.BatchOptions{RetryAttempts: intPtr(3)})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	res, err := h.o.GetBatchWithResults(job.ID)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Succeeded())
	assert.Equal(t, 2, res.Results[0].Retries)
	assert.Equal(t, 3, inv.Calls("flaky"))
}

func TestEmptyItemListCompletes(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	job := createJob(t, h.o, models.BatchOptions{})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	got, err := h.o.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, 0, got.TotalItems)
}

func TestEventOrderAndMonotonicProgress(t *testing.T) {
	inv := newFakeInvoker(func(input string, _ int) (provider.Result, error) {
		if input == "b" {
			return provider.Result{}, &provider.Error{Kind: models.FailureInvalid, Message: "bad input"}
		}
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("a", "b", "c", "d"))
	job := createJob(t, h.o, models.BatchOptions{ParallelRequests: 3})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	types := h.sink.Types(job.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, EventCreated, types[0])
	assert.Equal(t, EventCompleted, types[len(types)-1])

	var last float64 = -1
	counts := map[string]int{}
	for _, e := range h.sink.Events(job.ID) {
		counts[e.Type]++
		if e.Type == EventProgress {
			p := e.Payload["progress"].(float64)
			assert.GreaterOrEqual(t, p, last)
			last = p
		}
	}
	assert.Equal(t, 1.0, last)
	assert.Equal(t, 4, counts[EventItemCompleted])
	assert.Equal(t, 1, counts[EventError])
	assert.Equal(t, 5, counts[EventProgress], "initial progress plus one per item")

	completed := h.sink.Events(job.ID)[len(types)-1]
	assert.Equal(t, 3, completed.Payload["successful"])
	assert.Equal(t, 1, completed.Payload["failed"])
}

func TestSourceFailureFailsJob(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), failingSource{})
	job := createJob(t, h.o, models.BatchOptions{})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	got, _ := h.o.Get(job.ID)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.Contains(t, got.Error, "connection refused")
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{EventCreated, EventFailed}, h.sink.Types(job.ID))
}

func TestRunRejectsNonPendingJobs(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items("a"))
	job := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(context.Background(), job.ID))

	err := h.o.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestUnknownJob(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	ctx := context.Background()

	_, err := h.o.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.o.GetBatchWithResults("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.o.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, h.o.Run(ctx, "nope"), ErrJobNotFound)
	assert.ErrorIs(t, h.o.Enqueue("nope"), ErrJobNotFound)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown operation", CreateRequest{Operation: "explode", Options: models.BatchOptions{Model: "m"}}},
		{"missing model", CreateRequest{Operation: models.OperationAnnotate}},
		{"temperature too high", CreateRequest{Operation: models.OperationAnnotate, Options: models.BatchOptions{Model: "m", Temperature: 2.5}}},
		{"negative max tokens", CreateRequest{Operation: models.OperationAnnotate, Options: models.BatchOptions{Model: "m", MaxTokens: -1}}},
		{"too many retries", CreateRequest{Operation: models.OperationAnnotate, Options: models.BatchOptions{Model: "m", RetryAttempts: intPtr(11)}}},
		{"too parallel", CreateRequest{Operation: models.OperationAnnotate, Options: models.BatchOptions{Model: "m", ParallelRequests: 65}}},
		{"unknown priority", CreateRequest{Operation: models.OperationAnnotate, Options: models.BatchOptions{Model: "m", Priority: "asap"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.o.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, h.o.GetBatchHistory(HistoryFilter{}).Total, "rejected requests create nothing")
}

func TestCreateAppliesDefaults(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	job := createJob(t, h.o, models.BatchOptions{})

	assert.Equal(t, models.BatchStatusPending, job.Status)
	assert.Equal(t, models.DefaultBatchSize, job.Options.BatchSize)
	assert.Equal(t, models.DefaultRetryAttempts, job.Options.Retries())
	assert.Equal(t, models.PriorityNormal, job.Options.Priority)
	assert.Equal(t, models.DefaultParallelRequests, job.Options.ParallelRequests)
	assert.Equal(t, []string{EventCreated}, h.sink.Types(job.ID))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		h := newHarness(t, newFakeInvoker(nil), items("a"))
		job := createJob(t, h.o, models.BatchOptions{})

		ok, err := h.o.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, _ := h.o.Get(job.ID)
		assert.Equal(t, models.BatchStatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.ErrorIs(t, h.o.Run(ctx, job.ID), ErrNotRunnable)
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t, newFakeInvoker(nil), items("a"))
		job := createJob(t, h.o, models.BatchOptions{})
		require.NoError(t, h.o.Run(ctx, job.ID))

		ok, err := h.o.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		got, _ := h.o.Get(job.ID)
		assert.Equal(t, models.BatchStatusCompleted, got.Status)
	})

	t.Run("running", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		inv := newFakeInvoker(func(input string, _ int) (provider.Result, error) {
			once.Do(func() { close(started) })
			<-release
			return okResult(input), nil
		})
		h := newHarness(t, inv, items("a", "b", "c"))
		job := createJob(t, h.o, models.BatchOptions{ParallelRequests: 1})

		done := make(chan error, 1)
		go func() { done <- h.o.Run(ctx, job.ID) }()
		<-started

		ok, err := h.o.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		close(release)
		require.NoError(t, <-done)

		got, _ := h.o.Get(job.ID)
		assert.Equal(t, models.BatchStatusCancelled, got.Status)
		assert.Equal(t, 1, got.ProcessedItems, "in-flight item is still recorded")
		assert.Equal(t, 1, inv.TotalCalls(), "no item starts after cancel")

		types := h.sink.Types(job.ID)
		assert.Equal(t, EventCancelled, types[len(types)-1], "nothing is emitted after the terminal event")
	})
}

func TestContextCancellationInterruptsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := newFakeInvoker(func(input string, _ int) (provider.Result, error) {
		cancel()
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("a", "b", "c"))
	job := createJob(t, h.o, models.BatchOptions{ParallelRequests: 1})

	require.NoError(t, h.o.Run(ctx, job.ID))

	got, _ := h.o.Get(job.ID)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "interrupted"), got.Error)
}

func TestPanicFailsJob(t *testing.T) {
	inv := newFakeInvoker(func(string, int) (provider.Result, error) {
		panic("boom")
	})
	h := newHarness(t, inv, items("a"))
	job := createJob(t, h.o, models.BatchOptions{})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	got, _ := h.o.Get(job.ID)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.Contains(t, got.Error, "internal panic")
}

func TestCacheServesRepeatedInputs(t *testing.T) {
	inv := newFakeInvoker(nil)
	c := cache.New[CachedResponse](cache.Config{SweepInterval: -1})
	t.Cleanup(c.Close)
	h := newHarness(t, inv, items("a", "b"), func(cfg *Config) { cfg.Cache = c })
	ctx := context.Background()

	first := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(ctx, first.ID))
	second := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(ctx, second.ID))

	assert.Equal(t, 2, inv.TotalCalls())
	res, _ := h.o.GetBatchWithResults(second.ID)
	assert.Equal(t, 2, res.Summary.Cached)
	assert.Equal(t, 0, res.Summary.TotalTokens)
	assert.Zero(t, res.Summary.TotalCostUSD)
	for _, r := range res.Results {
		assert.True(t, r.Cached())
		assert.Zero(t, r.DurationMs)
	}

	rec, ok := h.ledger.Record("m1", "fake")
	require.True(t, ok)
	assert.Equal(t, int64(4), rec.TotalRequests)
	assert.Equal(t, int64(2), rec.CachedRequests)
	assert.Equal(t, int64(20), rec.TotalTokens)

	// A different model misses the cache.
	third := createJob(t, h.o, models.BatchOptions{Model: "m2"})
	require.NoError(t, h.o.Run(ctx, third.ID))
	assert.Equal(t, 4, inv.TotalCalls())
}

func TestDuplicateInputsInvokeOnce(t *testing.T) {
	inv := newFakeInvoker(func(input string, _ int) (provider.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return okResult(input), nil
	})
	c := cache.New[CachedResponse](cache.Config{SweepInterval: -1})
	t.Cleanup(c.Close)
	src := source.Static{
		{NodeID: "n1", Input: "same"},
		{NodeID: "n2", Input: "same"},
	}
	h := newHarness(t, inv, src, func(cfg *Config) { cfg.Cache = c })
	job := createJob(t, h.o, models.BatchOptions{ParallelRequests: 2})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	assert.Equal(t, 1, inv.Calls("same"))
	res, _ := h.o.GetBatchWithResults(job.ID)
	assert.Equal(t, 2, res.Summary.Successful)
	assert.Equal(t, 1, res.Summary.Cached)
}

func TestFailuresAreRecordedInLedger(t *testing.T) {
	inv := newFakeInvoker(func(string, int) (provider.Result, error) {
		return provider.Result{}, &provider.Error{Kind: models.FailureInvalid, Message: "nope", Provider: "fake"}
	})
	h := newHarness(t, inv, items("a"))
	job := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(context.Background(), job.ID))

	rec, ok := h.ledger.Record("m1", "fake")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.FailedRequests)
	assert.Zero(t, rec.SuccessRate)
}

func TestCreateReviewsForSuccessfulItems(t *testing.T) {
	assessor := quality.NewAssessor(quality.Config{})
	inv := newFakeInvoker(func(input string, _ int) (provider.Result, error) {
		if input == "bad" {
			return provider.Result{}, &provider.Error{Kind: models.FailureInvalid, Message: "nope"}
		}
		return okResult(input), nil
	})
	h := newHarness(t, inv, items("a", "bad", "c"), func(cfg *Config) { cfg.Assessor = assessor })
	job := createJob(t, h.o, models.BatchOptions{CreateReviews: true})

	require.NoError(t, h.o.Run(context.Background(), job.ID))

	reviews := assessor.ListReviews(quality.ReviewFilter{BatchID: job.ID})
	require.Len(t, reviews, 2)
	for _, r := range reviews {
		assert.Equal(t, models.ReviewPending, r.Status)
		require.NotNil(t, r.Metrics)
		assert.True(t, r.Metrics.HasDescription)
	}
}

func TestSummaryPercentiles(t *testing.T) {
	var results []models.BatchItemResult
	for i := 1; i <= 10; i++ {
		results = append(results, models.BatchItemResult{
			NodeID:     fmt.Sprint(i),
			Outcome:    models.Success{Payload: json.RawMessage(`{}`)},
			DurationMs: int64(i * 100),
		})
	}
	s := summarize(&models.BatchJob{TotalItems: 10}, results)
	assert.Equal(t, int64(500), s.DurationP50Ms)
	assert.Equal(t, int64(1000), s.DurationP95Ms)
	assert.Equal(t, int64(1000), s.DurationP99Ms)
	assert.Nil(t, s.AverageConfidence)

	empty := summarize(&models.BatchJob{}, nil)
	assert.Zero(t, empty.DurationP50Ms)
	assert.Zero(t, empty.DurationP99Ms)
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []int64{15, 20, 35, 40, 50}
	assert.Equal(t, int64(15), percentile(sorted, 5))
	assert.Equal(t, int64(20), percentile(sorted, 30))
	assert.Equal(t, int64(20), percentile(sorted, 40))
	assert.Equal(t, int64(35), percentile(sorted, 50))
	assert.Equal(t, int64(50), percentile(sorted, 100))
	assert.Zero(t, percentile(nil, 50))
}

func TestCleanupOldBatches(t *testing.T) {
	s := store.NewMemoryStore()
	h := newHarness(t, newFakeInvoker(nil), items("a", "b"), func(cfg *Config) { cfg.Store = s })
	ctx := context.Background()

	old := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(ctx, old.ID))
	h.clock.Advance(30 * 24 * time.Hour)
	recent := createJob(t, h.o, models.BatchOptions{})
	require.NoError(t, h.o.Run(ctx, recent.ID))
	h.clock.Advance(10 * 24 * time.Hour)

	keys, _ := s.List(ctx, itemsKey(old.ID))
	require.Len(t, keys, 2)

	n, err := h.o.CleanupOldBatches(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.o.Get(old.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.o.Get(recent.ID)
	assert.NoError(t, err)

	keys, _ = s.List(ctx, itemsKey(old.ID))
	assert.Empty(t, keys)
	_, err = s.Get(ctx, jobKey(old.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, jobKey(recent.ID))
	assert.NoError(t, err)

	n, err = h.o.CleanupOldBatches(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, n, "cleanup is idempotent")

	_, err = h.o.CleanupOldBatches(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCleanupDefaultsToThirtyDays(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	createJob(t, h.o, models.BatchOptions{})
	h.clock.Advance(31 * 24 * time.Hour)

	n, err := h.o.CleanupOldBatches(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetBatchHistory(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items("a"))
	ctx := context.Background()

	var ids []string
	for i, op := range []models.OperationKind{models.OperationAnnotate, models.OperationExport, models.OperationAnnotate} {
		job, err := h.o.Create(ctx, CreateRequest{Name: fmt.Sprint(i), Operation: op, Options: models.BatchOptions{Model: "m"}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		h.clock.Advance(time.Hour)
	}
	require.NoError(t, h.o.Run(ctx, ids[2]))

	page := h.o.GetBatchHistory(HistoryFilter{})
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, DefaultHistoryLimit, page.Limit)
	require.Len(t, page.Jobs, 3)
	assert.Equal(t, ids[2], page.Jobs[0].ID, "newest first")
	assert.Equal(t, ids[0], page.Jobs[2].ID)

	page = h.o.GetBatchHistory(HistoryFilter{Operation: models.OperationAnnotate})
	assert.Equal(t, 2, page.Total)

	page = h.o.GetBatchHistory(HistoryFilter{Status: models.BatchStatusCompleted})
	require.Equal(t, 1, page.Total)
	assert.Equal(t, ids[2], page.Jobs[0].ID)

	start := newFakeClock().Now()
	page = h.o.GetBatchHistory(HistoryFilter{Since: start.Add(time.Hour), Until: start.Add(time.Hour)})
	require.Equal(t, 1, page.Total)
	assert.Equal(t, ids[1], page.Jobs[0].ID)

	page = h.o.GetBatchHistory(HistoryFilter{Limit: 1, Offset: 1})
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, ids[1], page.Jobs[0].ID)

	page = h.o.GetBatchHistory(HistoryFilter{Offset: 10})
	assert.Equal(t, 3, page.Total)
	assert.Empty(t, page.Jobs)
}

func TestPersistenceAndRestore(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	inv := newFakeInvoker(nil)

	first := newHarness(t, inv, items("a", "b", "c"), func(cfg *Config) { cfg.Store = s })
	done := createJob(t, first.o, models.BatchOptions{BatchSize: 2})
	require.NoError(t, first.o.Run(ctx, done.ID))
	queued := createJob(t, first.o, models.BatchOptions{})
	require.NoError(t, first.o.Enqueue(queued.ID))
	created := createJob(t, first.o, models.BatchOptions{})

	// The last snapshot was written before two item results landed.
	running := &models.BatchJob{
		ID:             "running-job",
		Operation:      models.OperationAnnotate,
		Options:        models.BatchOptions{Model: "m1"}.WithDefaults(),
		Status:         models.BatchStatusRunning,
		TotalItems:     4,
		ProcessedItems: 0,
		CreatedAt:      first.clock.Now(),
	}
	data, err := json.Marshal(running)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, jobKey(running.ID), data))
	for seq, node := range []string{"x", "y"} {
		r := models.BatchItemResult{NodeID: node, Outcome: models.Success{Payload: json.RawMessage(`{}`)}, CreatedAt: first.clock.Now()}
		raw, err := json.Marshal(r)
		require.NoError(t, err)
		require.NoError(t, s.Set(ctx, itemKey(running.ID, seq), raw))
	}
	require.NoError(t, s.Set(ctx, jobKey("corrupt"), []byte("{")))

	second := newHarness(t, inv, items("a", "b", "c"), func(cfg *Config) { cfg.Store = s })
	n, err := second.o.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	res, err := second.o.GetBatchWithResults(done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, res.Job.Status)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 3, res.Summary.Successful)

	got, err := second.o.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, got.ProcessedItems, "counters follow the persisted results")
	assert.InDelta(t, 0.5, got.Progress, 0.001)

	// Only the job that had been handed to the scheduler resumes.
	assert.Equal(t, []string{queued.ID}, second.o.sched.pending())
	idle, err := second.o.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, idle.Status)
	assert.Nil(t, idle.QueuedAt)

	var stored models.BatchJob
	raw, err := s.Get(ctx, jobKey(running.ID))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, models.BatchStatusFailed, stored.Status, "restored failure is persisted")
	assert.Equal(t, 2, stored.ProcessedItems)
}

func TestSchedulerRunsByPriority(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items("a"), func(cfg *Config) { cfg.MaxConcurrentBatches = 1 })
	ctx := context.Background()

	byPriority := map[models.Priority]string{}
	for _, p := range []models.Priority{models.PriorityLow, models.PriorityUrgent, models.PriorityNormal, models.PriorityHigh} {
		job := createJob(t, h.o, models.BatchOptions{Priority: p})
		byPriority[p] = job.ID
		require.NoError(t, h.o.Enqueue(job.ID))
	}
	// Same priority runs oldest first.
	h.clock.Advance(time.Second)
	laterHigh := createJob(t, h.o, models.BatchOptions{Priority: models.PriorityHigh})
	require.NoError(t, h.o.Enqueue(laterHigh.ID))
	require.NoError(t, h.o.Enqueue(laterHigh.ID), "enqueueing twice keeps one entry")

	want := []string{
		byPriority[models.PriorityUrgent],
		byPriority[models.PriorityHigh],
		laterHigh.ID,
		byPriority[models.PriorityNormal],
		byPriority[models.PriorityLow],
	}
	assert.Equal(t, want, h.o.sched.pending())

	h.o.Start(ctx)
	require.Eventually(t, func() bool {
		return h.o.GetBatchHistory(HistoryFilter{Status: models.BatchStatusCompleted}).Total == 5
	}, 5*time.Second, 10*time.Millisecond)

	// With one worker, jobs start in queue order.
	var started []string
	seen := map[string]bool{}
	h.sink.mu.Lock()
	for _, e := range h.sink.events {
		id, _ := e.Payload["batch_id"].(string)
		if e.Type == EventProgress && !seen[id] {
			seen[id] = true
			started = append(started, id)
		}
	}
	h.sink.mu.Unlock()
	assert.Equal(t, want, started)
}

func TestEnqueueRejectsNonPending(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	job := createJob(t, h.o, models.BatchOptions{})
	_, err := h.o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, h.o.Enqueue(job.ID), ErrNotRunnable)
}

func TestRetentionLoop(t *testing.T) {
	h := newHarness(t, newFakeInvoker(nil), items())
	createJob(t, h.o, models.BatchOptions{})
	h.clock.Advance(60 * 24 * time.Hour)

	h.o.StartRetention(context.Background(), 5*time.Millisecond, 30)

	require.Eventually(t, func() bool {
		return h.o.GetBatchHistory(HistoryFilter{}).Total == 0
	}, 2*time.Second, 5*time.Millisecond)
}
