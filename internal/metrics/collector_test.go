package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpHTTPRequest, 10*time.Millisecond)
	c.RecordTiming(OpHTTPRequest, 30*time.Millisecond)

	snap := c.Snapshot()
	op, ok := snap.Operation(OpHTTPRequest)
	require.True(t, ok)
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(40), op.TotalTimeMs)
	assert.InDelta(t, 20.0, op.AvgTimeMs, 0.001)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
	assert.Nil(t, op.TotalTokens, "timing-only operations carry no token stats")
}

func TestRecordUsage(t *testing.T) {
	c := NewCollector()
	c.RecordUsage(OpProviderInvoke, 100*time.Millisecond, 50)
	c.RecordUsage(OpProviderInvoke, 300*time.Millisecond, 0)

	op, ok := c.Snapshot().Operation(OpProviderInvoke)
	require.True(t, ok)
	require.NotNil(t, op.TotalTokens)
	assert.Equal(t, int64(50), *op.TotalTokens)
	assert.InDelta(t, 25.0, *op.AvgTokens, 0.001)
	assert.Equal(t, int64(0), *op.MinTokens)
	assert.Equal(t, int64(50), *op.MaxTokens)
}

func TestSnapshotSortedAndUptime(t *testing.T) {
	c := NewCollector()
	start := c.startTime
	c.now = func() time.Time { return start.Add(90 * time.Second) }

	c.RecordTiming(OpProviderError, time.Millisecond)
	c.RecordTiming(OpHTTPRequest, time.Millisecond)

	snap := c.Snapshot()
	assert.InDelta(t, 90.0, snap.UptimeSeconds, 0.001)
	require.Len(t, snap.Operations, 2)
	assert.Equal(t, OpHTTPRequest, snap.Operations[0].Name)
	assert.Equal(t, OpProviderError, snap.Operations[1].Name)

	_, ok := snap.Operation(OpProviderInvoke)
	assert.False(t, ok)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				c.RecordUsage(OpProviderInvoke, time.Millisecond, 2)
			}
		}()
	}
	wg.Wait()

	op, ok := c.Snapshot().Operation(OpProviderInvoke)
	require.True(t, ok)
	assert.Equal(t, int64(1000), op.Count)
	assert.Equal(t, int64(2000), *op.TotalTokens)
}

type stubProvider struct {
	res provider.Result
	err error
}

func (stubProvider) Name() string { return "stub" }

func (s stubProvider) Invoke(context.Context, string, string, provider.Options) (provider.Result, error) {
	return s.res, s.err
}

func TestInstrumentProvider(t *testing.T) {
	c := NewCollector()

	ok := InstrumentProvider(stubProvider{res: provider.Result{Output: "x", TokensUsed: 7, Duration: 20 * time.Millisecond}}, c)
	assert.Equal(t, "stub", ok.Name())
	res, err := ok.Invoke(context.Background(), "m", "in", provider.Options{})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Output)

	bad := InstrumentProvider(stubProvider{err: errors.New("boom")}, c)
	_, err = bad.Invoke(context.Background(), "m", "in", provider.Options{})
	assert.EqualError(t, err, "boom")

	snap := c.Snapshot()
	inv, found := snap.Operation(OpProviderInvoke)
	require.True(t, found)
	assert.Equal(t, int64(1), inv.Count)
	assert.Equal(t, int64(20), inv.TotalTimeMs)
	assert.Equal(t, int64(7), *inv.TotalTokens)

	failed, found := snap.Operation(OpProviderError)
	require.True(t, found)
	assert.Equal(t, int64(1), failed.Count)
}
