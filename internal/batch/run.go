package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/raphaelgruber/annotator/internal/source"
	"golang.org/x/sync/errgroup"
)

// Run executes a pending job to completion. Per-item failures are recorded on the job, never returned.
// It returns ErrJobNotFound for unknown ids and ErrNotRunnable unless the job is pending.
func (o *Orchestrator) Run(ctx context.Context, id string) (err error) {
	st, err := o.get(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.deleted || st.job.Status != models.BatchStatusPending {
		status := st.job.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunnable, id, status)
	}
	st.job.Status = models.BatchStatusRunning
	if st.job.StartedAt == nil {
		now := o.now().UTC()
		st.job.StartedAt = &now
	}
	job := st.job.Clone()
	st.mu.Unlock()
	o.persistJob(ctx, st)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("batch run panicked", "batch_id", id, "panic", r)
			o.fail(ctx, st, fmt.Sprintf("internal panic: %v", r))
			err = nil
		}
	}()

	o.logger.Info("batch started", "batch_id", id, "operation", job.Operation, "model", job.Options.Model)

	items, srcErr := o.source.Items(ctx, job.Filter)
	if srcErr != nil {
		o.logger.Error("batch item source failed", "batch_id", id, "error", srcErr)
		o.fail(ctx, st, fmt.Sprintf("item source: %v", srcErr))
		return nil
	}

	st.mu.Lock()
	if st.stopDispatchLocked() {
		st.mu.Unlock()
		return nil
	}
	st.job.TotalItems = len(items)
	o.emitProgressLocked(st)
	st.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(job.Options.ParallelRequests)
	for _, item := range items {
		st.mu.Lock()
		stop := st.stopDispatchLocked()
		st.mu.Unlock()
		if stop || ctx.Err() != nil {
			break
		}

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("internal panic: %v", r)
				}
			}()
			// The job may have stopped while this item waited for a slot.
			st.mu.Lock()
			stop := st.stopDispatchLocked()
			st.mu.Unlock()
			if stop || ctx.Err() != nil {
				return nil
			}
			o.processItem(ctx, st, job, item)
			return nil
		})
	}
	if werr := g.Wait(); werr != nil {
		o.logger.Error("batch item panicked", "batch_id", id, "error", werr)
		o.fail(ctx, st, werr.Error())
		return nil
	}

	st.mu.Lock()
	switch {
	case st.deleted:
		// Removed by retention while running.
	case st.job.Status != models.BatchStatusRunning:
		// Cancelled or failed while running.
	case ctx.Err() != nil:
		o.finishLocked(st, models.BatchStatusFailed, fmt.Sprintf("interrupted: %v", ctx.Err()))
		o.emit(EventFailed, id, map[string]any{"error": st.job.Error})
	default:
		st.job.Progress = 1
		o.finishLocked(st, models.BatchStatusCompleted, "")
		ok, failed := countOutcomes(st.results)
		o.emit(EventCompleted, id, map[string]any{
			"processed":  st.job.ProcessedItems,
			"total":      st.job.TotalItems,
			"successful": ok,
			"failed":     failed,
		})
	}
	final := st.job.Status
	st.mu.Unlock()

	o.persistJob(context.WithoutCancel(ctx), st)
	o.logger.Info("batch finished", "batch_id", id, "status", final)
	return nil
}

// fail moves a non-terminal job to failed and emits batch:failed.
func (o *Orchestrator) fail(ctx context.Context, st *jobState, msg string) {
	st.mu.Lock()
	if st.job.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	o.finishLocked(st, models.BatchStatusFailed, msg)
	o.emit(EventFailed, st.job.ID, map[string]any{"error": msg})
	st.mu.Unlock()
	o.persistJob(context.WithoutCancel(ctx), st)
}

// emitProgressLocked emits batch:progress for the current counters.
// Caller must hold st.mu.
func (o *Orchestrator) emitProgressLocked(st *jobState) {
	o.emit(EventProgress, st.job.ID, map[string]any{
		"processed": st.job.ProcessedItems,
		"total":     st.job.TotalItems,
		"progress":  st.job.Progress,
		"status":    st.job.Status,
	})
}

// invocation is the outcome of calling the provider for one input.
type invocation struct {
	result  provider.Result
	retries int
	err     *provider.Error
	// cached is set when the result came from the annotation cache.
	cached bool
}

func (o *Orchestrator) processItem(ctx context.Context, st *jobState, job *models.BatchJob, item source.Item) {
	opts := job.Options
	namespace := string(job.Operation)
	key := cache.GenerateKey(opts.Model, item.Input, namespace)
	input := inputText(item.Input)
	start := o.now()

	inv, ok := o.cachedInvocation(ctx, key)
	if !ok {
		leader := false
		v, _, _ := o.flight.Do(key, func() (any, error) {
			leader = true
			// A previous flight may have filled the cache since the first lookup.
			if hit, ok := o.cachedInvocation(ctx, key); ok {
				return hit, nil
			}
			res := o.invokeWithRetry(ctx, opts, job.Operation, input)
			if res.err == nil && o.cache != nil {
				o.cache.SetNamespaced(ctx, namespace, key, CachedResponse{
					Output:     res.result.Output,
					Provider:   res.result.Provider,
					TokensUsed: res.result.TokensUsed,
				})
			}
			return res, nil
		})
		inv = v.(invocation)
		switch {
		case leader:
		case inv.err == nil:
			// Another item produced this response concurrently.
			inv.cached = true
		default:
			inv = o.invokeWithRetry(ctx, opts, job.Operation, input)
		}
	}
	cached := inv.cached

	result := models.BatchItemResult{
		NodeID:    item.NodeID,
		Retries:   inv.retries,
		CreatedAt: o.now().UTC(),
	}
	var metrics *models.QualityMetrics
	if inv.err != nil {
		result.DurationMs = o.now().Sub(start).Milliseconds()
		result.Outcome = models.Failure{Kind: inv.err.Kind, Message: inv.err.Message}
		o.recordUsage(ledger.Usage{
			Model:    opts.Model,
			Provider: inv.err.Provider,
			Duration: o.now().Sub(start),
			Success:  false,
		})
	} else {
		m := quality.CalculateQualityMetrics(quality.ParseAnnotation([]byte(inv.result.Output)))
		metrics = &m
		score := m.OverallScore
		result.QualityScore = &score
		if !m.ConfidenceDefaulted {
			c := m.Confidence
			result.Confidence = &c
		}
		result.Outcome = models.Success{Payload: payloadJSON(inv.result.Output), Cached: cached}
		if cached {
			result.TokensUsed = 0
			result.Retries = 0
		} else {
			result.DurationMs = inv.result.Duration.Milliseconds()
			result.TokensUsed = inv.result.TokensUsed
			result.CostUSD = inv.result.CostUSD
		}
		o.recordUsage(ledger.Usage{
			Model:    opts.Model,
			Provider: inv.result.Provider,
			Tokens:   int64(result.TokensUsed),
			Cost:     result.CostUSD,
			Duration: inv.result.Duration,
			Success:  true,
			Cached:   cached,
		})
	}

	seq, persistProgress, deleted := o.recordResult(st, result)
	if deleted {
		return
	}
	o.persistResult(ctx, st, seq, result)
	if persistProgress {
		o.persistJob(ctx, st)
	}

	if metrics != nil && opts.CreateReviews && o.assessor != nil {
		score := metrics.OverallScore
		if _, err := o.assessor.CreateReview(ctx, quality.CreateReviewRequest{
			NodeID:       item.NodeID,
			BatchID:      job.ID,
			QualityScore: &score,
			Metrics:      metrics,
		}); err != nil {
			o.logger.Warn("failed to open review", "batch_id", job.ID, "node_id", item.NodeID, "error", err)
		}
	}
}

// recordResult appends the result and advances progress, emitting events while the job is running.
func (o *Orchestrator) recordResult(st *jobState, r models.BatchItemResult) (seq int, persist, deleted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.deleted {
		return 0, false, true
	}

	seq = len(st.results)
	st.results = append(st.results, r)
	st.job.ProcessedItems++
	if st.job.TotalItems > 0 {
		st.job.Progress = float64(st.job.ProcessedItems) / float64(st.job.TotalItems)
	}
	st.unpersisted++
	if st.unpersisted >= st.job.Options.BatchSize {
		st.unpersisted = 0
		persist = true
	}

	// No events after the terminal one.
	if st.job.Status != models.BatchStatusRunning {
		return seq, persist, false
	}
	o.emit(EventItemCompleted, st.job.ID, map[string]any{
		"node_id":     r.NodeID,
		"success":     r.Succeeded(),
		"cached":      r.Cached(),
		"retries":     r.Retries,
		"duration_ms": r.DurationMs,
		"processed":   st.job.ProcessedItems,
		"total":       st.job.TotalItems,
	})
	if f, ok := r.Outcome.(models.Failure); ok {
		o.emit(EventError, st.job.ID, map[string]any{
			"node_id":    r.NodeID,
			"error":      f.Message,
			"error_kind": f.Kind,
		})
	}
	o.emitProgressLocked(st)
	return seq, persist, false
}

// invokeWithRetry calls the provider with a per-call timeout, retrying retryable failures with
// exponential backoff. Non-retryable failures stop immediately.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, opts models.BatchOptions, op models.OperationKind, input string) invocation {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.backoffBase
	b.Multiplier = 2
	b.MaxInterval = o.backoffMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.Retries())), ctx)

	callOpts := provider.Options{
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		SystemPrompt: o.systemPrompt(op),
	}
	attempts := 0
	res, err := backoff.RetryWithData(func() (provider.Result, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
		defer cancel()

		res, err := o.invoker.Invoke(callCtx, opts.Model, input, callOpts)
		if err == nil {
			return res, nil
		}
		pe := provider.Classify(err)
		if !pe.Retryable() {
			return res, backoff.Permanent(pe)
		}
		return res, pe
	}, policy)

	inv := invocation{result: res, retries: max(0, attempts-1)}
	if err != nil {
		var pe *provider.Error
		if !errors.As(err, &pe) {
			pe = provider.Classify(err)
		}
		inv.err = pe
	}
	return inv
}

func (o *Orchestrator) cachedInvocation(ctx context.Context, key string) (invocation, bool) {
	if o.cache == nil {
		return invocation{}, false
	}
	hit, ok := o.cache.Get(ctx, key)
	if !ok {
		return invocation{}, false
	}
	return invocation{
		result: provider.Result{Output: hit.Output, Provider: hit.Provider, TokensUsed: hit.TokensUsed},
		cached: true,
	}, true
}

func (o *Orchestrator) recordUsage(u ledger.Usage) {
	if o.ledger != nil {
		o.ledger.RecordUsage(u)
	}
}

func countOutcomes(results []models.BatchItemResult) (ok, failed int) {
	for _, r := range results {
		if r.Succeeded() {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// inputText renders an item input for the provider: strings as-is, everything else as JSON.
func inputText(input any) string {
	if s, ok := input.(string); ok {
		return s
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(data)
}

// payloadJSON keeps JSON output as-is and wraps anything else as a JSON string.
func payloadJSON(output string) json.RawMessage {
	if json.Valid([]byte(output)) {
		return json.RawMessage(output)
	}
	data, _ := json.Marshal(output)
	return data
}
