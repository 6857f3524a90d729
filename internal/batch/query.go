package batch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
)

// DefaultHistoryLimit is the page size used when HistoryFilter.Limit is zero.
const DefaultHistoryLimit = 50

// Summary aggregates the item results of one job.
type Summary struct {
	Total        int `json:"total"`
	Processed    int `json:"processed"`
	Successful   int `json:"successful"`
	Failed       int `json:"failed"`
	Cached       int `json:"cached"`
	TotalRetries int `json:"total_retries"`
	TotalTokens  int `json:"total_tokens"`
	// TotalCostUSD sums provider-reported cost; cached items cost nothing.
	TotalCostUSD        float64  `json:"total_cost_usd"`
	AverageConfidence   *float64 `json:"average_confidence,omitempty"`
	AverageQualityScore *float64 `json:"average_quality_score,omitempty"`
	DurationP50Ms       int64    `json:"duration_p50_ms"`
	DurationP95Ms       int64    `json:"duration_p95_ms"`
	DurationP99Ms       int64    `json:"duration_p99_ms"`
}

// BatchWithResults is a job snapshot with its results in processing order.
type BatchWithResults struct {
	Job     *models.BatchJob         `json:"job"`
	Results []models.BatchItemResult `json:"results"`
	Summary Summary                  `json:"summary"`
}

// GetBatchWithResults returns the job, its results and their summary.
func (o *Orchestrator) GetBatchWithResults(id string) (*BatchWithResults, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	job, results := st.snapshot()
	return &BatchWithResults{
		Job:     job,
		Results: results,
		Summary: summarize(job, results),
	}, nil
}

func summarize(job *models.BatchJob, results []models.BatchItemResult) Summary {
	s := Summary{Total: job.TotalItems, Processed: len(results)}
	var (
		confSum, scoreSum float64
		confN, scoreN     int
	)
	durations := make([]int64, 0, len(results))
	for _, r := range results {
		if r.Succeeded() {
			s.Successful++
		} else {
			s.Failed++
		}
		if r.Cached() {
			s.Cached++
		}
		s.TotalRetries += r.Retries
		s.TotalTokens += r.TokensUsed
		s.TotalCostUSD += r.CostUSD
		if r.Confidence != nil {
			confSum += *r.Confidence
			confN++
		}
		if r.QualityScore != nil {
			scoreSum += float64(*r.QualityScore)
			scoreN++
		}
		durations = append(durations, r.DurationMs)
	}
	if confN > 0 {
		avg := confSum / float64(confN)
		s.AverageConfidence = &avg
	}
	if scoreN > 0 {
		avg := scoreSum / float64(scoreN)
		s.AverageQualityScore = &avg
	}
	slices.Sort(durations)
	s.DurationP50Ms = percentile(durations, 50)
	s.DurationP95Ms = percentile(durations, 95)
	s.DurationP99Ms = percentile(durations, 99)
	return s
}

// percentile returns the nearest-rank percentile of sorted values, or 0 when empty.
func percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	rank = min(max(rank, 1), n)
	return sorted[rank-1]
}

// HistoryFilter selects jobs for GetBatchHistory. Zero values match everything.
type HistoryFilter struct {
	Operation models.OperationKind
	Status    models.BatchStatus
	// Since and Until bound CreatedAt, both inclusive.
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// HistoryPage is one page of jobs, newest first.
type HistoryPage struct {
	Jobs   []*models.BatchJob `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// GetBatchHistory lists jobs matching f, newest first.
func (o *Orchestrator) GetBatchHistory(f HistoryFilter) HistoryPage {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	o.mu.RLock()
	states := make([]*jobState, 0, len(o.jobs))
	for _, st := range o.jobs {
		states = append(states, st)
	}
	o.mu.RUnlock()

	matched := make([]*models.BatchJob, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		job := st.job
		ok := !st.deleted &&
			(f.Operation == "" || job.Operation == f.Operation) &&
			(f.Status == "" || job.Status == f.Status) &&
			(f.Since.IsZero() || !job.CreatedAt.Before(f.Since)) &&
			(f.Until.IsZero() || !job.CreatedAt.After(f.Until))
		if ok {
			matched = append(matched, job.Clone())
		}
		st.mu.Unlock()
	}

	slices.SortFunc(matched, func(a, b *models.BatchJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	page := HistoryPage{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Jobs: []*models.BatchJob{}}
	if f.Offset < len(matched) {
		end := min(f.Offset+f.Limit, len(matched))
		page.Jobs = matched[f.Offset:end]
	}
	return page
}

// CleanupOldBatches removes jobs created before now minus daysToKeep days, along with their
// results and persisted keys. Zero means DefaultDaysToKeep. It returns the number of jobs removed.
func (o *Orchestrator) CleanupOldBatches(ctx context.Context, daysToKeep int) (int, error) {
	if daysToKeep < 0 {
		return 0, fmt.Errorf("%w: days to keep must not be negative", ErrInvalidRequest)
	}
	if daysToKeep == 0 {
		daysToKeep = DefaultDaysToKeep
	}
	cutoff := o.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	var removed []*jobState
	o.mu.Lock()
	for id, st := range o.jobs {
		st.mu.Lock()
		if st.job.CreatedAt.Before(cutoff) {
			st.deleted = true
			removed = append(removed, st)
			delete(o.jobs, id)
		}
		st.mu.Unlock()
	}
	o.mu.Unlock()

	var errs []error
	for _, st := range removed {
		// Wait for any in-flight snapshot write so it cannot land after the delete.
		st.persistMu.Lock()
		if err := o.deletePersisted(ctx, st.job.ID); err != nil {
			errs = append(errs, err)
		}
		st.persistMu.Unlock()
	}
	if len(removed) > 0 {
		o.logger.Info("removed old batch jobs", "count", len(removed), "days_to_keep", daysToKeep)
	}
	if len(errs) > 0 {
		return len(removed), fmt.Errorf("delete persisted batches: %w", errors.Join(errs...))
	}
	return len(removed), nil
}
