// Package ledger accumulates per-model usage, cost and latency statistics.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
)

// ErrInvalidPeriod is returned for an unknown cost breakdown period.
var ErrInvalidPeriod = errors.New("invalid period")

// EventRetention bounds how long timestamped usage events are kept.
const EventRetention = 30 * 24 * time.Hour

// Score normalisation bounds and weights.
const (
	speedCeilingMs = 10000.0
	costCeiling    = 100.0

	weightSpeed       = 0.25
	weightAccuracy    = 0.35
	weightCost        = 0.20
	weightReliability = 0.20
)

// Usage is one completed (or cached) invocation.
type Usage struct {
	Model    string
	Provider string
	Tokens   int64
	Cost     float64
	Duration time.Duration
	Success  bool
	// Cached outcomes count as successful requests with zero cost and do not move the average duration.
	Cached bool
}

// usageEvent is a timestamped Usage kept for windowed cost queries.
type usageEvent struct {
	at       time.Time
	model    string
	provider string
	tokens   int64
	cost     float64
}

type recordKey struct {
	model    string
	provider string
}

// Ledger aggregates model usage records.
// All methods are thread-safe.
type Ledger struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[recordKey]*models.ModelUsageRecord
	events  []usageEvent
}

// New creates an empty ledger. A nil clock uses time.Now.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		now:     now,
		records: make(map[recordKey]*models.ModelUsageRecord),
	}
}

// RecordUsage folds one invocation into the (model, provider) record.
func (l *Ledger) RecordUsage(u Usage) {
	if u.Cached {
		u.Success = true
		u.Cost = 0
		u.Tokens = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	key := recordKey{model: u.Model, provider: u.Provider}
	rec, ok := l.records[key]
	if !ok {
		rec = &models.ModelUsageRecord{Model: u.Model, Provider: u.Provider}
		l.records[key] = rec
	}

	rec.TotalRequests++
	if u.Success {
		rec.SuccessfulRequests++
	} else {
		rec.FailedRequests++
	}
	if u.Cached {
		rec.CachedRequests++
	} else {
		invoked := rec.TotalRequests - rec.CachedRequests
		d := float64(u.Duration) / float64(time.Millisecond)
		rec.AverageDurationMs += (d - rec.AverageDurationMs) / float64(invoked)
	}
	rec.TotalTokens += u.Tokens
	rec.TotalCost += u.Cost
	rec.SuccessRate = float64(rec.SuccessfulRequests) / float64(rec.TotalRequests)
	rec.LastUsedAt = now

	l.events = append(l.events, usageEvent{
		at:       now,
		model:    u.Model,
		provider: u.Provider,
		tokens:   u.Tokens,
		cost:     u.Cost,
	})
	l.pruneLocked(now)
}

// pruneLocked drops events older than EventRetention. Events are appended in clock order.
// Caller must hold write lock.
func (l *Ledger) pruneLocked(now time.Time) {
	cutoff := now.Add(-EventRetention)
	i := sort.Search(len(l.events), func(i int) bool { return !l.events[i].at.Before(cutoff) })
	if i > 0 {
		l.events = append(l.events[:0:0], l.events[i:]...)
	}
}

// Record returns a copy of the (model, provider) record.
func (l *Ledger) Record(model, provider string) (models.ModelUsageRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[recordKey{model: model, provider: provider}]
	if !ok {
		return models.ModelUsageRecord{}, false
	}
	return *rec, true
}

// Records returns copies of every record, sorted by model then provider.
func (l *Ledger) Records() []models.ModelUsageRecord {
	l.mu.RLock()
	out := make([]models.ModelUsageRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Reset clears all records and events.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[recordKey]*models.ModelUsageRecord)
	l.events = nil
}

// ModelComparison scores one model. All scores are in [0,1].
type ModelComparison struct {
	Model         string  `json:"model"`
	Speed         float64 `json:"speed"`
	Accuracy      float64 `json:"accuracy"`
	Cost          float64 `json:"cost"`
	Reliability   float64 `json:"reliability"`
	Overall       float64 `json:"overall"`
	TotalRequests int64   `json:"total_requests"`
}

// CompareModels scores each named model and sorts by overall score, highest first.
// Models without usage score zero on every dimension.
func (l *Ledger) CompareModels(names []string) []ModelComparison {
	l.mu.RLock()
	out := make([]ModelComparison, 0, len(names))
	for _, name := range names {
		out = append(out, l.compareLocked(name))
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Overall > out[j].Overall })
	return out
}

// Rankings compares every model with recorded usage.
func (l *Ledger) Rankings() []ModelComparison {
	l.mu.RLock()
	seen := make(map[string]bool)
	var names []string
	for key := range l.records {
		if !seen[key.model] {
			seen[key.model] = true
			names = append(names, key.model)
		}
	}
	l.mu.RUnlock()

	sort.Strings(names)
	return l.CompareModels(names)
}

// compareLocked combines the model's records across providers.
// Caller must hold read lock.
func (l *Ledger) compareLocked(model string) ModelComparison {
	var (
		total, successful, invoked int64
		cost, durationSum          float64
	)
	for key, rec := range l.records {
		if key.model != model {
			continue
		}
		n := rec.TotalRequests - rec.CachedRequests
		total += rec.TotalRequests
		successful += rec.SuccessfulRequests
		invoked += n
		cost += rec.TotalCost
		durationSum += rec.AverageDurationMs * float64(n)
	}

	cmp := ModelComparison{Model: model, TotalRequests: total}
	if total == 0 {
		return cmp
	}

	avgDuration := 0.0
	if invoked > 0 {
		avgDuration = durationSum / float64(invoked)
	}
	successRate := float64(successful) / float64(total)

	cmp.Speed = math.Max(0, 1-avgDuration/speedCeilingMs)
	cmp.Accuracy = successRate
	cmp.Reliability = successRate
	cmp.Cost = math.Max(0, 1-cost/costCeiling)
	cmp.Overall = weightSpeed*cmp.Speed +
		weightAccuracy*cmp.Accuracy +
		weightCost*cmp.Cost +
		weightReliability*cmp.Reliability
	return cmp
}

// Period selects a cost breakdown window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a period name. Empty means day.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (want day, week or month)", ErrInvalidPeriod, s)
	}
}

// Window returns the period length.
func (p Period) Window() time.Duration {
	switch p {
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ModelCost is one (model, provider) line of a cost breakdown.
type ModelCost struct {
	Model    string  `json:"model"`
	Provider string  `json:"provider"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
}

// CostBreakdown aggregates usage events inside [Since, Until].
type CostBreakdown struct {
	Period        Period      `json:"period"`
	Since         time.Time   `json:"since"`
	Until         time.Time   `json:"until"`
	TotalCost     float64     `json:"total_cost"`
	TotalRequests int64       `json:"total_requests"`
	TotalTokens   int64       `json:"total_tokens"`
	Models        []ModelCost `json:"models"`
}

// GetCostBreakdown aggregates the usage events recorded within the period.
func (l *Ledger) GetCostBreakdown(period Period) (CostBreakdown, error) {
	if _, err := ParsePeriod(string(period)); err != nil {
		return CostBreakdown{}, err
	}
	if period == "" {
		period = PeriodDay
	}

	now := l.now()
	since := now.Add(-period.Window())
	out := CostBreakdown{Period: period, Since: since, Until: now, Models: []ModelCost{}}

	l.mu.RLock()
	byKey := make(map[recordKey]*ModelCost)
	for _, ev := range l.events {
		if ev.at.Before(since) || ev.at.After(now) {
			continue
		}
		key := recordKey{model: ev.model, provider: ev.provider}
		mc, ok := byKey[key]
		if !ok {
			mc = &ModelCost{Model: ev.model, Provider: ev.provider}
			byKey[key] = mc
		}
		mc.Cost += ev.cost
		mc.Requests++
		mc.Tokens += ev.tokens
	}
	l.mu.RUnlock()

	for _, mc := range byKey {
		out.TotalCost += mc.Cost
		out.TotalRequests += mc.Requests
		out.TotalTokens += mc.Tokens
		out.Models = append(out.Models, *mc)
	}
	sort.Slice(out.Models, func(i, j int) bool {
		if out.Models[i].Cost != out.Models[j].Cost {
			return out.Models[i].Cost > out.Models[j].Cost
		}
		if out.Models[i].Model != out.Models[j].Model {
			return out.Models[i].Model < out.Models[j].Model
		}
		return out.Models[i].Provider < out.Models[j].Provider
	})
	return out, nil
}
