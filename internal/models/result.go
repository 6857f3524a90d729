package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FailureKind classifies why an item could not be annotated.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureTimeout   FailureKind = "timeout"
	FailureFatal     FailureKind = "fatal"
	FailureInvalid   FailureKind = "invalid"
	FailureInternal  FailureKind = "internal"
)

// Outcome is either a Success or a Failure.
type Outcome interface {
	isOutcome()
}

// Success carries the provider payload for an annotated item.
type Success struct {
	Payload json.RawMessage
	// Cached is set when the payload came from the annotation cache instead of a provider call.
	Cached bool
}

// Failure records the final error for an item that exhausted its retries.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// BatchItemResult is the append-only outcome for one processed item.
type BatchItemResult struct {
	NodeID       string
	Outcome      Outcome
	Retries      int
	DurationMs   int64
	TokensUsed   int
	CostUSD      float64
	QualityScore *int
	Confidence   *float64
	CreatedAt    time.Time
}

// Succeeded reports whether the item outcome is a Success.
func (r BatchItemResult) Succeeded() bool {
	_, ok := r.Outcome.(Success)
	return ok
}

// Cached reports whether the item was served from cache.
func (r BatchItemResult) Cached() bool {
	s, ok := r.Outcome.(Success)
	return ok && s.Cached
}

// ErrorText returns the failure message, or "" for successes.
func (r BatchItemResult) ErrorText() string {
	if f, ok := r.Outcome.(Failure); ok {
		return f.Message
	}
	return ""
}

// itemResultJSON is the flat wire form of BatchItemResult.
type itemResultJSON struct {
	NodeID       string          `json:"node_id"`
	Success      bool            `json:"success"`
	Cached       bool            `json:"cached,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    FailureKind     `json:"error_kind,omitempty"`
	Retries      int             `json:"retries"`
	DurationMs   int64           `json:"duration_ms"`
	TokensUsed   int             `json:"tokens_used,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	QualityScore *int            `json:"quality_score,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MarshalJSON flattens the outcome into success/result/error fields.
func (r BatchItemResult) MarshalJSON() ([]byte, error) {
	w := itemResultJSON{
		NodeID:       r.NodeID,
		Retries:      r.Retries,
		DurationMs:   r.DurationMs,
		TokensUsed:   r.TokensUsed,
		CostUSD:      r.CostUSD,
		QualityScore: r.QualityScore,
		Confidence:   r.Confidence,
		CreatedAt:    r.CreatedAt,
	}
	switch o := r.Outcome.(type) {
	case Success:
		w.Success = true
		w.Cached = o.Cached
		w.Result = o.Payload
	case Failure:
		w.Error = o.Message
		w.ErrorKind = o.Kind
	case nil:
		return nil, fmt.Errorf("item result %s has no outcome", r.NodeID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the tagged outcome from the flat wire form.
func (r *BatchItemResult) UnmarshalJSON(data []byte) error {
	var w itemResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = BatchItemResult{
		NodeID:       w.NodeID,
		Retries:      w.Retries,
		DurationMs:   w.DurationMs,
		TokensUsed:   w.TokensUsed,
		CostUSD:      w.CostUSD,
		QualityScore: w.QualityScore,
		Confidence:   w.Confidence,
		CreatedAt:    w.CreatedAt,
	}
	if w.Success {
		r.Outcome = Success{Payload: w.Result, Cached: w.Cached}
	} else {
		r.Outcome = Failure{Kind: w.ErrorKind, Message: w.Error}
	}
	return nil
}
