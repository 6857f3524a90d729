// Package models defines the data structures shared by the batch annotation subsystem.
package models

import (
	"fmt"
	"time"
)

// OperationKind identifies what a batch job does with its items.
// It doubles as the cache namespace for the job's provider responses.
type OperationKind string

const (
	OperationAnnotate  OperationKind = "annotate"
	OperationImport    OperationKind = "import"
	OperationExport    OperationKind = "export"
	OperationTransform OperationKind = "transform"
	OperationReport    OperationKind = "report"
	OperationValidate  OperationKind = "validate"
	OperationCleanup   OperationKind = "cleanup"
)

// OperationKinds lists every supported operation.
var OperationKinds = []OperationKind{
	OperationAnnotate,
	OperationImport,
	OperationExport,
	OperationTransform,
	OperationReport,
	OperationValidate,
	OperationCleanup,
}

// Valid reports whether k is one of the supported operations.
func (k OperationKind) Valid() bool {
	for _, op := range OperationKinds {
		if k == op {
			return true
		}
	}
	return false
}

// BatchStatus represents the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusPending, BatchStatusRunning, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending: {BatchStatusRunning, BatchStatusCancelled},
	BatchStatusRunning: {BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled},
}

// ValidateTransition returns an error unless from -> to is an edge of the batch state machine.
func ValidateTransition(from, to BatchStatus) error {
	for _, next := range batchTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid batch transition %s -> %s", from, to)
}

// Priority orders pending jobs in the scheduler queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to a comparable integer; unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is empty (defaulted) or a known priority.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Option defaults applied by BatchOptions.WithDefaults.
const (
	DefaultBatchSize        = 10
	DefaultRetryAttempts    = 3
	DefaultTimeout          = 60 * time.Second
	DefaultParallelRequests = 4
	MaxRetryAttempts        = 10
	MaxParallelRequests     = 64
)

// BatchOptions configures how a batch job invokes the provider.
type BatchOptions struct {
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// BatchSize is the number of processed items between persisted progress snapshots.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	// RetryAttempts is a pointer so an explicit zero disables retries.
	RetryAttempts    *int     `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	TimeoutMs        int64    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Priority         Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	ParallelRequests int      `json:"parallel_requests,omitempty" yaml:"parallel_requests,omitempty"`
	// CreateReviews opens a pending QA review for every successful item.
	CreateReviews bool `json:"create_reviews,omitempty" yaml:"create_reviews,omitempty"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (o BatchOptions) WithDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RetryAttempts == nil {
		n := DefaultRetryAttempts
		o.RetryAttempts = &n
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = DefaultTimeout.Milliseconds()
	}
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	if o.ParallelRequests <= 0 {
		o.ParallelRequests = DefaultParallelRequests
	}
	return o
}

// Timeout returns the per-call provider timeout.
func (o BatchOptions) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Retries returns the configured retry budget, or the default when unset.
func (o BatchOptions) Retries() int {
	if o.RetryAttempts == nil {
		return DefaultRetryAttempts
	}
	return *o.RetryAttempts
}

// BatchJob is one request to process a set of items, tracked as a single lifecycle object.
type BatchJob struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	Operation      OperationKind  `json:"operation"`
	Filter         map[string]any `json:"filter,omitempty"`
	Options        BatchOptions   `json:"options"`
	Status         BatchStatus    `json:"status"`
	Progress       float64        `json:"progress"`
	TotalItems     int            `json:"total_items"`
	ProcessedItems int            `json:"processed_items"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	// QueuedAt is set when the job is handed to the scheduler; only queued
	// pending jobs are resumed after a restart.
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for handing out snapshots.
func (j *BatchJob) Clone() *BatchJob {
	c := *j
	if j.Filter != nil {
		c.Filter = make(map[string]any, len(j.Filter))
		for k, v := range j.Filter {
			c.Filter[k] = v
		}
	}
	if j.Options.RetryAttempts != nil {
		n := *j.Options.RetryAttempts
		c.Options.RetryAttempts = &n
	}
	if j.QueuedAt != nil {
		t := *j.QueuedAt
		c.QueuedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
