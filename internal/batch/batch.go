// Package batch orchestrates bulk annotation jobs against AI providers.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/annotator/internal/cache"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/provider"
	"github.com/raphaelgruber/annotator/internal/quality"
	"github.com/raphaelgruber/annotator/internal/source"
	"github.com/raphaelgruber/annotator/internal/store"
	"golang.org/x/sync/singleflight"
)

// Orchestrator errors.
var (
	ErrJobNotFound    = errors.New("batch job not found")
	ErrInvalidRequest = errors.New("invalid batch request")
	ErrNotRunnable    = errors.New("batch job is not runnable")
)

// Event types emitted to the EventSink.
const (
	EventCreated       = "batch:created"
	EventProgress      = "batch:progress"
	EventCompleted     = "batch:completed"
	EventFailed        = "batch:failed"
	EventCancelled     = "batch:cancelled"
	EventItemCompleted = "batch:item_completed"
	EventError         = "batch:error"
)

// Defaults for Config.
const (
	DefaultBackoffBase          = 200 * time.Millisecond
	DefaultBackoffMax           = 5 * time.Second
	DefaultMaxConcurrentBatches = 2
	DefaultDaysToKeep           = 30
)

// Invoker calls a model. Errors should be *provider.Error; others are classified as transient.
type Invoker interface {
	Invoke(ctx context.Context, model, input string, opts provider.Options) (provider.Result, error)
}

// EventSink receives lifecycle events. Emit is called while a job lock is held and must not block.
type EventSink interface {
	Emit(eventType string, payload map[string]any)
}

// ItemSource enumerates the items selected by a job's filter.
type ItemSource interface {
	Items(ctx context.Context, filter map[string]any) ([]source.Item, error)
}

// CachedResponse is the cached form of a successful provider call.
type CachedResponse struct {
	Output     string `json:"output"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
}

// Config wires an Orchestrator. Invoker and Source are required.
type Config struct {
	Invoker  Invoker
	Source   ItemSource
	Events   EventSink
	Cache    *cache.Cache[CachedResponse]
	Ledger   *ledger.Ledger
	Assessor *quality.Assessor
	Store    store.Store
	Logger   *slog.Logger
	Now      func() time.Time

	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxConcurrentBatches int
	// SystemPrompt returns the instruction sent with every item of an operation.
	SystemPrompt func(models.OperationKind) string
}

type noopSink struct{}

func (noopSink) Emit(string, map[string]any) {}

// Orchestrator owns batch jobs and drives their execution.
// All methods are thread-safe.
type Orchestrator struct {
	mu   sync.RWMutex
	jobs map[string]*jobState

	invoker      Invoker
	source       ItemSource
	events       EventSink
	cache        *cache.Cache[CachedResponse]
	ledger       *ledger.Ledger
	assessor     *quality.Assessor
	store        store.Store
	logger       *slog.Logger
	now          func() time.Time
	backoffBase  time.Duration
	backoffMax   time.Duration
	systemPrompt func(models.OperationKind) string

	flight singleflight.Group
	sched  *scheduler
}

// New creates an orchestrator. Call Restore to load persisted jobs and Start to run the scheduler.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("batch: invoker is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("batch: item source is required")
	}
	if cfg.Events == nil {
		cfg.Events = noopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	o := &Orchestrator{
		jobs:         make(map[string]*jobState),
		invoker:      cfg.Invoker,
		source:       cfg.Source,
		events:       cfg.Events,
		cache:        cfg.Cache,
		ledger:       cfg.Ledger,
		assessor:     cfg.Assessor,
		store:        cfg.Store,
		logger:       cfg.Logger,
		now:          cfg.Now,
		backoffBase:  cfg.BackoffBase,
		backoffMax:   cfg.BackoffMax,
		systemPrompt: cfg.SystemPrompt,
	}
	o.sched = newScheduler(o, cfg.MaxConcurrentBatches)
	return o, nil
}

// DefaultSystemPrompt asks for a JSON annotation for annotate jobs and plain output otherwise.
func DefaultSystemPrompt(op models.OperationKind) string {
	if op == models.OperationAnnotate {
		return "Annotate the data asset described by the user. Reply with one JSON object with the keys " +
			"description, tags, business_area, pii_classification, confidence and schema.fields " +
			"(name, type, required, validation)."
	}
	return fmt.Sprintf("Perform the %q operation on the input. Reply with JSON.", op)
}

// Close stops the scheduler and retention loop and waits for running jobs to stop.
func (o *Orchestrator) Close() {
	o.sched.close()
}

// CreateRequest describes a new batch job.
type CreateRequest struct {
	Name        string               `json:"name,omitempty"`
	Description string               `json:"description,omitempty"`
	Operation   models.OperationKind `json:"operation"`
	Filter      map[string]any       `json:"filter,omitempty"`
	Options     models.BatchOptions  `json:"options"`
}

// Validate checks the request before any state is created.
func (r CreateRequest) Validate() error {
	var problems []string
	if !r.Operation.Valid() {
		problems = append(problems, fmt.Sprintf("unknown operation %q", r.Operation))
	}
	o := r.Options
	if strings.TrimSpace(o.Model) == "" {
		problems = append(problems, "options.model is required")
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		problems = append(problems, "options.temperature must be within [0,2]")
	}
	if o.MaxTokens < 0 {
		problems = append(problems, "options.max_tokens must not be negative")
	}
	if o.BatchSize < 0 {
		problems = append(problems, "options.batch_size must not be negative")
	}
	if o.RetryAttempts != nil && (*o.RetryAttempts < 0 || *o.RetryAttempts > models.MaxRetryAttempts) {
		problems = append(problems, fmt.Sprintf("options.retry_attempts must be within [0,%d]", models.MaxRetryAttempts))
	}
	if o.TimeoutMs < 0 {
		problems = append(problems, "options.timeout_ms must not be negative")
	}
	if !o.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", o.Priority))
	}
	if o.ParallelRequests < 0 || o.ParallelRequests > models.MaxParallelRequests {
		problems = append(problems, fmt.Sprintf("options.parallel_requests must be within [0,%d]", models.MaxParallelRequests))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Create allocates a pending job and emits batch:created.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.BatchJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	job := &models.BatchJob{
		ID:          id.String(),
		Name:        req.Name,
		Description: req.Description,
		Operation:   req.Operation,
		Filter:      req.Filter,
		Options:     req.Options.WithDefaults(),
		Status:      models.BatchStatusPending,
		CreatedAt:   o.now().UTC(),
	}
	st := newJobState(job.Clone())

	o.mu.Lock()
	o.jobs[job.ID] = st
	o.mu.Unlock()

	st.mu.Lock()
	o.emit(EventCreated, job.ID, map[string]any{
		"operation": job.Operation,
		"name":      job.Name,
		"status":    job.Status,
		"priority":  job.Options.Priority,
	})
	st.mu.Unlock()

	o.persistJob(ctx, st)
	o.logger.Info("batch created", "batch_id", job.ID, "operation", job.Operation, "model", job.Options.Model)
	return job, nil
}

// Cancel stops a pending or running job. It returns false for jobs already in a terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	st, err := o.get(id)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	if st.job.Status.Terminal() {
		st.mu.Unlock()
		return false, nil
	}
	o.finishLocked(st, models.BatchStatusCancelled, "")
	o.emit(EventCancelled, id, map[string]any{
		"processed": st.job.ProcessedItems,
		"total":     st.job.TotalItems,
	})
	st.mu.Unlock()

	o.persistJob(ctx, st)
	o.logger.Info("batch cancelled", "batch_id", id)
	return true, nil
}

// Get returns a snapshot of the job.
func (o *Orchestrator) Get(id string) (*models.BatchJob, error) {
	st, err := o.get(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.job.Clone(), nil
}

func (o *Orchestrator) get(id string) (*jobState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return st, nil
}

// emit sends an event whose payload always carries the batch id.
func (o *Orchestrator) emit(eventType, id string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["batch_id"] = id
	o.events.Emit(eventType, payload)
}

// finishLocked moves the job into a terminal state, stamping CompletedAt once.
// Caller must hold st.mu.
func (o *Orchestrator) finishLocked(st *jobState, to models.BatchStatus, errText string) {
	if err := models.ValidateTransition(st.job.Status, to); err != nil {
		o.logger.Warn("ignored batch transition", "batch_id", st.job.ID, "error", err)
		return
	}
	st.job.Status = to
	if errText != "" {
		st.job.Error = errText
	}
	if st.job.CompletedAt == nil {
		now := o.now().UTC()
		st.job.CompletedAt = &now
	}
}
