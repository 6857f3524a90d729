package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/store"
)

// Review errors.
var (
	ErrReviewNotFound    = errors.New("review not found")
	ErrInvalidTransition = errors.New("invalid review transition")
	ErrInvalidReview     = errors.New("invalid review")
)

const (
	reviewPrefix       = "review/"
	recentReviewsLimit = 10
)

// DashboardExtension contributes trend and issue data to the dashboard.
type DashboardExtension interface {
	Trends(ctx context.Context, reviews []models.QAReview) ([]TrendPoint, error)
	IssueDistribution(ctx context.Context, reviews []models.QAReview) (map[string]int, error)
}

// TrendPoint is one bucket of a review trend.
type TrendPoint struct {
	Date         string   `json:"date"`
	Reviews      int      `json:"reviews"`
	Approved     int      `json:"approved"`
	AverageScore *float64 `json:"average_score,omitempty"`
}

// Dashboard aggregates review state.
type Dashboard struct {
	Total             int                         `json:"total"`
	ByStatus          map[models.ReviewStatus]int `json:"by_status"`
	AverageScore      *float64                    `json:"average_score,omitempty"`
	Recent            []models.QAReview           `json:"recent"`
	Trends            []TrendPoint                `json:"trends,omitempty"`
	IssueDistribution map[string]int              `json:"issue_distribution,omitempty"`
}

// CreateReviewRequest opens a review.
type CreateReviewRequest struct {
	NodeID       string                 `json:"node_id"`
	BatchID      string                 `json:"batch_id,omitempty"`
	Reviewer     *string                `json:"reviewer,omitempty"`
	QualityScore *int                   `json:"quality_score,omitempty"`
	Metrics      *models.QualityMetrics `json:"metrics,omitempty"`
	Comments     *string                `json:"comments,omitempty"`
}

// UpdateReviewRequest changes a review. Nil fields are left untouched.
type UpdateReviewRequest struct {
	Status       *models.ReviewStatus `json:"status,omitempty"`
	Reviewer     *string              `json:"reviewer,omitempty"`
	QualityScore *int                 `json:"quality_score,omitempty"`
	Comments     *string              `json:"comments,omitempty"`
}

// ReviewFilter selects reviews. Zero values match everything.
type ReviewFilter struct {
	NodeID  string
	BatchID string
	Status  models.ReviewStatus
	Limit   int
}

// Config configures an Assessor.
type Config struct {
	Store     store.Store
	Extension DashboardExtension
	Logger    *slog.Logger
	Now       func() time.Time
}

// Assessor owns QA reviews.
// All methods are thread-safe.
type Assessor struct {
	mu      sync.RWMutex
	reviews map[string]*models.QAReview
	// writeMu orders store writes per review id. Guarded by mu.
	writeMu map[string]*sync.Mutex

	store     store.Store
	extension DashboardExtension
	logger    *slog.Logger
	now       func() time.Time
}

// NewAssessor creates an empty assessor. Call Restore to load persisted reviews.
func NewAssessor(cfg Config) *Assessor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assessor{
		reviews:   make(map[string]*models.QAReview),
		writeMu:   make(map[string]*sync.Mutex),
		store:     cfg.Store,
		extension: cfg.Extension,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Restore loads persisted reviews. Undecodable entries are skipped.
func (a *Assessor) Restore(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	keys, err := a.store.List(ctx, reviewPrefix)
	if err != nil {
		return 0, fmt.Errorf("list reviews: %w", err)
	}

	loaded := 0
	for _, key := range keys {
		data, err := a.store.Get(ctx, key)
		if err != nil {
			a.logger.Warn("failed to read review", "key", key, "error", err)
			continue
		}
		var r models.QAReview
		if err := json.Unmarshal(data, &r); err != nil || r.ID == "" {
			a.logger.Warn("skipping corrupt review", "key", key, "error", err)
			continue
		}
		a.mu.Lock()
		a.reviews[r.ID] = &r
		a.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// CreateReview opens a pending review.
func (a *Assessor) CreateReview(ctx context.Context, req CreateReviewRequest) (*models.QAReview, error) {
	if strings.TrimSpace(req.NodeID) == "" {
		return nil, fmt.Errorf("%w: node_id is required", ErrInvalidReview)
	}
	if err := validateScore(req.QualityScore); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate review id: %w", err)
	}
	r := &models.QAReview{
		ID:           id.String(),
		NodeID:       req.NodeID,
		BatchID:      req.BatchID,
		Reviewer:     req.Reviewer,
		Status:       models.ReviewPending,
		QualityScore: req.QualityScore,
		Metrics:      req.Metrics,
		Comments:     req.Comments,
		CreatedAt:    a.now().UTC(),
	}

	a.mu.Lock()
	a.reviews[r.ID] = r
	snapshot := cloneReview(r)
	a.mu.Unlock()

	a.persist(ctx, r.ID)
	a.logger.Debug("review created", "review_id", r.ID, "node_id", r.NodeID)
	return snapshot, nil
}

// UpdateReview applies req. ReviewedAt is stamped the first time the status leaves pending.
func (a *Assessor) UpdateReview(ctx context.Context, id string, req UpdateReviewRequest) (*models.QAReview, error) {
	if err := validateScore(req.QualityScore); err != nil {
		return nil, err
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidReview, *req.Status)
	}

	a.mu.Lock()
	r, ok := a.reviews[id]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrReviewNotFound, id)
	}
	if req.Status != nil {
		if *req.Status == models.ReviewPending && r.Status != models.ReviewPending {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, *req.Status)
		}
		r.Status = *req.Status
		if r.Status != models.ReviewPending && r.ReviewedAt == nil {
			now := a.now().UTC()
			r.ReviewedAt = &now
		}
	}
	if req.Reviewer != nil {
		r.Reviewer = req.Reviewer
	}
	if req.QualityScore != nil {
		r.QualityScore = req.QualityScore
	}
	if req.Comments != nil {
		r.Comments = req.Comments
	}
	snapshot := cloneReview(r)
	a.mu.Unlock()

	a.persist(ctx, id)
	return snapshot, nil
}

// GetReview returns a copy of the review.
func (a *Assessor) GetReview(id string) (*models.QAReview, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReviewNotFound, id)
	}
	return cloneReview(r), nil
}

// ListReviews returns matching reviews, most recent first.
func (a *Assessor) ListReviews(f ReviewFilter) []models.QAReview {
	a.mu.RLock()
	out := make([]models.QAReview, 0, len(a.reviews))
	for _, r := range a.reviews {
		if f.NodeID != "" && r.NodeID != f.NodeID {
			continue
		}
		if f.BatchID != "" && r.BatchID != f.BatchID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *cloneReview(r))
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y models.QAReview) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(y.ID, x.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetDashboardData aggregates review counts and the most recent reviews.
// Extension failures are logged and leave their sections empty.
func (a *Assessor) GetDashboardData(ctx context.Context) Dashboard {
	all := a.ListReviews(ReviewFilter{})

	d := Dashboard{
		Total:    len(all),
		ByStatus: make(map[models.ReviewStatus]int, len(models.ReviewStatuses)),
	}
	for _, s := range models.ReviewStatuses {
		d.ByStatus[s] = 0
	}
	var scoreSum, scored int
	for _, r := range all {
		d.ByStatus[r.Status]++
		if r.QualityScore != nil {
			scoreSum += *r.QualityScore
			scored++
		}
	}
	if scored > 0 {
		avg := float64(scoreSum) / float64(scored)
		d.AverageScore = &avg
	}
	d.Recent = all[:min(recentReviewsLimit, len(all))]

	if a.extension != nil {
		trends, err := a.extension.Trends(ctx, all)
		if err != nil {
			a.logger.Warn("dashboard trends failed", "error", err)
		}
		d.Trends = trends
		issues, err := a.extension.IssueDistribution(ctx, all)
		if err != nil {
			a.logger.Warn("dashboard issue distribution failed", "error", err)
		}
		d.IssueDistribution = issues
	}
	return d
}

// persist writes the latest state of review id. Writes for one review are
// serialized and each reads the review under the write lock, so the store
// never ends on an older state than memory.
func (a *Assessor) persist(ctx context.Context, id string) {
	if a.store == nil {
		return
	}
	a.mu.Lock()
	mu, ok := a.writeMu[id]
	if !ok {
		mu = &sync.Mutex{}
		a.writeMu[id] = mu
	}
	a.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	a.mu.RLock()
	cur, ok := a.reviews[id]
	var r *models.QAReview
	if ok {
		r = cloneReview(cur)
	}
	a.mu.RUnlock()
	if r == nil {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		a.logger.Warn("failed to encode review", "review_id", r.ID, "error", err)
		return
	}
	if err := a.store.Set(ctx, reviewPrefix+r.ID, data); err != nil {
		a.logger.Warn("failed to persist review", "review_id", r.ID, "error", err)
	}
}

func validateScore(score *int) error {
	if score != nil && (*score < 0 || *score > 100) {
		return fmt.Errorf("%w: quality_score %d out of range [0,100]", ErrInvalidReview, *score)
	}
	return nil
}

func cloneReview(r *models.QAReview) *models.QAReview {
	c := *r
	if r.Metrics != nil {
		m := *r.Metrics
		c.Metrics = &m
	}
	return &c
}
