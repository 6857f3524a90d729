package quality

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestCalculateQualityMetrics(t *testing.T) {
	tests := []struct {
		name  string
		in    Annotation
		score int
	}{
		{"empty", Annotation{}, 0},
		{"description only", Annotation{Description: "orders table"}, 30},
		{"whitespace description", Annotation{Description: "   "}, 0},
		{"description and tags", Annotation{Description: "d", Tags: []string{"sales"}}, 50},
		{"no schema", Annotation{Description: "d", Tags: []string{"a"}, BusinessArea: "finance", PIIClass: "none"}, 85},
		{"complete", Annotation{
			Description: "d", Tags: []string{"a"}, BusinessArea: "finance", PIIClass: "none",
			Fields: []Field{{Name: "id", Required: true, ValidationRules: 2}},
		}, 100},
		{"schema only", Annotation{Fields: []Field{{Name: "x"}}}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := CalculateQualityMetrics(tt.in)
			assert.Equal(t, tt.score, m.OverallScore)
			assert.InDelta(t, float64(tt.score)/100, m.Completeness, 1e-9)
		})
	}
}

func TestCalculateQualityMetricsDefaults(t *testing.T) {
	m := CalculateQualityMetrics(Annotation{})
	assert.Equal(t, DefaultConfidence, m.Confidence)
	assert.Equal(t, DefaultConsistency, m.Consistency)
	assert.True(t, m.ConfidenceDefaulted)
	assert.True(t, m.ConsistencyDefaulted)

	m = CalculateQualityMetrics(Annotation{Confidence: ptr(0.92)})
	assert.Equal(t, 0.92, m.Confidence)
	assert.False(t, m.ConfidenceDefaulted)
	assert.True(t, m.ConsistencyDefaulted)
}

func TestParseAnnotationSnakeCase(t *testing.T) {
	raw := []byte(`{
		"description": "Customer orders",
		"tags": ["sales", "orders"],
		"business_area": "commerce",
		"pii_classification": "low",
		"confidence": 0.8,
		"schema": {"fields": [
			{"name": "id", "type": "string", "required": true, "validation": ["uuid"]},
			{"name": "email", "type": "string", "required": true, "validation": ["email", "max:255"]},
			{"name": "note", "type": "string"}
		]}
	}`)
	a := ParseAnnotation(raw)
	assert.Equal(t, "Customer orders", a.Description)
	assert.Equal(t, []string{"sales", "orders"}, a.Tags)
	assert.Equal(t, "commerce", a.BusinessArea)
	assert.Equal(t, "low", a.PIIClass)
	require.NotNil(t, a.Confidence)
	assert.Equal(t, 0.8, *a.Confidence)

	m := CalculateQualityMetrics(a)
	assert.Equal(t, 100, m.OverallScore)
	assert.Equal(t, 3, m.FieldCount)
	assert.Equal(t, 2, m.RequiredFieldCount)
	assert.Equal(t, 3, m.ValidationRuleCount)
}

func TestParseAnnotationCamelCaseJSONSchema(t *testing.T) {
	raw := []byte(`{
		"summary": "Events",
		"labels": "a, b",
		"businessArea": "ops",
		"schema": {
			"properties": {
				"ts": {"type": "string", "format": "date-time"},
				"level": {"type": "string", "enum": ["info", "warn"], "maxLength": 5}
			},
			"required": ["ts"]
		}
	}`)
	a := ParseAnnotation(raw)
	assert.Equal(t, "Events", a.Description)
	assert.Equal(t, []string{"a", "b"}, a.Tags)
	assert.Equal(t, "ops", a.BusinessArea)
	require.Len(t, a.Fields, 2)
	assert.Equal(t, Field{Name: "level", Type: "string", ValidationRules: 2}, a.Fields[0])
	assert.Equal(t, Field{Name: "ts", Type: "string", Required: true, ValidationRules: 1}, a.Fields[1])

	m := CalculateQualityMetrics(a)
	assert.Equal(t, 85, m.OverallScore)
	assert.False(t, m.HasPIIClass)
}

func TestParseAnnotationPlainText(t *testing.T) {
	assert.Equal(t, Annotation{Description: "just text"}, ParseAnnotation([]byte("just text")))
	assert.Equal(t, Annotation{Description: "quoted"}, ParseAnnotation([]byte(`"quoted"`)))
	assert.Equal(t, Annotation{}, ParseAnnotation([]byte("")))
}

func TestParseAnnotationClampsConfidence(t *testing.T) {
	a := ParseAnnotation([]byte(`{"confidence": 1.7, "consistency": "high"}`))
	require.NotNil(t, a.Confidence)
	assert.Equal(t, 1.0, *a.Confidence)
	assert.Nil(t, a.Consistency)
}

func newTestAssessor(t *testing.T, s store.Store) (*Assessor, *time.Time) {
	t.Helper()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	a := NewAssessor(Config{Store: s, Extension: DailyExtension{}, Now: func() time.Time { return now }})
	return a, &now
}

func TestReviewWorkflow(t *testing.T) {
	ctx := context.Background()
	a, now := newTestAssessor(t, nil)

	r, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: "node-1", QualityScore: ptr(70)})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewPending, r.Status)
	assert.Nil(t, r.ReviewedAt)

	r, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Comments: ptr("looking")})
	require.NoError(t, err)
	assert.Nil(t, r.ReviewedAt, "non-status edits keep the review pending")

	reviewedAt := *now
	r, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Status: ptr(models.ReviewApproved), Reviewer: ptr("dana")})
	require.NoError(t, err)
	require.NotNil(t, r.ReviewedAt)
	assert.Equal(t, reviewedAt, *r.ReviewedAt)
	assert.Equal(t, "dana", *r.Reviewer)

	*now = now.Add(time.Hour)
	r, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Status: ptr(models.ReviewNeedsRevision), Comments: ptr("fix tags")})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewNeedsRevision, r.Status)
	assert.Equal(t, reviewedAt, *r.ReviewedAt, "reviewed_at is stamped once")
	assert.Equal(t, "fix tags", *r.Comments)

	_, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Status: ptr(models.ReviewPending)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviewValidation(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAssessor(t, nil)

	_, err := a.CreateReview(ctx, CreateReviewRequest{})
	assert.ErrorIs(t, err, ErrInvalidReview)
	_, err = a.CreateReview(ctx, CreateReviewRequest{NodeID: "n", QualityScore: ptr(101)})
	assert.ErrorIs(t, err, ErrInvalidReview)

	r, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: "n"})
	require.NoError(t, err)
	_, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Status: ptr(models.ReviewStatus("maybe"))})
	assert.ErrorIs(t, err, ErrInvalidReview)
	_, err = a.UpdateReview(ctx, "nope", UpdateReviewRequest{})
	assert.ErrorIs(t, err, ErrReviewNotFound)
	_, err = a.GetReview("nope")
	assert.ErrorIs(t, err, ErrReviewNotFound)
}

func TestGetReviewReturnsCopy(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAssessor(t, nil)
	r, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: "n", Metrics: &models.QualityMetrics{OverallScore: 50}})
	require.NoError(t, err)

	got, err := a.GetReview(r.ID)
	require.NoError(t, err)
	got.Status = models.ReviewRejected
	got.Metrics.OverallScore = 1

	again, _ := a.GetReview(r.ID)
	assert.Equal(t, models.ReviewPending, again.Status)
	assert.Equal(t, 50, again.Metrics.OverallScore)
}

func TestListReviews(t *testing.T) {
	ctx := context.Background()
	a, now := newTestAssessor(t, nil)

	for i, node := range []string{"a", "b", "a"} {
		*now = now.Add(time.Minute)
		_, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: node, BatchID: "batch-1", QualityScore: ptr(10 * (i + 1))})
		require.NoError(t, err)
	}

	all := a.ListReviews(ReviewFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, 30, *all[0].QualityScore, "most recent first")

	assert.Len(t, a.ListReviews(ReviewFilter{NodeID: "a"}), 2)
	assert.Len(t, a.ListReviews(ReviewFilter{Limit: 1}), 1)
	assert.Len(t, a.ListReviews(ReviewFilter{Status: models.ReviewApproved}), 0)
	assert.Len(t, a.ListReviews(ReviewFilter{BatchID: "other"}), 0)
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	a, now := newTestAssessor(t, nil)

	var ids []string
	for i := 0; i < 12; i++ {
		*now = now.Add(time.Hour)
		r, err := a.CreateReview(ctx, CreateReviewRequest{
			NodeID:       "n",
			QualityScore: ptr(50),
			Metrics:      &models.QualityMetrics{HasDescription: true},
		})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	_, err := a.UpdateReview(ctx, ids[0], UpdateReviewRequest{Status: ptr(models.ReviewApproved)})
	require.NoError(t, err)
	_, err = a.UpdateReview(ctx, ids[1], UpdateReviewRequest{Status: ptr(models.ReviewRejected), QualityScore: ptr(20)})
	require.NoError(t, err)

	d := a.GetDashboardData(ctx)
	assert.Equal(t, 12, d.Total)
	assert.Equal(t, 10, d.ByStatus[models.ReviewPending])
	assert.Equal(t, 1, d.ByStatus[models.ReviewApproved])
	assert.Equal(t, 1, d.ByStatus[models.ReviewRejected])
	assert.Equal(t, 0, d.ByStatus[models.ReviewNeedsRevision])
	assert.Len(t, d.Recent, 10)
	assert.Equal(t, ids[11], d.Recent[0].ID)
	require.NotNil(t, d.AverageScore)
	assert.InDelta(t, 47.5, *d.AverageScore, 1e-9)

	require.NotEmpty(t, d.Trends)
	var total int
	for _, p := range d.Trends {
		total += p.Reviews
	}
	assert.Equal(t, 12, total)
	assert.Equal(t, 12, d.IssueDistribution[IssueMissingTags])
	assert.Equal(t, 1, d.IssueDistribution[IssueRejected])
	assert.Zero(t, d.IssueDistribution[IssueMissingDescription])
}

func TestDashboardWithoutExtension(t *testing.T) {
	a := NewAssessor(Config{})
	d := a.GetDashboardData(context.Background())
	assert.Zero(t, d.Total)
	assert.Empty(t, d.Recent)
	assert.Nil(t, d.Trends)
	assert.Nil(t, d.AverageScore)
}

func TestReviewsPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a, _ := newTestAssessor(t, s)

	r, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: "n"})
	require.NoError(t, err)
	_, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{Status: ptr(models.ReviewApproved)})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "review/garbage", []byte("{")))

	restored, _ := newTestAssessor(t, s)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.GetReview(r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, got.Status)
	assert.NotNil(t, got.ReviewedAt)
}

// slowFirstStore delays the first write after arm is set and reports when it starts.
type slowFirstStore struct {
	store.Store
	arm     atomic.Bool
	entered chan struct{}
	delay   time.Duration
}

func (s *slowFirstStore) Set(ctx context.Context, key string, value []byte) error {
	if s.arm.CompareAndSwap(true, false) {
		close(s.entered)
		time.Sleep(s.delay)
	}
	return s.Store.Set(ctx, key, value)
}

func TestConcurrentUpdatesPersistLatestState(t *testing.T) {
	ctx := context.Background()
	s := &slowFirstStore{Store: store.NewMemoryStore(), entered: make(chan struct{}), delay: 50 * time.Millisecond}
	a, _ := newTestAssessor(t, s)

	r, err := a.CreateReview(ctx, CreateReviewRequest{NodeID: "n"})
	require.NoError(t, err)

	s.arm.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := a.UpdateReview(ctx, r.ID, UpdateReviewRequest{QualityScore: ptr(10)})
		done <- err
	}()
	<-s.entered
	_, err = a.UpdateReview(ctx, r.ID, UpdateReviewRequest{QualityScore: ptr(20)})
	require.NoError(t, err)
	require.NoError(t, <-done)

	mem, err := a.GetReview(r.ID)
	require.NoError(t, err)
	require.NotNil(t, mem.QualityScore)
	assert.Equal(t, 20, *mem.QualityScore)

	raw, err := s.Get(ctx, reviewPrefix+r.ID)
	require.NoError(t, err)
	var stored models.QAReview
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.NotNil(t, stored.QualityScore)
	assert.Equal(t, *mem.QualityScore, *stored.QualityScore, "store matches memory after racing updates")
}
