package quality

import (
	"context"
	"sort"

	"github.com/raphaelgruber/annotator/internal/models"
)

// Issue names reported by DailyExtension.IssueDistribution.
const (
	IssueMissingDescription  = "missing_description"
	IssueMissingTags         = "missing_tags"
	IssueMissingBusinessArea = "missing_business_area"
	IssueMissingPIIClass     = "missing_pii_class"
	IssueMissingSchema       = "missing_schema"
	IssueNeedsRevision       = "needs_revision"
	IssueRejected            = "rejected"
)

// DailyExtension buckets reviews per UTC creation day and counts structural gaps.
type DailyExtension struct {
	// Days limits trends to the most recent days with reviews. Zero keeps all.
	Days int
}

var _ DashboardExtension = DailyExtension{}

func (e DailyExtension) Trends(_ context.Context, reviews []models.QAReview) ([]TrendPoint, error) {
	type bucket struct {
		reviews, approved, scored, scoreSum int
	}
	buckets := make(map[string]*bucket)
	for _, r := range reviews {
		day := r.CreatedAt.UTC().Format("2006-01-02")
		b, ok := buckets[day]
		if !ok {
			b = &bucket{}
			buckets[day] = b
		}
		b.reviews++
		if r.Status == models.ReviewApproved {
			b.approved++
		}
		if r.QualityScore != nil {
			b.scored++
			b.scoreSum += *r.QualityScore
		}
	}

	days := make([]string, 0, len(buckets))
	for d := range buckets {
		days = append(days, d)
	}
	sort.Strings(days)
	if e.Days > 0 && len(days) > e.Days {
		days = days[len(days)-e.Days:]
	}

	out := make([]TrendPoint, 0, len(days))
	for _, d := range days {
		b := buckets[d]
		p := TrendPoint{Date: d, Reviews: b.reviews, Approved: b.approved}
		if b.scored > 0 {
			avg := float64(b.scoreSum) / float64(b.scored)
			p.AverageScore = &avg
		}
		out = append(out, p)
	}
	return out, nil
}

func (DailyExtension) IssueDistribution(_ context.Context, reviews []models.QAReview) (map[string]int, error) {
	out := make(map[string]int)
	for _, r := range reviews {
		switch r.Status {
		case models.ReviewNeedsRevision:
			out[IssueNeedsRevision]++
		case models.ReviewRejected:
			out[IssueRejected]++
		}
		m := r.Metrics
		if m == nil {
			continue
		}
		if !m.HasDescription {
			out[IssueMissingDescription]++
		}
		if m.TagCount == 0 {
			out[IssueMissingTags]++
		}
		if !m.HasBusinessArea {
			out[IssueMissingBusinessArea]++
		}
		if !m.HasPIIClass {
			out[IssueMissingPIIClass]++
		}
		if !m.HasSchema {
			out[IssueMissingSchema]++
		}
	}
	return out, nil
}
