package models

import "time"

// ReviewStatus is the state of a QA review.
type ReviewStatus string

const (
	ReviewPending       ReviewStatus = "pending"
	ReviewApproved      ReviewStatus = "approved"
	ReviewRejected      ReviewStatus = "rejected"
	ReviewNeedsRevision ReviewStatus = "needs_revision"
)

// ReviewStatuses lists every review status in display order.
var ReviewStatuses = []ReviewStatus{ReviewPending, ReviewApproved, ReviewRejected, ReviewNeedsRevision}

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	for _, v := range ReviewStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// QualityMetrics is the structural-completeness assessment of one annotation.
type QualityMetrics struct {
	Completeness        float64 `json:"completeness"`
	Confidence          float64 `json:"confidence"`
	Consistency         float64 `json:"consistency"`
	OverallScore        int     `json:"overall_score"`
	HasDescription      bool    `json:"has_description"`
	TagCount            int     `json:"tag_count"`
	HasBusinessArea     bool    `json:"has_business_area"`
	HasPIIClass         bool    `json:"has_pii_class"`
	HasSchema           bool    `json:"has_schema"`
	FieldCount          int     `json:"field_count"`
	RequiredFieldCount  int     `json:"required_field_count"`
	ValidationRuleCount int     `json:"validation_rule_count"`
	// ConfidenceDefaulted and ConsistencyDefaulted mark fixed neutral values, not measurements.
	ConfidenceDefaulted  bool `json:"confidence_defaulted"`
	ConsistencyDefaulted bool `json:"consistency_defaulted"`
}

// QAReview tracks a reviewer's verdict on one annotated node.
type QAReview struct {
	ID           string          `json:"id"`
	NodeID       string          `json:"node_id"`
	BatchID      string          `json:"batch_id,omitempty"`
	Reviewer     *string         `json:"reviewer,omitempty"`
	Status       ReviewStatus    `json:"status"`
	QualityScore *int            `json:"quality_score,omitempty"`
	Metrics      *QualityMetrics `json:"metrics,omitempty"`
	Comments     *string         `json:"comments,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ReviewedAt   *time.Time      `json:"reviewed_at,omitempty"`
}
