package models

import "time"

// ModelUsageRecord accumulates usage for one (model, provider) pair.
type ModelUsageRecord struct {
	Model              string    `json:"model"`
	Provider           string    `json:"provider"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	CachedRequests     int64     `json:"cached_requests"`
	TotalTokens        int64     `json:"total_tokens"`
	TotalCost          float64   `json:"total_cost"`
	AverageDurationMs  float64   `json:"average_duration_ms"`
	SuccessRate        float64   `json:"success_rate"`
	LastUsedAt         time.Time `json:"last_used_at"`
}
