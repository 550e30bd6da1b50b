package models

type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
	TrendUnknown   TrendDirection = "unknown"
)

// PerformanceMetric summarises feedback for one task, per user or globally.
// Score and Trend are nil when there is not enough data to define them.
type PerformanceMetric struct {
	Task           Task           `json:"task"`
	Total          int            `json:"total_feedback"`
	Positive       int            `json:"positive_feedback"`
	Negative       int            `json:"negative_feedback"`
	Score          *float64       `json:"score"`
	BelowThreshold bool           `json:"below_threshold"`
	Trend          *float64       `json:"trend"`
	TrendDirection TrendDirection `json:"trend_direction"`
}
