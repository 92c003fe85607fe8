// Package monitoring types - stats and telemetry event shapes.
package monitoring

import "time"

// =============================================================================
// /stats RESPONSE
// =============================================================================

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartedAt     string            `json:"started_at"`
	Requests      RequestStats      `json:"requests"`
	Tokens        TokenStatsData    `json:"tokens"`
	Condensation  CondensationStats `json:"condensation"`
	Fallback      FallbackStats     `json:"fallback"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// TokenStatsData holds token savings metrics.
type TokenStatsData struct {
	OriginalTokens int64   `json:"original_tokens"`
	FinalTokens    int64   `json:"final_tokens"`
	TokensSaved    int64   `json:"tokens_saved"`
	SavingsPercent float64 `json:"savings_percent"`
}

// CondensationStats holds condensation pipeline metrics.
type CondensationStats struct {
	Attempts      int64   `json:"attempts"`
	Timeouts      int64   `json:"timeouts"`
	Rejected      int64   `json:"rejected"`
	BackendErrors int64   `json:"backend_errors"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

// FallbackStats holds emergency-path metrics.
type FallbackStats struct {
	Truncations     int64 `json:"truncations"`
	OverflowErrors  int64 `json:"overflow_errors"`
	EstimatedCounts int64 `json:"estimated_counts"`
}

// =============================================================================
// TELEMETRY EVENTS
// =============================================================================

// TelemetryConfig configures the JSONL event tracker.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string
	LogToStdout bool
}

// BudgetEvent records one manage() call for the JSONL log.
type BudgetEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	RequestID          string    `json:"request_id"`
	ContentClass       string    `json:"content_class"`
	HardLimit          int       `json:"hard_limit"`
	RiskLevel          string    `json:"risk_level"`
	UtilizationPercent float64   `json:"utilization_percent"`
	StrategyUsed       string    `json:"strategy_used"`
	OriginalTokens     int       `json:"original_tokens"`
	FinalTokens        int       `json:"final_tokens"`
	TokensSaved        int       `json:"tokens_saved"`
	ChunksTotal        int       `json:"chunks_total"`
	ChunksCondensed    int       `json:"chunks_condensed"`
	Truncated          bool      `json:"truncated"`
	MessagesRemoved    int       `json:"messages_removed"`
	EstimatedCounts    bool      `json:"estimated_counts"`
	DurationMs         int64     `json:"duration_ms"`
	Error              string    `json:"error,omitempty"`
}
