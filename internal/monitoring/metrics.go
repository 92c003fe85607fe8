// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:    Total and successful manage() calls
//   - condensations:         Backend condensation attempts by outcome
//   - cache_hits/misses:     Chunk index performance
//   - tokens:                Original, final, and saved token counts
//   - truncations:           Emergency truncation activations
//   - estimated_counts:      Requests served with degraded token counting
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64

	// Condensation counters
	condensations   atomic.Int64
	condenseTimeout atomic.Int64
	condenseReject  atomic.Int64
	condenseErrors  atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64

	// Token counters
	totalOriginalTokens atomic.Int64
	totalFinalTokens    atomic.Int64
	totalTokensSaved    atomic.Int64

	// Fallback counters
	truncations     atomic.Int64
	overflowErrors  atomic.Int64
	estimatedCounts atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startedAt: time.Now()}
}

// RecordRequest records one manage() call.
func (mc *MetricsCollector) RecordRequest(success bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordCondensation records a condensation attempt by outcome name
// ("condensed", "timeout", "rejected", "backend_error").
func (mc *MetricsCollector) RecordCondensation(outcome string) {
	mc.condensations.Add(1)
	switch outcome {
	case "timeout":
		mc.condenseTimeout.Add(1)
	case "rejected":
		mc.condenseReject.Add(1)
	case "backend_error":
		mc.condenseErrors.Add(1)
	}
}

// RecordCacheHit records a chunk reused without a backend call.
func (mc *MetricsCollector) RecordCacheHit() { mc.cacheHits.Add(1) }

// RecordCacheMiss records a chunk that needed condensation work.
func (mc *MetricsCollector) RecordCacheMiss() { mc.cacheMisses.Add(1) }

// RecordTokens records token counts for a single request.
func (mc *MetricsCollector) RecordTokens(original, final int) {
	mc.totalOriginalTokens.Add(int64(original))
	mc.totalFinalTokens.Add(int64(final))
	if saved := original - final; saved > 0 {
		mc.totalTokensSaved.Add(int64(saved))
	}
}

// RecordTruncation records an emergency truncation firing.
func (mc *MetricsCollector) RecordTruncation() { mc.truncations.Add(1) }

// RecordOverflowError records an unresolvable overflow surfaced to a caller.
func (mc *MetricsCollector) RecordOverflowError() { mc.overflowErrors.Add(1) }

// RecordEstimatedCounts records a request served with estimated token counts.
func (mc *MetricsCollector) RecordEstimatedCounts() { mc.estimatedCounts.Add(1) }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()
	hits := mc.cacheHits.Load()
	misses := mc.cacheMisses.Load()

	var cacheHitRate float64
	if total := hits + misses; total > 0 {
		cacheHitRate = float64(hits) / float64(total) * 100
	}

	original := mc.totalOriginalTokens.Load()
	saved := mc.totalTokensSaved.Load()
	var savingsPercent float64
	if original > 0 {
		savingsPercent = float64(saved) / float64(original) * 100
	}

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
		},
		Tokens: TokenStatsData{
			OriginalTokens: original,
			FinalTokens:    mc.totalFinalTokens.Load(),
			TokensSaved:    saved,
			SavingsPercent: savingsPercent,
		},
		Condensation: CondensationStats{
			Attempts:      mc.condensations.Load(),
			Timeouts:      mc.condenseTimeout.Load(),
			Rejected:      mc.condenseReject.Load(),
			BackendErrors: mc.condenseErrors.Load(),
			CacheHits:     hits,
			CacheMisses:   misses,
			CacheHitRate:  cacheHitRate,
		},
		Fallback: FallbackStats{
			Truncations:     mc.truncations.Load(),
			OverflowErrors:  mc.overflowErrors.Load(),
			EstimatedCounts: mc.estimatedCounts.Load(),
		},
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
