// Package budget - risk.go classifies token pressure against a hard limit.
//
// DESIGN: Pure arithmetic, no I/O. Utilization thresholds partition the
// range into five ordered levels; each level maps deterministically onto a
// management strategy. Risk is monotonic: a higher token count never yields
// a lower level for the same limit.
package budget

import "github.com/contextwarden/gateway/internal/config"

// =============================================================================
// RISK LEVELS
// =============================================================================

// RiskLevel classifies how close a conversation is to its hard limit.
// Levels are ordered: Safe < Caution < Warning < Critical < Overflow.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskCaution
	RiskWarning
	RiskCritical
	RiskOverflow
)

// String returns the wire name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskCaution:
		return "caution"
	case RiskWarning:
		return "warning"
	case RiskCritical:
		return "critical"
	case RiskOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// =============================================================================
// MANAGEMENT STRATEGIES
// =============================================================================

// Strategy is the budget response chosen for a risk level.
type Strategy string

const (
	StrategyMonitorOnly        Strategy = "monitor_only"
	StrategyCondenseLight      Strategy = "condense_light"
	StrategyCondenseAggressive Strategy = "condense_aggressive"
	StrategyEmergencyTruncate  Strategy = "emergency_truncate"
)

// =============================================================================
// ANALYZER
// =============================================================================

// Analysis is the result of one risk classification.
type Analysis struct {
	Level              RiskLevel
	CurrentTokens      int
	HardLimit          int
	UtilizationPercent float64
	AvailableTokens    int
	Recommended        Strategy
}

// RiskAnalyzer classifies token counts using configured thresholds.
type RiskAnalyzer struct {
	cfg config.RiskConfig
}

// NewRiskAnalyzer creates an analyzer with the given thresholds.
func NewRiskAnalyzer(cfg config.RiskConfig) *RiskAnalyzer {
	return &RiskAnalyzer{cfg: cfg}
}

// Analyze classifies currentTokens against hardLimit. Synchronous and
// allocation-free; sub-millisecond by construction.
func (ra *RiskAnalyzer) Analyze(currentTokens, hardLimit int) Analysis {
	utilization := 0.0
	if hardLimit > 0 {
		utilization = float64(currentTokens) / float64(hardLimit) * 100
	}

	level := RiskSafe
	switch {
	case utilization >= 100:
		level = RiskOverflow
	case utilization >= ra.cfg.Critical:
		level = RiskCritical
	case utilization >= ra.cfg.Warning:
		level = RiskWarning
	case utilization >= ra.cfg.Caution:
		level = RiskCaution
	}

	available := hardLimit - currentTokens
	if available < 0 {
		available = 0
	}

	return Analysis{
		Level:              level,
		CurrentTokens:      currentTokens,
		HardLimit:          hardLimit,
		UtilizationPercent: utilization,
		AvailableTokens:    available,
		Recommended:        recommendedStrategy(level),
	}
}

// recommendedStrategy is the fixed level-to-strategy mapping.
func recommendedStrategy(level RiskLevel) Strategy {
	switch level {
	case RiskWarning:
		return StrategyCondenseLight
	case RiskCritical:
		return StrategyCondenseAggressive
	case RiskOverflow:
		return StrategyEmergencyTruncate
	default:
		return StrategyMonitorOnly
	}
}
