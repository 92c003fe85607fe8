// Package budget - manager.go orchestrates the budget decision per request.
//
// DESIGN: State machine per manage() call:
//
//	ANALYZE -> monitor_only:            done
//	        -> condense_*:              PARTITION -> DISPATCH -> REMEASURE
//	                                    -> (fits: done | not: EMERGENCY)
//	        -> emergency (overflow):    DISPATCH (aggressive) -> REMEASURE
//	                                    -> EMERGENCY
//
// Overflow still attempts aggressive condensation before truncating: the
// truncator permanently discards content and must never fire when
// condensation alone can achieve a fit. Every failure inside the pipeline
// is absorbed and reflected in metadata; the only error surfaced to the
// caller is ErrOverflowUnresolvable.
package budget

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/contextwarden/gateway/internal/chunk"
	"github.com/contextwarden/gateway/internal/condense"
	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
	"github.com/contextwarden/gateway/internal/monitoring"
)

// Metadata describes what the budget pipeline did to one conversation.
type Metadata struct {
	RiskLevel            string  `json:"risk_level"`
	UtilizationPercent   float64 `json:"utilization_percent"`
	StrategyRecommended  string  `json:"strategy_recommended"`
	StrategyUsed         string  `json:"strategy_used"`
	OriginalTokens       int     `json:"original_tokens"`
	FinalTokens          int     `json:"final_tokens"`
	TokensSaved          int     `json:"tokens_saved"`
	ChunksTotal          int     `json:"chunks_total"`
	ChunksCondensed      int     `json:"chunks_condensed"`
	Truncated            bool    `json:"truncated"`
	MessagesRemoved      int     `json:"messages_removed"`
	EstimatedTokenCounts bool    `json:"estimated_token_counts"`
}

// Manager drives analysis, condensation, and emergency truncation.
type Manager struct {
	counter   *TokenCounter
	risk      *RiskAnalyzer
	indexer   *chunk.Indexer
	engine    *condense.Engine
	truncator *EmergencyTruncator
	metrics   *monitoring.MetricsCollector // optional
	cfg       config.CondensationConfig
	limits    config.LimitsConfig
}

// NewManager wires the budget pipeline. metrics may be nil.
func NewManager(
	counter *TokenCounter,
	risk *RiskAnalyzer,
	indexer *chunk.Indexer,
	engine *condense.Engine,
	truncator *EmergencyTruncator,
	metrics *monitoring.MetricsCollector,
	cfg config.CondensationConfig,
	limits config.LimitsConfig,
) *Manager {
	return &Manager{
		counter:   counter,
		risk:      risk,
		indexer:   indexer,
		engine:    engine,
		truncator: truncator,
		metrics:   metrics,
		cfg:       cfg,
		limits:    limits,
	}
}

// Manage is the single entry point: fit the conversation into the endpoint's
// hard limit. imageDescriptions maps message index to generated description
// text for image blocks represented as text only. The input conversation is
// never mutated; a new one is returned when anything changes.
func (m *Manager) Manage(
	ctx context.Context,
	conv conversation.Conversation,
	profile conversation.EndpointProfile,
	imageDescriptions map[int]string,
) (conversation.Conversation, Metadata, error) {
	conv = conv.WithImageDescriptions(imageDescriptions)

	hardLimit := profile.HardTokenLimit
	if hardLimit <= 0 {
		hardLimit = m.limits.HardLimit(profile.ContentClass)
	}

	original := m.counter.Count(conv)
	analysis := m.risk.Analyze(original, hardLimit)

	meta := Metadata{
		RiskLevel:            analysis.Level.String(),
		UtilizationPercent:   analysis.UtilizationPercent,
		StrategyRecommended:  string(analysis.Recommended),
		StrategyUsed:         string(analysis.Recommended),
		OriginalTokens:       original,
		FinalTokens:          original,
		EstimatedTokenCounts: m.counter.Degraded(),
	}
	if meta.EstimatedTokenCounts && m.metrics != nil {
		m.metrics.RecordEstimatedCounts()
	}

	if analysis.Recommended == StrategyMonitorOnly {
		m.recordTokens(original, original)
		m.record(true)
		return conv, meta, nil
	}

	// Condense first, even on overflow: truncation discards content and
	// must not fire when condensation alone achieves the fit.
	working := conv
	condensed, chunksTotal, chunksCondensed := m.condense(ctx, conv, analysis.Recommended)
	meta.ChunksTotal = chunksTotal
	meta.ChunksCondensed = chunksCondensed

	final := original
	if condensed != nil {
		// Never-worse guarantee: only adopt the condensed conversation if
		// it actually measured smaller.
		if remeasured := m.counter.Count(condensed); remeasured < final {
			working = condensed
			final = remeasured
		}
	}

	if final <= hardLimit {
		// Report the strategy actually applied: when no condensed result was
		// adopted, passing through is all that happened.
		meta.StrategyUsed = string(StrategyMonitorOnly)
		if final < original {
			meta.StrategyUsed = string(condenseStrategyFor(analysis.Recommended))
		}
		meta.FinalTokens = final
		meta.TokensSaved = original - final
		m.recordTokens(original, final)
		m.record(true)
		return working, meta, nil
	}

	// Still over the limit: emergency path.
	truncated, removed, err := m.truncator.Truncate(working, hardLimit)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordOverflowError()
		}
		m.record(false)
		meta.FinalTokens = final
		return nil, meta, err
	}

	final = m.counter.Count(truncated)
	meta.StrategyUsed = string(StrategyEmergencyTruncate)
	meta.Truncated = true
	meta.MessagesRemoved = removed
	meta.FinalTokens = final
	meta.TokensSaved = original - final
	if m.metrics != nil {
		m.metrics.RecordTruncation()
	}
	m.recordTokens(original, final)
	m.record(true)

	log.Info().
		Int("removed", removed).
		Int("final_tokens", final).
		Int("hard_limit", hardLimit).
		Msg("emergency truncation applied")
	return truncated, meta, nil
}

// =============================================================================
// CONDENSATION DISPATCH
// =============================================================================

// condenseStrategyFor maps a risk response onto the strategy actually used
// when condensation achieves the fit.
func condenseStrategyFor(s Strategy) Strategy {
	if s == StrategyEmergencyTruncate {
		return StrategyCondenseAggressive
	}
	return s
}

// condense partitions the conversation, dispatches work for every chunk not
// already carrying a valid condensed result, and reassembles. Returns nil
// when there is nothing to condense.
func (m *Manager) condense(ctx context.Context, conv conversation.Conversation, response Strategy) (conversation.Conversation, int, int) {
	chunks := m.indexer.Partition(conv)
	if len(chunks) == 0 {
		return nil, 0, 0
	}

	strat, target := m.selection(response)
	if !m.engine.Known(string(strat)) {
		log.Warn().Str("strategy", string(strat)).Msg("configured condensation strategy unknown, using conversation_summary")
		strat = condense.StrategyConversationSummary
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Deadline)
	defer cancel()

	var wg sync.WaitGroup
	for i, ch := range chunks {
		if !ch.NeedsWork() {
			if m.metrics != nil {
				m.metrics.RecordCacheHit()
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordCacheMiss()
		}

		wg.Add(1)
		go func(position int, ch *chunk.Chunk) {
			defer wg.Done()
			m.condenseChunk(cctx, conv, chunks, position, ch, strat, target)
		}(i, ch)
	}
	wg.Wait()

	condensedCount := 0
	for _, ch := range chunks {
		if _, ok := ch.Condensed(); ok {
			condensedCount++
		}
	}
	return m.reassemble(conv, chunks), len(chunks), condensedCount
}

// condenseChunk runs one chunk through the indexer's single-flight claim.
// All failures are absorbed: the chunk simply stays uncondensed.
func (m *Manager) condenseChunk(
	ctx context.Context,
	conv conversation.Conversation,
	chunks []*chunk.Chunk,
	position int,
	ch *chunk.Chunk,
	strat condense.Strategy,
	target float64,
) {
	_, err := m.indexer.Condense(ctx, ch, func(runCtx context.Context) (chunk.Attempt, error) {
		in := condense.Input{
			ChunkID:        ch.ID,
			Text:           renderRange(conv, ch.StartIndex, ch.EndIndex),
			ContextText:    renderRange(conv, ch.ContextStart, ch.StartIndex),
			OriginalTokens: ch.TokenCount,
			Position:       position,
			Total:          len(chunks),
			TargetRatio:    target,
		}
		res := m.engine.Condense(runCtx, in, strat)
		if m.metrics != nil {
			m.metrics.RecordCondensation(res.Outcome.String())
		}
		if res.Outcome != condense.OutcomeCondensed {
			return chunk.Attempt{}, res.Err
		}
		return chunk.Attempt{Text: res.Text, Tokens: res.Tokens, Strategy: string(strat)}, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("chunk_id", ch.ID[:12]).Msg("chunk left uncondensed")
	}
}

// selection maps the risk response to a configured strategy name and target.
func (m *Manager) selection(response Strategy) (condense.Strategy, float64) {
	if response == StrategyCondenseLight {
		return condense.Strategy(m.cfg.LightStrategy), m.cfg.LightTargetRatio
	}
	return condense.Strategy(m.cfg.AggressiveStrategy), m.cfg.AggressiveTarget
}

// reassemble rebuilds the conversation in original order: the system
// message verbatim, condensed text in place of condensed chunks, and
// original messages for everything else.
func (m *Manager) reassemble(conv conversation.Conversation, chunks []*chunk.Chunk) conversation.Conversation {
	out := make(conversation.Conversation, 0, len(conv))
	if conv.HasSystemPrefix() {
		out = append(out, conv[0])
	}
	for _, ch := range chunks {
		if text, ok := ch.Condensed(); ok {
			out = append(out, conversation.Message{
				Role: conversation.RoleAssistant,
				Text: text,
			})
			continue
		}
		out = append(out, conv[ch.StartIndex:ch.EndIndex]...)
	}
	return out
}

// renderRange flattens messages in [from, to) into role-tagged lines for
// the summarization prompt.
func renderRange(conv conversation.Conversation, from, to int) string {
	var sb strings.Builder
	for i := from; i < to && i < len(conv); i++ {
		sb.WriteString(string(conv[i].Role))
		sb.WriteString(": ")
		sb.WriteString(conv[i].PlainText())
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m *Manager) record(success bool) {
	if m.metrics != nil {
		m.metrics.RecordRequest(success)
	}
}

func (m *Manager) recordTokens(original, final int) {
	if m.metrics != nil {
		m.metrics.RecordTokens(original, final)
	}
}
