// Package condense - engine.go applies a compression strategy to one chunk.
//
// DESIGN: Strategies are a pure name-to-function dispatch table, not
// polymorphism; adding a strategy means registering one function. Every
// strategy except smart_truncation issues one backend call per chunk and
// respects the caller's deadline. Results are tagged variants (condensed /
// timeout / rejected / backend error) that the orchestrator matches on;
// nothing here is fatal.
package condense

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/contextwarden/gateway/external"
	"github.com/contextwarden/gateway/internal/config"
)

// =============================================================================
// STRATEGIES
// =============================================================================

// Strategy names a condensation approach.
type Strategy string

const (
	// StrategyConversationSummary produces a holistic narrative summary.
	StrategyConversationSummary Strategy = "conversation_summary"
	// StrategyKeyPointExtraction produces bullet-style distilled facts,
	// favored for technical content.
	StrategyKeyPointExtraction Strategy = "key_point_extraction"
	// StrategyProgressive summarizes oldest chunks more aggressively than
	// newest ones.
	StrategyProgressive Strategy = "progressive_summarization"
	// StrategySmartTruncation keeps the first and last sentences of the
	// chunk. Cheapest: no backend call.
	StrategySmartTruncation Strategy = "smart_truncation"
)

// =============================================================================
// RESULTS
// =============================================================================

// Outcome tags a per-chunk condensation result.
type Outcome int

const (
	// OutcomeCondensed: accepted; Text and Tokens are usable.
	OutcomeCondensed Outcome = iota
	// OutcomeTimeout: deadline expired before the backend answered.
	OutcomeTimeout
	// OutcomeRejected: backend answered but the result failed the quality
	// gate (not smaller, or below the preservation floor).
	OutcomeRejected
	// OutcomeBackendError: the backend call failed outright.
	OutcomeBackendError
)

// String returns the telemetry name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCondensed:
		return "condensed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	default:
		return "backend_error"
	}
}

// Result is the tagged outcome of condensing one chunk.
type Result struct {
	ChunkID string
	Outcome Outcome
	// Set when Outcome == OutcomeCondensed.
	Text   string
	Tokens int
	Err    error
}

// Input is one chunk prepared for condensation.
type Input struct {
	ChunkID        string
	Text           string // flattened owned message content
	ContextText    string // overlap from the previous chunk, continuity only
	OriginalTokens int
	// Position/Total place the chunk in the conversation (0 = oldest);
	// used by progressive_summarization to scale aggressiveness.
	Position int
	Total    int
	// TargetRatio is the desired condensed/original size.
	TargetRatio float64
}

// =============================================================================
// ENGINE
// =============================================================================

type strategyFunc func(ctx context.Context, e *Engine, in Input) (string, error)

// Engine runs condensation strategies against a backend and enforces the
// preservation-ratio quality gate.
type Engine struct {
	backend   Backend
	countText func(string) int
	cfg       config.CondensationConfig
	table     map[Strategy]strategyFunc
}

// NewEngine creates an engine. countText is the token counter's text
// pricing function, used for the quality gate.
func NewEngine(backend Backend, countText func(string) int, cfg config.CondensationConfig) *Engine {
	e := &Engine{backend: backend, countText: countText, cfg: cfg}
	e.table = map[Strategy]strategyFunc{
		StrategyConversationSummary: runConversationSummary,
		StrategyKeyPointExtraction:  runKeyPointExtraction,
		StrategyProgressive:         runProgressive,
		StrategySmartTruncation:     runSmartTruncation,
	}
	return e
}

// Known reports whether name is a registered strategy.
func (e *Engine) Known(name string) bool {
	_, ok := e.table[Strategy(name)]
	return ok
}

// Condense applies one strategy to one chunk and gates the result. The
// context carries the per-request condensation deadline.
func (e *Engine) Condense(ctx context.Context, in Input, strat Strategy) Result {
	fn, ok := e.table[strat]
	if !ok {
		return Result{ChunkID: in.ChunkID, Outcome: OutcomeBackendError,
			Err: fmt.Errorf("unknown condensation strategy: %s", strat)}
	}

	text, err := fn(ctx, e, in)
	if err != nil {
		outcome := OutcomeBackendError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			outcome = OutcomeTimeout
		}
		log.Debug().Err(err).Str("strategy", string(strat)).Str("outcome", outcome.String()).
			Msg("condensation attempt failed")
		return Result{ChunkID: in.ChunkID, Outcome: outcome, Err: err}
	}

	return e.gate(in, strat, text)
}

// gate enforces the quality checks: the condensed text must be strictly
// smaller than the original and must stay above the preservation floor so
// degenerate near-empty summaries are never accepted.
func (e *Engine) gate(in Input, strat Strategy, text string) Result {
	text = strings.TrimSpace(text)
	tokens := e.countText(text)

	if text == "" || tokens >= in.OriginalTokens {
		return Result{ChunkID: in.ChunkID, Outcome: OutcomeRejected,
			Err: fmt.Errorf("condensed size %d not below original %d", tokens, in.OriginalTokens)}
	}
	floor := int(e.cfg.PreservationFloor * float64(in.OriginalTokens))
	if tokens < floor {
		return Result{ChunkID: in.ChunkID, Outcome: OutcomeRejected,
			Err: fmt.Errorf("condensed size %d below preservation floor %d (strategy %s)", tokens, floor, strat)}
	}

	return Result{ChunkID: in.ChunkID, Outcome: OutcomeCondensed, Text: text, Tokens: tokens}
}

// =============================================================================
// STRATEGY IMPLEMENTATIONS
// =============================================================================

func runConversationSummary(ctx context.Context, e *Engine, in Input) (string, error) {
	resp, err := e.backend.Summarize(ctx, Request{
		System:    external.SystemPromptConversationSummary,
		Prompt:    external.UserPromptCondense(in.Text, in.ContextText, in.TargetRatio),
		MaxTokens: e.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func runKeyPointExtraction(ctx context.Context, e *Engine, in Input) (string, error) {
	resp, err := e.backend.Summarize(ctx, Request{
		System:    external.SystemPromptKeyPointExtraction,
		Prompt:    external.UserPromptCondense(in.Text, in.ContextText, in.TargetRatio),
		MaxTokens: e.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// runProgressive scales the target ratio by chunk age: the oldest chunk is
// condensed hardest, the newest most gently.
func runProgressive(ctx context.Context, e *Engine, in Input) (string, error) {
	target := in.TargetRatio
	if in.Total > 1 {
		// Linear ramp from half the target (oldest) up to the target
		// (newest).
		age := float64(in.Total-1-in.Position) / float64(in.Total-1)
		target = in.TargetRatio * (1 - 0.5*age)
	}
	scaled := in
	scaled.TargetRatio = target
	return runConversationSummary(ctx, e, scaled)
}

// runSmartTruncation keeps the first and last N sentences locally; the only
// strategy that never calls the backend.
func runSmartTruncation(_ context.Context, e *Engine, in Input) (string, error) {
	sentences := splitSentences(in.Text)
	keep := e.cfg.TruncateSentences
	if len(sentences) <= keep*2 {
		return in.Text, nil
	}
	head := strings.Join(sentences[:keep], " ")
	tail := strings.Join(sentences[len(sentences)-keep:], " ")
	omitted := len(sentences) - keep*2
	return fmt.Sprintf("%s\n[... %d sentences omitted ...]\n%s", head, omitted, tail), nil
}

// splitSentences is a cheap sentence splitter: terminal punctuation or
// newline ends a sentence. Good enough for truncation boundaries.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
