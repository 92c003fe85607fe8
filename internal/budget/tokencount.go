// Package budget - tokencount.go converts messages into exact token counts.
//
// DESIGN: Counting flow per message:
//   - text content:   tiktoken encode (exact) or char/ratio estimate (degraded)
//   - image blocks:   fixed base cost, or described base + per-char rate when
//     a generated description stands in for the image
//   - tool blocks:    structural overhead + serialized payload cost
//
// Per-message results are memoized in a bounded LRU keyed by content hash,
// since the same messages recur across the growing prefix of a multi-turn
// conversation. Degraded mode (tokenizer failed to load) is sticky for the
// counter's lifetime and surfaced so callers can flag estimated counts.
package budget

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
)

// TokenCounter produces model-appropriate token counts for messages.
// Safe for concurrent use: the encoder is read-only after construction and
// the memo cache is internally synchronized.
type TokenCounter struct {
	cfg      config.CountingConfig
	enc      *tiktoken.Tiktoken
	degraded bool
	memo     *lru.Cache[string, int]
}

// NewTokenCounter creates a counter for the configured encoding. If the
// tokenizer cannot be loaded the counter degrades to character-based
// estimation and reports Degraded() == true; this is never fatal.
func NewTokenCounter(cfg config.CountingConfig) *TokenCounter {
	tc := &TokenCounter{cfg: cfg}
	entries := cfg.MemoEntries
	if entries <= 0 {
		entries = config.DefaultCountMemoEntries
	}
	tc.memo, _ = lru.New[string, int](entries)

	enc, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", cfg.Encoding).
			Msg("tokenizer unavailable, degrading to character estimation")
		tc.degraded = true
		return tc
	}
	tc.enc = enc
	return tc
}

// Degraded reports whether counts are character-based estimates rather than
// exact tokenizer output.
func (tc *TokenCounter) Degraded() bool { return tc.degraded }

// CountText returns the token count of a bare string.
func (tc *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if tc.degraded {
		ratio := tc.cfg.EstimateRatio
		if ratio <= 0 {
			ratio = config.TokenEstimateRatio
		}
		return (len(text) + ratio - 1) / ratio
	}
	return len(tc.enc.Encode(text, nil, nil))
}

// CountOne returns the token count of a single message, memoized by content.
func (tc *TokenCounter) CountOne(m conversation.Message) int {
	key := m.ContentHash()
	if n, ok := tc.memo.Get(key); ok {
		return n
	}
	n := tc.countMessage(m)
	tc.memo.Add(key, n)
	return n
}

// Count returns the token count of a whole conversation.
func (tc *TokenCounter) Count(c conversation.Conversation) int {
	total := 0
	for _, m := range c {
		total += tc.CountOne(m)
	}
	return total
}

// CountRange returns the token count of messages in [start, end).
func (tc *TokenCounter) CountRange(c conversation.Conversation, start, end int) int {
	total := 0
	for i := start; i < end && i < len(c); i++ {
		total += tc.CountOne(c[i])
	}
	return total
}

// countMessage computes the uncached cost of one message.
func (tc *TokenCounter) countMessage(m conversation.Message) int {
	total := tc.cfg.MessageOverheadTokens

	if m.IsPlain() {
		return total + tc.CountText(m.Text)
	}

	for _, b := range m.Blocks {
		switch b.Type {
		case conversation.BlockText:
			total += tc.CountText(b.Text)
		case conversation.BlockImage:
			total += tc.countImage(b)
		case conversation.BlockToolCall:
			total += tc.cfg.ToolOverheadTokens
			total += tc.CountText(b.ToolName)
			total += tc.CountText(string(b.Arguments))
		case conversation.BlockToolResult:
			total += tc.cfg.ToolOverheadTokens
			total += tc.CountText(b.Output)
		}
	}
	return total
}

// countImage prices an image block. A described image costs its description;
// an undescribed image costs the flat upload price for the content class.
func (tc *TokenCounter) countImage(b conversation.ContentBlock) int {
	if b.Description == "" {
		return tc.cfg.ImageBaseTokens
	}
	return tc.cfg.ImageDescribedBaseTokens +
		int(math.Ceil(tc.cfg.ImagePerCharRate*float64(len(b.Description))))
}
