// Package budget - truncate.go is the deterministic last-resort fit path.
//
// DESIGN: No network, no suspension, one backward pass. Always keeps the
// system message (if any) and the most recent message, then re-admits whole
// user→assistant exchanges from newest to oldest while they fit. This is the
// only component allowed to permanently discard conversational content.
package budget

import (
	"errors"

	"github.com/contextwarden/gateway/internal/conversation"
)

// ErrOverflowUnresolvable is returned when even the minimal conversation
// (system message plus most recent message) exceeds the hard limit. This is
// the only budget failure surfaced to callers; everything else degrades.
var ErrOverflowUnresolvable = errors.New("conversation cannot fit hard limit even after truncation")

// EmergencyTruncator drops oldest exchanges until the conversation fits.
type EmergencyTruncator struct {
	counter *TokenCounter
}

// NewEmergencyTruncator creates a truncator backed by the given counter.
func NewEmergencyTruncator(counter *TokenCounter) *EmergencyTruncator {
	return &EmergencyTruncator{counter: counter}
}

// Truncate returns a conversation within hardLimit and the number of
// messages removed. Returns ErrOverflowUnresolvable when the mandatory
// keep-set alone exceeds the limit.
func (et *EmergencyTruncator) Truncate(conv conversation.Conversation, hardLimit int) (conversation.Conversation, int, error) {
	if len(conv) == 0 {
		return conv, 0, nil
	}

	var system *conversation.Message
	body := conv
	if conv.HasSystemPrefix() {
		system = &conv[0]
		body = conv[1:]
	}

	if len(body) == 0 {
		if et.counter.Count(conv) > hardLimit {
			return nil, 0, ErrOverflowUnresolvable
		}
		return conv, 0, nil
	}

	// Mandatory keep-set: system message plus the most recent message.
	last := body[len(body)-1]
	used := et.counter.CountOne(last)
	if system != nil {
		used += et.counter.CountOne(*system)
	}
	if used > hardLimit {
		return nil, 0, ErrOverflowUnresolvable
	}

	// Walk backward over the remaining history, admitting whole exchanges.
	// An exchange runs from a user message through everything up to (not
	// including) the next user message, so tool traffic stays attached to
	// the turn that produced it.
	keepFrom := len(body) - 1
	groupEnd := len(body) - 1 // exclusive
	for i := len(body) - 2; i >= 0; i-- {
		if body[i].Role != conversation.RoleUser && i > 0 {
			continue
		}
		groupStart := i
		groupTokens := 0
		for j := groupStart; j < groupEnd; j++ {
			groupTokens += et.counter.CountOne(body[j])
		}
		if used+groupTokens > hardLimit {
			break
		}
		used += groupTokens
		keepFrom = groupStart
		groupEnd = groupStart
	}

	removed := keepFrom
	if removed == 0 {
		return conv, 0, nil
	}

	out := make(conversation.Conversation, 0, len(body)-keepFrom+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, body[keepFrom:]...)
	return out, removed, nil
}
