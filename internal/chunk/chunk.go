// Package chunk tracks content-addressed slices of a conversation through
// their condensation lifecycle.
//
// DESIGN: A chunk's identity is a pure function of the message content in
// its range, so identical content always maps to the same ID across
// requests and processes. The index is the only state shared between
// in-flight requests; everything else in the budget pipeline is per-request.
// Identity fields are immutable after creation; lifecycle fields are guarded
// by the chunk's own mutex because the same instance is read and transitioned
// by every request that resolves the same content.
package chunk

import (
	"sync"
	"time"
)

// State is a chunk's position in the condensation lifecycle.
type State string

const (
	// StateUnprocessed: created by partitioning, no condensation attempted
	// (or a previous attempt failed and the chunk reverted).
	StateUnprocessed State = "unprocessed"
	// StateCondensing: claimed by exactly one in-flight condensation call.
	StateCondensing State = "condensing"
	// StateCondensed: condensation accepted; the condensed text is usable.
	StateCondensed State = "condensed"
	// StateModified: content under the chunk's message range changed
	// upstream; the stored result no longer applies.
	StateModified State = "modified"
	// StateExpired: the condensed result outlived the configured TTL.
	StateExpired State = "expired"
)

// Chunk is a contiguous run of non-system messages tracked for condensation.
type Chunk struct {
	// ID is the hex sha256 of the canonical content of messages in
	// [StartIndex, EndIndex).
	ID string

	// [StartIndex, EndIndex) is the owned message range within the
	// conversation that produced this chunk.
	StartIndex int
	EndIndex   int

	// ContextStart marks overlap context: messages in
	// [ContextStart, StartIndex) are repeated from the previous chunk for
	// summarizer continuity but are not owned (and not hashed) here.
	ContextStart int

	// TokenCount is the owned range's original token count.
	TokenCount int

	CreatedAt time.Time

	mu            sync.Mutex
	state         State
	condensedText string
	strategyUsed  string
	tokensSaved   int
	lastModified  time.Time
}

// State returns the chunk's current lifecycle state.
func (c *Chunk) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CondensedText returns the last accepted condensation result, if any.
func (c *Chunk) CondensedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.condensedText
}

// StrategyUsed returns the strategy behind the last accepted result.
func (c *Chunk) StrategyUsed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategyUsed
}

// TokensSaved returns the token reduction of the last accepted result.
func (c *Chunk) TokensSaved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokensSaved
}

// LastModified returns the time of the last state change.
func (c *Chunk) LastModified() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastModified
}

// NeedsWork reports whether the chunk requires (re-)condensation. A chunk
// needs work unless it holds a currently valid condensed result; MODIFIED
// and EXPIRED each force re-condensation on their own.
func (c *Chunk) NeedsWork() bool {
	return c.State() != StateCondensed
}

// Condensed returns the usable condensed text, observed atomically with the
// state that makes it valid.
func (c *Chunk) Condensed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCondensed && c.condensedText != "" {
		return c.condensedText, true
	}
	return "", false
}

// Expired reports whether a condensed result has outlived ttl.
func (c *Chunk) Expired(ttl time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCondensed && ttl > 0 && now.Sub(c.lastModified) > ttl
}

func (c *Chunk) setState(to State) {
	c.mu.Lock()
	c.state = to
	c.lastModified = time.Now()
	c.mu.Unlock()
}

func (c *Chunk) setCondensed(text, strategy string, resultTokens int) {
	c.mu.Lock()
	c.state = StateCondensed
	c.condensedText = text
	c.strategyUsed = strategy
	c.tokensSaved = c.TokenCount - resultTokens
	c.lastModified = time.Now()
	c.mu.Unlock()
}

// restore seeds lifecycle state from a persisted record. Only valid before
// the chunk is published to the shared index.
func (c *Chunk) restore(rec Record) {
	c.state = rec.State
	c.condensedText = rec.CondensedText
	c.strategyUsed = rec.StrategyUsed
	c.tokensSaved = rec.TokensSaved
	c.lastModified = rec.LastModified
}

// snapshot copies the chunk's persistable fields under the lock.
func (c *Chunk) snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		ID:            c.ID,
		StartIndex:    c.StartIndex,
		EndIndex:      c.EndIndex,
		TokenCount:    c.TokenCount,
		State:         c.state,
		CondensedText: c.condensedText,
		StrategyUsed:  c.strategyUsed,
		TokensSaved:   c.tokensSaved,
		CreatedAt:     c.CreatedAt,
		LastModified:  c.lastModified,
	}
}

// Record is a plain, lock-free copy of a chunk's persistable fields, the
// unit the store reads and writes.
type Record struct {
	ID            string
	StartIndex    int
	EndIndex      int
	TokenCount    int
	State         State
	CondensedText string
	StrategyUsed  string
	TokensSaved   int
	CreatedAt     time.Time
	LastModified  time.Time
}

// Expired reports whether a persisted condensed result has outlived ttl.
func (r Record) Expired(ttl time.Duration, now time.Time) bool {
	return r.State == StateCondensed && ttl > 0 && now.Sub(r.LastModified) > ttl
}
