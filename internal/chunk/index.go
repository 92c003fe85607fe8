// The shared chunk index: cache, invalidation, and single-flight claims.
//
// DESIGN: Process-wide state shared by all in-flight requests. Three layers:
//   - entries:  bounded in-memory LRU, id -> chunk (authoritative)
//   - ranges:   bounded LRU, range key -> last chunk id, for MODIFIED detection
//   - store:    optional persistent mirror, advisory only
//
// Synchronization is per chunk: each chunk carries its own mutex for state
// transitions, and a singleflight group guarantees at most one condensation
// attempt per chunk ID at a time. Late arrivals share the in-flight result,
// or give up when their deadline expires and proceed with pre-condensation
// content.
//
// entries evicts by access recency rather than oldest last_modified; the two
// orders diverge only for chunks no request has resolved since their last
// state change, and those are exactly the entries recency evicts first.
package chunk

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
)

// Indexer owns the shared chunk cache. One instance per process.
type Indexer struct {
	partitioner *Partitioner
	cfg         config.CacheConfig

	entries *lru.Cache[string, *Chunk]
	ranges  *lru.Cache[string, string]

	flight singleflight.Group

	store *Store // nil when persistence is disabled
}

// NewIndexer creates the shared index. store may be nil.
func NewIndexer(partitioner *Partitioner, cfg config.CacheConfig, store *Store) *Indexer {
	entries, _ := lru.New[string, *Chunk](cfg.MaxEntries)
	ranges, _ := lru.New[string, string](cfg.MaxEntries)
	return &Indexer{
		partitioner: partitioner,
		cfg:         cfg,
		entries:     entries,
		ranges:      ranges,
		store:       store,
	}
}

// =============================================================================
// PARTITION AND RESOLVE
// =============================================================================

// Partition slices the conversation and resolves each chunk against the
// shared cache. Returned chunks are the authoritative shared instances:
// chunks already CONDENSED (and neither modified nor expired) arrive with
// their condensed text populated, everything else arrives needing work.
func (ix *Indexer) Partition(conv conversation.Conversation) []*Chunk {
	computed := ix.partitioner.Partition(conv)
	if len(computed) == 0 {
		return nil
	}

	convKey := conv.RangeHash(0, 1)
	now := time.Now()

	resolved := make([]*Chunk, 0, len(computed))
	for _, c := range computed {
		ix.detectModified(convKey, c)
		resolved = append(resolved, ix.adopt(c, now))
	}
	return resolved
}

// Lookup returns the shared chunk for an ID, if cached.
func (ix *Indexer) Lookup(id string) (*Chunk, bool) {
	return ix.entries.Get(id)
}

// detectModified marks the previously indexed chunk for this message range
// as MODIFIED when its content hash no longer matches.
func (ix *Indexer) detectModified(convKey string, c *Chunk) {
	rangeKey := fmt.Sprintf("%s:%d:%d", convKey, c.StartIndex, c.EndIndex)

	prevID, seen := ix.ranges.Get(rangeKey)
	ix.ranges.Add(rangeKey, c.ID)

	if !seen || prevID == c.ID {
		return
	}
	if old, ok := ix.entries.Get(prevID); ok {
		ix.transition(old, StateModified)
		log.Debug().Str("chunk_id", shortID(prevID)).Msg("chunk content changed upstream, invalidated")
	}
}

// adopt returns the shared instance for a computed chunk, seeding the cache
// from the persistent store on a miss and applying TTL expiry.
func (ix *Indexer) adopt(c *Chunk, now time.Time) *Chunk {
	if cached, ok := ix.entries.Get(c.ID); ok {
		if cached.Expired(ix.cfg.TTL, now) {
			ix.transition(cached, StateExpired)
		}
		return cached
	}

	if ix.store != nil {
		if rec, ok := ix.store.Load(c.ID); ok && rec.State == StateCondensed && !rec.Expired(ix.cfg.TTL, now) {
			c.restore(rec)
		}
	}

	ix.entries.Add(c.ID, c)
	return c
}

// =============================================================================
// SINGLE-FLIGHT CONDENSATION
// =============================================================================

// Attempt is the output of one condensation run for a chunk.
type Attempt struct {
	Text     string
	Tokens   int
	Strategy string
}

// Condense runs fn for the chunk under the single-flight guarantee: at most
// one run per chunk ID is ever in flight; concurrent callers share its
// result. On success the chunk moves to CONDENSED and a persist is
// enqueued. On failure or deadline expiry the chunk reverts to UNPROCESSED
// and the error is returned; the caller proceeds with the chunk's original
// content.
func (ix *Indexer) Condense(ctx context.Context, ch *Chunk, fn func(context.Context) (Attempt, error)) (shared bool, err error) {
	resCh := ix.flight.DoChan(ch.ID, func() (any, error) {
		ix.transition(ch, StateCondensing)

		attempt, runErr := fn(ctx)
		if runErr != nil {
			ix.transition(ch, StateUnprocessed)
			return nil, runErr
		}

		ch.setCondensed(attempt.Text, attempt.Strategy, attempt.Tokens)
		ix.persist(ch)
		return attempt, nil
	})

	select {
	case res := <-resCh:
		return res.Shared, res.Err
	case <-ctx.Done():
		// Deadline hit while another caller's run is in flight. That run
		// is governed by its own context; this caller just gives up.
		return true, ctx.Err()
	}
}

// transition moves a chunk to a new state and enqueues a persist.
func (ix *Indexer) transition(ch *Chunk, to State) {
	ch.setState(to)
	ix.persist(ch)
}

// persist enqueues a fire-and-forget store write.
func (ix *Indexer) persist(ch *Chunk) {
	if ix.store == nil {
		return
	}
	ix.store.Enqueue(ch.snapshot())
}

// Reset clears the in-memory index. Persistent records are untouched.
func (ix *Indexer) Reset() {
	ix.entries.Purge()
	ix.ranges.Purge()
}

// shortID trims a chunk hash for log lines.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
