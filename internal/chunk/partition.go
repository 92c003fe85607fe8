// Partitioning of conversations into content-addressed chunks.
//
// DESIGN: Greedy forward pass bounded by message count and token count,
// whichever trips first. The leading system message is never chunked; it is
// preserved verbatim outside condensation. Ranges are disjoint so reassembly
// never duplicates content; the configured overlap is carried as context
// metadata for the summarizer only.
package chunk

import (
	"time"

	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/conversation"
)

// CountFunc prices one message. Supplied by the token counter so this
// package stays independent of counting details.
type CountFunc func(conversation.Message) int

// Partitioner slices conversations into chunks.
type Partitioner struct {
	cfg   config.ChunkingConfig
	count CountFunc
}

// NewPartitioner creates a partitioner with the given bounds.
func NewPartitioner(cfg config.ChunkingConfig, count CountFunc) *Partitioner {
	return &Partitioner{cfg: cfg, count: count}
}

// Partition returns ordered chunk descriptors covering every non-system
// message exactly once. Partitioning the same conversation twice yields an
// identical ID sequence.
func (p *Partitioner) Partition(conv conversation.Conversation) []*Chunk {
	start := 0
	if conv.HasSystemPrefix() {
		start = 1
	}
	if start >= len(conv) {
		return nil
	}

	now := time.Now()
	var chunks []*Chunk

	i := start
	for i < len(conv) {
		chunkStart := i
		tokens := 0
		for i < len(conv) {
			if i-chunkStart >= p.cfg.MaxMessages {
				break
			}
			msgTokens := p.count(conv[i])
			// Always admit the first message so oversized messages still
			// land in a chunk of their own.
			if i > chunkStart && tokens+msgTokens > p.cfg.MaxTokens {
				break
			}
			tokens += msgTokens
			i++
		}

		contextStart := chunkStart - p.cfg.Overlap
		if contextStart < start {
			contextStart = start
		}

		chunks = append(chunks, &Chunk{
			ID:           conv.RangeHash(chunkStart, i),
			StartIndex:   chunkStart,
			EndIndex:     i,
			ContextStart: contextStart,
			TokenCount:   tokens,
			CreatedAt:    now,
			state:        StateUnprocessed,
			lastModified: now,
		})
	}
	return chunks
}
