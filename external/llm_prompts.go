// Condensation prompts for the summarization backend.
//
// USAGE:
//   - SystemPromptConversationSummary / SystemPromptKeyPointExtraction
//   - UserPromptCondense() formats one chunk for summarization
//
// Two condensation registers:
//   - conversation_summary: holistic narrative summary of the chunk
//   - key_point_extraction: bullet-style distilled facts, favored for
//     technical content
package external

import (
	"fmt"
	"strings"
)

// =============================================================================
// System Prompts
// =============================================================================

// SystemPromptConversationSummary produces a narrative summary that later
// turns can refer back to.
const SystemPromptConversationSummary = `You are a conversation condensation assistant. Your task is to compress a span of conversation history into a shorter narrative that preserves salient content.

Guidelines:
1. PRESERVE decisions made, questions asked, and answers given
2. PRESERVE identifiers: file paths, names, numbers, error messages, URLs
3. PRESERVE the chronological order of events
4. REMOVE greetings, filler, restatements, and abandoned tangents
5. WRITE in compact prose, third person ("the user asked...", "the assistant did...")
6. OUTPUT only the summary - no explanations or meta-commentary`

// SystemPromptKeyPointExtraction produces bullet-style distilled facts.
const SystemPromptKeyPointExtraction = `You are a conversation condensation assistant. Your task is to distill a span of conversation history into its essential facts.

Guidelines:
1. OUTPUT one bullet per fact, decision, or result
2. PRESERVE identifiers exactly: file paths, names, numbers, error messages
3. PRESERVE tool invocations and their outcomes as single bullets
4. REMOVE anything that later turns cannot possibly depend on
5. ORDER bullets chronologically
6. OUTPUT only the bullets - no explanations or meta-commentary`

// =============================================================================
// User Prompt Template
// =============================================================================

// UserPromptCondense formats one chunk of conversation for the backend.
// targetRatio expresses the desired condensed size as a fraction of the
// original; contextText, when non-empty, is the overlap from the previous
// chunk supplied for continuity only.
func UserPromptCondense(chunkText, contextText string, targetRatio float64) string {
	var sb strings.Builder
	if contextText != "" {
		sb.WriteString("Preceding context (for continuity only, do NOT include in the output):\n")
		sb.WriteString(contextText)
		sb.WriteString("\n\n---\n\n")
	}
	fmt.Fprintf(&sb, "Condense the following conversation span to roughly %d%% of its length:\n\n", int(targetRatio*100))
	sb.WriteString(chunkText)
	return sb.String()
}
