// Package conversation - shared message model for the budget gateway.
//
// DESIGN: One neutral message shape used by every budget component:
//   - Message/ContentBlock: role-tagged content, text or block list
//   - Conversation:         ordered messages, chronological turn order
//   - EndpointProfile:      per-request hard limit and content class
//
// Types are defined here to avoid circular imports and provide clear
// contracts. Messages are immutable once built; components that change
// content always produce new Conversation values.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// =============================================================================
// ROLES AND BLOCK TYPES
// =============================================================================

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
)

// =============================================================================
// MESSAGE MODEL
// =============================================================================

// ContentBlock is one element of a block-list message body.
// Exactly the fields for its Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage
	ImageRef    string `json:"image_ref,omitempty"`
	Description string `json:"description,omitempty"`

	// BlockToolCall
	ToolName  string          `json:"tool_name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// BlockToolResult
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// Message is a single conversation turn. Either Text is set (plain string
// content) or Blocks is set (ordered content blocks), never both.
type Message struct {
	Role   Role
	Text   string
	Blocks []ContentBlock
}

// Conversation is an ordered message sequence. Index order is turn order.
type Conversation []Message

// ContentClass selects which hard limit applies to a request.
type ContentClass string

const (
	ClassText   ContentClass = "text"
	ClassVision ContentClass = "vision"
)

// EndpointProfile describes the upstream target the caller will forward to.
// Supplied per request; not owned by the budget core.
type EndpointProfile struct {
	HardTokenLimit int          `json:"hard_token_limit"`
	ContentClass   ContentClass `json:"content_class"`
}

// =============================================================================
// ACCESSORS
// =============================================================================

// IsPlain reports whether the message carries plain string content.
func (m Message) IsPlain() bool { return m.Blocks == nil }

// PlainText flattens the message body to readable text. Image blocks render
// as their description when present, tool blocks as name plus payload.
func (m Message) PlainText() string {
	if m.IsPlain() {
		return m.Text
	}
	var sb strings.Builder
	for i, b := range m.Blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockImage:
			if b.Description != "" {
				sb.WriteString("[image: " + b.Description + "]")
			} else {
				sb.WriteString("[image]")
			}
		case BlockToolCall:
			sb.WriteString(b.ToolName + "(" + string(b.Arguments) + ")")
		case BlockToolResult:
			sb.WriteString(b.Output)
		}
	}
	return sb.String()
}

// HasSystemPrefix reports whether the conversation opens with a system
// message. At most one leading system message is recognized.
func (c Conversation) HasSystemPrefix() bool {
	return len(c) > 0 && c[0].Role == RoleSystem
}

// WithImageDescriptions returns a copy of the conversation where image
// blocks in the given messages carry the supplied text descriptions.
// Indexes without an image block are ignored. The receiver is not mutated.
func (c Conversation) WithImageDescriptions(descriptions map[int]string) Conversation {
	if len(descriptions) == 0 {
		return c
	}
	out := make(Conversation, len(c))
	copy(out, c)
	for idx, desc := range descriptions {
		if idx < 0 || idx >= len(out) || out[idx].Blocks == nil {
			continue
		}
		blocks := make([]ContentBlock, len(out[idx].Blocks))
		copy(blocks, out[idx].Blocks)
		for i := range blocks {
			if blocks[i].Type == BlockImage && blocks[i].Description == "" {
				blocks[i].Description = desc
			}
		}
		out[idx] = Message{Role: out[idx].Role, Blocks: blocks}
	}
	return out
}

// =============================================================================
// CANONICAL SERIALIZATION - Stable bytes for hashing and memoization
// =============================================================================

// Canonical returns a stable serialization of the message. Identical content
// always yields identical bytes, independent of how the message arrived on
// the wire. Used for chunk identity and token-count memoization.
func (m Message) Canonical() string {
	var sb strings.Builder
	sb.WriteString(string(m.Role))
	sb.WriteString("\x1f")
	if m.IsPlain() {
		sb.WriteString("s:")
		sb.WriteString(m.Text)
		return sb.String()
	}
	for _, b := range m.Blocks {
		sb.WriteString(string(b.Type))
		sb.WriteString("\x1e")
		switch b.Type {
		case BlockText:
			sb.WriteString(b.Text)
		case BlockImage:
			sb.WriteString(b.ImageRef)
			sb.WriteString("\x1e")
			sb.WriteString(b.Description)
		case BlockToolCall:
			sb.WriteString(b.ToolName)
			sb.WriteString("\x1e")
			sb.Write(b.Arguments)
		case BlockToolResult:
			sb.WriteString(b.CallID)
			sb.WriteString("\x1e")
			sb.WriteString(b.Output)
		}
		sb.WriteString("\x1f")
	}
	return sb.String()
}

// ContentHash returns the hex sha256 of the message's canonical form.
func (m Message) ContentHash() string {
	sum := sha256.Sum256([]byte(m.Canonical()))
	return hex.EncodeToString(sum[:])
}

// RangeHash hashes the canonical content of messages in [start, end).
// It is a pure function of content: the same messages always produce the
// same hash, across requests and processes.
func (c Conversation) RangeHash(start, end int) string {
	h := sha256.New()
	for i := start; i < end && i < len(c); i++ {
		h.Write([]byte(c[i].Canonical()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
