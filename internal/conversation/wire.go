// Wire parsing and serialization for the conversation model.
//
// DESIGN: The budget core never defines the upstream wire formats; this file
// only maps the common {role, content} shape (string content or typed block
// list) into the neutral Message model and back. Parsing works directly on
// raw request bytes with gjson so the gateway never round-trips the full
// request through interface{} maps.
package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/contextwarden/gateway/internal/utils"
)

// ParseMessages decodes a raw JSON messages array into a Conversation.
// Unknown block types are preserved as text blocks carrying their raw JSON
// so nothing is silently dropped.
func ParseMessages(raw []byte) (Conversation, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("messages: expected JSON array")
	}

	var conv Conversation
	var parseErr error
	parsed.ForEach(func(_, msg gjson.Result) bool {
		role := Role(msg.Get("role").String())
		if role == "" {
			parseErr = fmt.Errorf("messages[%d]: missing role", len(conv))
			return false
		}

		content := msg.Get("content")
		if content.Type == gjson.String {
			conv = append(conv, Message{Role: role, Text: content.String()})
			return true
		}
		if !content.IsArray() {
			parseErr = fmt.Errorf("messages[%d]: content must be string or array", len(conv))
			return false
		}

		blocks := make([]ContentBlock, 0, 4)
		content.ForEach(func(_, blk gjson.Result) bool {
			blocks = append(blocks, parseBlock(blk))
			return true
		})
		conv = append(conv, Message{Role: role, Blocks: blocks})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return conv, nil
}

// parseBlock maps one content block object into a ContentBlock.
func parseBlock(blk gjson.Result) ContentBlock {
	switch BlockType(blk.Get("type").String()) {
	case BlockText:
		return ContentBlock{Type: BlockText, Text: blk.Get("text").String()}
	case BlockImage:
		return ContentBlock{
			Type:        BlockImage,
			ImageRef:    blk.Get("image_ref").String(),
			Description: blk.Get("description").String(),
		}
	case BlockToolCall:
		return ContentBlock{
			Type:      BlockToolCall,
			ToolName:  blk.Get("tool_name").String(),
			Arguments: json.RawMessage(blk.Get("arguments").Raw),
		}
	case BlockToolResult:
		return ContentBlock{
			Type:   BlockToolResult,
			CallID: blk.Get("call_id").String(),
			Output: blk.Get("output").String(),
		}
	default:
		// Unknown block: keep the raw JSON as text so content survives
		// a round trip through the budget pipeline.
		return ContentBlock{Type: BlockText, Text: blk.Raw}
	}
}

// wireMessage is the serialized {role, content} shape.
type wireMessage struct {
	Role    Role `json:"role"`
	Content any  `json:"content"`
}

// MarshalWire serializes the conversation back into a messages array that
// matches the input shape: plain messages keep string content, block
// messages keep their block list.
func (c Conversation) MarshalWire() ([]byte, error) {
	out := make([]wireMessage, len(c))
	for i, m := range c {
		if m.IsPlain() {
			out[i] = wireMessage{Role: m.Role, Content: m.Text}
		} else {
			out[i] = wireMessage{Role: m.Role, Content: m.Blocks}
		}
	}
	return utils.MarshalNoEscape(out)
}
