package history

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Message is one entry of the Messages API `messages` array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// wireBlock is the union of all supported content block fields.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// FromWire decodes wire messages into a History. Unknown roles and block
// types are rejected with a *ValidationError, never passed through.
func FromWire(msgs []Message) (History, error) {
	h := make(History, 0, len(msgs))
	for i, m := range msgs {
		role := Role(m.Role)
		if !role.Valid() {
			return nil, invalid(i, -1, "", "unknown role %q", m.Role)
		}
		blocks, err := decodeContent(i, m.Content)
		if err != nil {
			return nil, err
		}
		h = append(h, Turn{Role: role, Blocks: blocks})
	}
	return h, nil
}

func decodeContent(turn int, raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, invalid(turn, -1, "", "message content is missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(turn, -1, "", "malformed content string: %v", err)
		}
		return []ContentBlock{Text{Value: s}}, nil
	}

	var wb []wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return nil, invalid(turn, -1, "", "content must be a string or an array of blocks: %v", err)
	}

	blocks := make([]ContentBlock, 0, len(wb))
	for j, b := range wb {
		switch BlockKind(b.Type) {
		case KindText:
			blocks = append(blocks, Text{Value: b.Text})
		case KindToolUse:
			blocks = append(blocks, NewToolUse(b.ID, b.Name, b.Input))
		case KindToolResult:
			content, err := decodeToolResultContent(turn, j, b)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, ToolResult{ToolUseID: b.ToolUseID, Content: content, IsError: b.IsError})
		default:
			return nil, invalid(turn, j, b.ID, "unsupported content block type %q", b.Type)
		}
	}
	return blocks, nil
}

// decodeToolResultContent accepts a string or an array of text blocks.
func decodeToolResultContent(turn, block int, b wireBlock) (string, error) {
	raw := bytes.TrimSpace(b.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", invalid(turn, block, b.ToolUseID, "malformed tool_result content: %v", err)
		}
		return s, nil
	}

	var parts []wireBlock
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", invalid(turn, block, b.ToolUseID, "tool_result content must be a string or an array of text blocks")
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if BlockKind(p.Type) != KindText {
			return "", invalid(turn, block, b.ToolUseID, "unsupported tool_result content type %q", p.Type)
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n"), nil
}

// ToWire encodes a history as wire messages with block-array content.
func ToWire(h []Turn) ([]Message, error) {
	msgs := make([]Message, 0, len(h))
	for _, t := range h {
		wb := make([]wireBlock, 0, len(t.Blocks))
		for _, b := range t.Blocks {
			switch blk := b.(type) {
			case Text:
				wb = append(wb, wireBlock{Type: string(KindText), Text: blk.Value})
			case ToolUse:
				input := blk.Arguments
				if len(bytes.TrimSpace(input)) == 0 {
					input = json.RawMessage("{}")
				}
				wb = append(wb, wireBlock{Type: string(KindToolUse), ID: blk.ID, Name: blk.Name, Input: input})
			case ToolResult:
				content, err := json.Marshal(blk.Content)
				if err != nil {
					return nil, err
				}
				wb = append(wb, wireBlock{Type: string(KindToolResult), ToolUseID: blk.ToolUseID, Content: content, IsError: blk.IsError})
			}
		}
		content, err := json.Marshal(wb)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{Role: string(t.Role), Content: content})
	}
	return msgs, nil
}
