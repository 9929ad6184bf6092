package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/compresr/turnstile/internal/history"
)

// Tool is a client-declared tool, in Messages API shape.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request holds everything needed to build one backend request.
type Request struct {
	Model         string
	System        string
	History       history.NormalizedHistory
	Tools         []Tool
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

// BuildRequest serializes a streaming chat completions request. A non-empty
// modelOverride replaces the requested model.
//
// Conversion, per turn:
//   - assistant → one assistant message with joined text and tool_calls
//   - user      → one tool message per tool_result, then one user message
//     with the turn's text when there is any
func BuildRequest(r Request, modelOverride string) ([]byte, error) {
	msgs := make([]chatMessage, 0, len(r.History)+1)
	if r.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: ptr(r.System)})
	}

	for i, turn := range r.History {
		switch turn.Role {
		case history.RoleAssistant:
			msgs = append(msgs, assistantMessage(turn))
		case history.RoleUser:
			msgs = append(msgs, userMessages(turn)...)
		default:
			return nil, fmt.Errorf("turn %d: unsupported role %q", i, turn.Role)
		}
	}

	tools := make([]chatTool, 0, len(r.Tools))
	for _, t := range r.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, chatTool{
			Type:     "function",
			Function: functionSpec{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}

	body, err := json.Marshal(chatRequest{
		Model:       r.Model,
		Messages:    msgs,
		Tools:       tools,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stop:        r.StopSequences,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	if modelOverride != "" {
		if body, err = sjson.SetBytes(body, "model", modelOverride); err != nil {
			return nil, fmt.Errorf("set model override: %w", err)
		}
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, fmt.Errorf("set stream flag: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
		return nil, fmt.Errorf("set stream options: %w", err)
	}
	return body, nil
}

func assistantMessage(turn history.Turn) chatMessage {
	msg := chatMessage{Role: "assistant"}
	var texts []string
	for _, b := range turn.Blocks {
		switch blk := b.(type) {
		case history.Text:
			texts = append(texts, blk.Value)
		case history.ToolUse:
			args := strings.TrimSpace(string(blk.Arguments))
			if args == "" || args == "null" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, toolCall{
				ID:       blk.ID,
				Type:     "function",
				Function: functionCall{Name: blk.Name, Arguments: args},
			})
		case history.ToolResult:
			// rejected by the normalizer
		}
	}
	if len(texts) > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = ptr(strings.Join(texts, textSeparator))
	}
	return msg
}

func userMessages(turn history.Turn) []chatMessage {
	var (
		out   []chatMessage
		texts []string
	)
	for _, b := range turn.Blocks {
		switch blk := b.(type) {
		case history.ToolResult:
			out = append(out, chatMessage{Role: "tool", ToolCallID: blk.ToolUseID, Content: ptr(blk.Content)})
		case history.Text:
			texts = append(texts, blk.Value)
		case history.ToolUse:
			// rejected by the normalizer
		}
	}
	if len(texts) > 0 {
		out = append(out, chatMessage{Role: "user", Content: ptr(strings.Join(texts, textSeparator))})
	}
	return out
}

// textSeparator joins the text blocks of one turn into a single message.
const textSeparator = "\n"

func ptr[T any](v T) *T { return &v }
