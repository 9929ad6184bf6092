package session

import (
	"encoding/json"
	"iter"
	"strings"
)

// Message is a whole response assembled from a session's events, in the
// Messages API non-streaming shape.
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ContentBlock is one assembled text or tool_use block.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type blockBuilder struct {
	block ContentBlock
	buf   strings.Builder
}

// Collect drains seq into a Message. It returns the error payload instead
// when the sequence ends with an error event, and a nil Message with a nil
// error when the sequence stopped without a terminal event (cancelled).
func Collect(seq iter.Seq[Event]) (*Message, *ErrorInfo) {
	var (
		msg      *Message
		builders = map[int]*blockBuilder{}
		order    []int
		stopped  bool
	)
	for ev := range seq {
		switch ev.Type {
		case EventMessageStart:
			msg = &Message{Type: "message", Role: "assistant", Content: []ContentBlock{}}
			if ev.Message != nil {
				msg.ID, msg.Model = ev.Message.ID, ev.Message.Model
			}
			if ev.Usage != nil {
				msg.Usage.InputTokens = ev.Usage.InputTokens
			}

		case EventContentBlockStart:
			if ev.Block == nil {
				continue
			}
			b := &blockBuilder{block: ContentBlock{Type: ev.Block.Kind, ID: ev.Block.ID, Name: ev.Block.Name}}
			builders[ev.Index] = b
			order = append(order, ev.Index)

		case EventContentBlockDelta:
			b, ok := builders[ev.Index]
			if !ok || ev.Delta == nil {
				continue
			}
			if ev.Delta.Kind == DeltaInputJSON {
				b.buf.WriteString(ev.Delta.PartialJSON)
			} else {
				b.buf.WriteString(ev.Delta.Text)
			}

		case EventMessageDelta:
			if msg != nil {
				msg.StopReason = ev.StopReason
				if ev.Usage != nil {
					msg.Usage = *ev.Usage
				}
			}

		case EventMessageStop:
			stopped = true

		case EventError:
			if ev.Error != nil {
				return nil, ev.Error
			}
			return nil, &ErrorInfo{Type: TypeAPI, Message: "unknown error", Kind: KindInternal, Status: 500}
		}
	}
	if msg == nil || !stopped {
		return nil, nil
	}

	for _, idx := range order {
		b := builders[idx]
		switch b.block.Type {
		case BlockToolUse:
			input := strings.TrimSpace(b.buf.String())
			if input == "" || !json.Valid([]byte(input)) {
				input = "{}"
			}
			b.block.Input = json.RawMessage(input)
		default:
			b.block.Text = b.buf.String()
		}
		msg.Content = append(msg.Content, b.block)
	}
	return msg, nil
}
