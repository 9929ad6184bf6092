package session

import (
	"encoding/json"
	"fmt"
)

// EventType is the downstream SSE event name.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Terminal reports whether the event closes a sequence.
func (t EventType) Terminal() bool {
	return t == EventMessageStop || t == EventError
}

// Block kinds of content_block_start.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// Delta kinds of content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// Event is one downstream protocol event. Which fields are set depends on Type.
type Event struct {
	Type EventType

	Message *MessageInfo // message_start
	Index   int          // content_block_*
	Block   *BlockInfo   // content_block_start
	Delta   *DeltaInfo   // content_block_delta

	StopReason string // message_delta
	Usage      *Usage // message_start (input only), message_delta

	Error *ErrorInfo // error
}

// MessageInfo describes the response message in message_start.
type MessageInfo struct {
	ID    string
	Model string
}

// BlockInfo describes a newly opened content block.
type BlockInfo struct {
	Kind string // BlockText or BlockToolUse
	ID   string // tool_use only
	Name string // tool_use only
}

// DeltaInfo is an incremental content update.
type DeltaInfo struct {
	Kind        string // DeltaText or DeltaInputJSON
	Text        string
	PartialJSON string
}

// Usage carries token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// =============================================================================
// WIRE ENCODING
// =============================================================================

type wireMessage struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Model        string  `json:"model"`
	Content      []any   `json:"content"`
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type wireBlockStart struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireDelta struct {
	Type        string  `json:"type"`
	Text        *string `json:"text,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
}

type wireStop struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MarshalJSON renders the event's data payload in Messages API shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMessageStart:
		msg := wireMessage{Type: "message", Role: "assistant", Content: []any{}}
		if e.Message != nil {
			msg.ID, msg.Model = e.Message.ID, e.Message.Model
		}
		if e.Usage != nil {
			msg.Usage = *e.Usage
		}
		return json.Marshal(struct {
			Type    EventType   `json:"type"`
			Message wireMessage `json:"message"`
		}{e.Type, msg})

	case EventContentBlockStart:
		if e.Block == nil {
			return nil, fmt.Errorf("content_block_start without block")
		}
		block := wireBlockStart{Type: e.Block.Kind}
		switch e.Block.Kind {
		case BlockToolUse:
			block.ID, block.Name, block.Input = e.Block.ID, e.Block.Name, json.RawMessage("{}")
		default:
			empty := ""
			block.Text = &empty
		}
		return json.Marshal(struct {
			Type         EventType      `json:"type"`
			Index        int            `json:"index"`
			ContentBlock wireBlockStart `json:"content_block"`
		}{e.Type, e.Index, block})

	case EventContentBlockDelta:
		if e.Delta == nil {
			return nil, fmt.Errorf("content_block_delta without delta")
		}
		d := wireDelta{Type: e.Delta.Kind}
		if e.Delta.Kind == DeltaInputJSON {
			d.PartialJSON = &e.Delta.PartialJSON
		} else {
			d.Text = &e.Delta.Text
		}
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
			Delta wireDelta `json:"delta"`
		}{e.Type, e.Index, d})

	case EventContentBlockStop:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
		}{e.Type, e.Index})

	case EventMessageDelta:
		var usage Usage
		if e.Usage != nil {
			usage = *e.Usage
		}
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Delta wireStop  `json:"delta"`
			Usage Usage     `json:"usage"`
		}{e.Type, wireStop{StopReason: e.StopReason}, usage})

	case EventError:
		info := ErrorInfo{Type: TypeAPI, Message: "unknown error"}
		if e.Error != nil {
			info = *e.Error
		}
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error ErrorInfo `json:"error"`
		}{e.Type, info})

	case EventMessageStop, EventPing:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// ParseEvent decodes an event previously produced by MarshalJSON.
func ParseEvent(data []byte) (Event, error) {
	var raw struct {
		Type    EventType `json:"type"`
		Index   int       `json:"index"`
		Message *struct {
			ID    string `json:"id"`
			Model string `json:"model"`
			Usage Usage  `json:"usage"`
		} `json:"message"`
		ContentBlock *struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta *struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
			StopReason  string `json:"stop_reason"`
		} `json:"delta"`
		Usage *Usage     `json:"usage"`
		Error *ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	e := Event{Type: raw.Type, Index: raw.Index, Usage: raw.Usage, Error: raw.Error}
	switch raw.Type {
	case EventMessageStart:
		if raw.Message != nil {
			e.Message = &MessageInfo{ID: raw.Message.ID, Model: raw.Message.Model}
			u := raw.Message.Usage
			e.Usage = &u
		}
	case EventContentBlockStart:
		if raw.ContentBlock != nil {
			e.Block = &BlockInfo{Kind: raw.ContentBlock.Type, ID: raw.ContentBlock.ID, Name: raw.ContentBlock.Name}
		}
	case EventContentBlockDelta:
		if raw.Delta != nil {
			e.Delta = &DeltaInfo{Kind: raw.Delta.Type, Text: raw.Delta.Text, PartialJSON: raw.Delta.PartialJSON}
		}
	case EventMessageDelta:
		if raw.Delta != nil {
			e.StopReason = raw.Delta.StopReason
		}
	case EventError:
		if e.Error == nil {
			e.Error = &ErrorInfo{Type: TypeAPI}
		}
	}
	return e, nil
}
