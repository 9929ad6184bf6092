package session

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/compresr/turnstile/internal/upstream"
)

// finish_reason → stop_reason.
var stopReasons = map[string]string{
	"stop":           "end_turn",
	"tool_calls":     "tool_use",
	"function_call":  "tool_use",
	"length":         "max_tokens",
	"content_filter": "refusal",
}

// translator turns upstream chat completion chunks into downstream events.
// It keeps at most one content block open; a chunk carrying content of a
// different block closes the open one first, so one upstream frame may expand
// into stop/start/delta events. Output is in frame order.
type translator struct {
	nextIndex int
	open      bool
	openIndex int
	openKind  string
	openTool  int // upstream tool_call index of the open tool block

	toolBlocks map[int]int // upstream tool_call index → block index

	finishReason string
	usage        Usage
	usageSeen    bool
	output       strings.Builder // emitted text and arguments, for estimating output tokens
}

func newTranslator() *translator {
	return &translator{toolBlocks: make(map[int]int)}
}

// chunk translates one data frame. A backend error chunk or malformed JSON
// is a protocol violation.
func (t *translator) chunk(data []byte) ([]Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, upstream.StreamError("malformed chunk: %s", truncate(string(data), 200))
	}
	doc := gjson.ParseBytes(data)
	if errField := doc.Get("error"); errField.Exists() && errField.Type != gjson.Null {
		msg := errField.Get("message").String()
		if msg == "" {
			msg = errField.String()
		}
		return nil, upstream.StreamError("backend error: %s", truncate(msg, 500))
	}

	if u := doc.Get("usage"); u.IsObject() {
		if pt := u.Get("prompt_tokens"); pt.Exists() {
			t.usage.InputTokens = int(pt.Int())
			t.usageSeen = true
		}
		if ct := u.Get("completion_tokens"); ct.Exists() {
			t.usage.OutputTokens = int(ct.Int())
			t.usageSeen = true
		}
	}

	choice := doc.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	var events []Event
	delta := choice.Get("delta")

	if content := delta.Get("content"); content.Type == gjson.String && content.Str != "" {
		if !t.open || t.openKind != BlockText {
			events = t.closeOpen(events)
			events = t.start(events, &BlockInfo{Kind: BlockText})
		}
		t.output.WriteString(content.Str)
		events = append(events, Event{
			Type:  EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &DeltaInfo{Kind: DeltaText, Text: content.Str},
		})
	}

	var err error
	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		events, err = t.toolCall(events, call)
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.Str != "" {
		t.finishReason = fr.Str
	}
	return events, nil
}

func (t *translator) toolCall(events []Event, call gjson.Result) ([]Event, error) {
	idx := int(call.Get("index").Int())
	name := call.Get("function.name").String()
	args := call.Get("function.arguments").String()

	if _, known := t.toolBlocks[idx]; !known {
		if name == "" {
			return nil, upstream.StreamError("tool call %d has arguments before a name", idx)
		}
		id := call.Get("id").String()
		if id == "" {
			id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		events = t.closeOpen(events)
		events = t.start(events, &BlockInfo{Kind: BlockToolUse, ID: id, Name: name})
		t.openTool = idx
		t.toolBlocks[idx] = t.openIndex
	}

	if args == "" {
		return events, nil
	}
	if !t.open || t.openKind != BlockToolUse || t.openTool != idx {
		return nil, upstream.StreamError("arguments for tool call %d after its block was closed", idx)
	}
	t.output.WriteString(args)
	return append(events, Event{
		Type:  EventContentBlockDelta,
		Index: t.openIndex,
		Delta: &DeltaInfo{Kind: DeltaInputJSON, PartialJSON: args},
	}), nil
}

func (t *translator) start(events []Event, block *BlockInfo) []Event {
	t.open = true
	t.openIndex = t.nextIndex
	t.openKind = block.Kind
	t.nextIndex++
	return append(events, Event{Type: EventContentBlockStart, Index: t.openIndex, Block: block})
}

func (t *translator) closeOpen(events []Event) []Event {
	if !t.open {
		return events
	}
	t.open = false
	return append(events, Event{Type: EventContentBlockStop, Index: t.openIndex})
}

// finished reports whether the backend signalled a finish_reason.
func (t *translator) finished() bool { return t.finishReason != "" }

// stopReason maps the recorded finish_reason; unknown values pass through.
func (t *translator) stopReason() string {
	if t.finishReason == "" {
		return "end_turn"
	}
	if r, ok := stopReasons[t.finishReason]; ok {
		return r
	}
	return t.finishReason
}

// complete closes the open block and emits message_delta and message_stop.
func (t *translator) complete(usage Usage) []Event {
	events := t.closeOpen(nil)
	return append(events,
		Event{Type: EventMessageDelta, StopReason: t.stopReason(), Usage: &usage},
		Event{Type: EventMessageStop},
	)
}
