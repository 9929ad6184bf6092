// Package history models conversation turns and normalizes them before they
// are sent upstream.
//
// DESIGN: A request's messages are decoded into a closed set of content block
// variants (Text, ToolUse, ToolResult) grouped into role-tagged Turns. The
// Normalizer then makes one pass over the turns:
//  1. Merge adjacent same-role text-only turns. Turns carrying a ToolUse or a
//     ToolResult always stay standalone.
//  2. Verify every tool_use is answered by exactly one tool_result before the
//     next assistant turn.
//  3. Detect runaway repetition of identical tool calls (loop detection).
//
// FILES:
//   - types.go:      ContentBlock union, Turn, History
//   - wire.go:       Anthropic Messages API decoding
//   - signature.go:  ToolCallSignature derivation
//   - loop.go:       sliding-window loop detector
//   - normalizer.go: merge + validate + detect pass
//   - errors.go:     ValidationError, LoopDetectedError
package history

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// BlockKind is the wire discriminator of a content block.
type BlockKind string

const (
	KindText       BlockKind = "text"
	KindToolUse    BlockKind = "tool_use"
	KindToolResult BlockKind = "tool_result"
)

// =============================================================================
// CONTENT BLOCKS - closed union, consumers switch exhaustively
// =============================================================================

// ContentBlock is one of Text, ToolUse or ToolResult.
// The unexported marker keeps the set closed to this package.
type ContentBlock interface {
	Kind() BlockKind
	block()
}

// Text is a plain text block.
type Text struct {
	Value string
}

// ToolUse is a tool invocation requested by the assistant.
type ToolUse struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult reports the outcome of a tool invocation back to the assistant.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (Text) Kind() BlockKind       { return KindText }
func (ToolUse) Kind() BlockKind    { return KindToolUse }
func (ToolResult) Kind() BlockKind { return KindToolResult }

func (Text) block()       {}
func (ToolUse) block()    {}
func (ToolResult) block() {}

// NewToolUse copies arguments so the block cannot be mutated through the caller's slice.
func NewToolUse(id, name string, arguments json.RawMessage) ToolUse {
	args := make(json.RawMessage, len(arguments))
	copy(args, arguments)
	return ToolUse{ID: id, Name: name, Arguments: args}
}

// =============================================================================
// TURNS
// =============================================================================

// Turn is one role-tagged, ordered group of content blocks.
// Turns are never mutated after construction, only replaced.
type Turn struct {
	Role   Role
	Blocks []ContentBlock
}

// NewTurn builds a turn from blocks, copying the block slice.
func NewTurn(role Role, blocks ...ContentBlock) Turn {
	b := make([]ContentBlock, len(blocks))
	copy(b, blocks)
	return Turn{Role: role, Blocks: b}
}

// UserText is shorthand for a user turn holding a single text block.
func UserText(text string) Turn {
	return NewTurn(RoleUser, Text{Value: text})
}

// AssistantText is shorthand for an assistant turn holding a single text block.
func AssistantText(text string) Turn {
	return NewTurn(RoleAssistant, Text{Value: text})
}

// HasToolResult reports whether any block is a ToolResult.
func (t Turn) HasToolResult() bool {
	for _, b := range t.Blocks {
		if _, ok := b.(ToolResult); ok {
			return true
		}
	}
	return false
}

// HasToolUse reports whether any block is a ToolUse.
func (t Turn) HasToolUse() bool {
	for _, b := range t.Blocks {
		if _, ok := b.(ToolUse); ok {
			return true
		}
	}
	return false
}

// TextOnly reports whether every block is Text.
func (t Turn) TextOnly() bool {
	for _, b := range t.Blocks {
		if _, ok := b.(Text); !ok {
			return false
		}
	}
	return true
}

// ToolUses returns the turn's tool invocations in block order.
func (t Turn) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, b := range t.Blocks {
		if tu, ok := b.(ToolUse); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// ToolResults returns the turn's tool results in block order.
func (t Turn) ToolResults() []ToolResult {
	var results []ToolResult
	for _, b := range t.Blocks {
		if tr, ok := b.(ToolResult); ok {
			results = append(results, tr)
		}
	}
	return results
}

// Text concatenates all text blocks of the turn, separated by newlines.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Blocks {
		if txt, ok := b.(Text); ok {
			parts = append(parts, txt.Value)
		}
	}
	return strings.Join(parts, "\n")
}

// History is an ordered sequence of turns.
type History []Turn

// NormalizedHistory is a History that passed merge, pairing validation and loop detection.
type NormalizedHistory []Turn

// History converts back to a plain History, e.g. to normalize again.
func (n NormalizedHistory) History() History {
	return History(n)
}
