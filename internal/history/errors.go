package history

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidHistory is matched by every *ValidationError via errors.Is.
	ErrInvalidHistory = errors.New("invalid history")

	// ErrLoopDetected is matched by every *LoopDetectedError via errors.Is.
	ErrLoopDetected = errors.New("tool call loop detected")
)

// ValidationError describes a structural defect in the input history.
// The history is never auto-repaired.
type ValidationError struct {
	Turn      int    // Index of the offending input turn (-1 if not turn-specific)
	Block     int    // Index of the offending block within the turn (-1 if not block-specific)
	ToolUseID string // Tool use id involved, if any
	Reason    string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid history")
	if e.Turn >= 0 {
		fmt.Fprintf(&b, " at turn %d", e.Turn)
	}
	if e.Block >= 0 {
		fmt.Fprintf(&b, " block %d", e.Block)
	}
	if e.ToolUseID != "" {
		fmt.Fprintf(&b, " (tool_use_id %q)", e.ToolUseID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrInvalidHistory }

func invalid(turn, block int, id, format string, args ...any) *ValidationError {
	return &ValidationError{Turn: turn, Block: block, ToolUseID: id, Reason: fmt.Sprintf(format, args...)}
}

// LoopDetectedError reports a repeated tool-call pattern.
type LoopDetectedError struct {
	Turn       int         // Input turn index at which the loop was classified
	Signatures []Signature // The repeated signature multiset
	Repeats    int         // Consecutive assistant turns carrying it
	Window     int         // Configured detection window
	Reason     string
}

func (e *LoopDetectedError) Error() string {
	names := make([]string, len(e.Signatures))
	for i, s := range e.Signatures {
		names[i] = s.String()
	}
	return fmt.Sprintf("tool call loop detected at turn %d: %s (signature [%s], %d repeats, window %d)",
		e.Turn, e.Reason, strings.Join(names, ", "), e.Repeats, e.Window)
}

func (e *LoopDetectedError) Unwrap() error { return ErrLoopDetected }
