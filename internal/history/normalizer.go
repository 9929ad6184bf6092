package history

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default loop detection settings, used when the config leaves them unset.
const (
	DefaultLoopDetectionWindow    = 4
	DefaultLoopDetectionThreshold = 2
)

// Config controls normalization.
type Config struct {
	LoopDetectionWindow    int  `yaml:"loop_detection_window"`    // Assistant turns kept for loop detection
	LoopDetectionThreshold int  `yaml:"loop_detection_threshold"` // Consecutive identical turns that count as a loop
	DebugConversionLogging bool `yaml:"debug_conversion_logging"` // Trace every merge/isolate decision
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.LoopDetectionWindow == 0 {
		cfg.LoopDetectionWindow = DefaultLoopDetectionWindow
	}
	if cfg.LoopDetectionThreshold == 0 {
		cfg.LoopDetectionThreshold = DefaultLoopDetectionThreshold
	}
	return cfg
}

// Validate checks the loop detection bounds.
func (c Config) Validate() error {
	if c.LoopDetectionWindow < 2 {
		return fmt.Errorf("normalizer.loop_detection_window must be >= 2, got %d", c.LoopDetectionWindow)
	}
	if c.LoopDetectionThreshold < 2 {
		return fmt.Errorf("normalizer.loop_detection_threshold must be >= 2, got %d", c.LoopDetectionThreshold)
	}
	if c.LoopDetectionThreshold > c.LoopDetectionWindow {
		return fmt.Errorf("normalizer.loop_detection_threshold (%d) cannot exceed loop_detection_window (%d)",
			c.LoopDetectionThreshold, c.LoopDetectionWindow)
	}
	return nil
}

// Normalizer merges, validates and loop-checks histories. It holds no
// per-request state and is safe for concurrent use.
type Normalizer struct {
	cfg    Config
	logger zerolog.Logger
}

// NewNormalizer creates a normalizer; unset config fields get defaults.
func NewNormalizer(cfg Config) *Normalizer {
	return &Normalizer{
		cfg:    WithDefaults(cfg),
		logger: log.With().Str("component", "normalizer").Logger(),
	}
}

// Config returns the effective configuration.
func (n *Normalizer) Config() Config { return n.cfg }

// Normalize returns the merge-canonicalized history, or a *ValidationError /
// *LoopDetectedError. Detection runs per emitted turn, so processing stops at
// the first defect and no partial output is returned.
func (n *Normalizer) Normalize(h History) (NormalizedHistory, error) {
	s := &scan{
		n:        n,
		out:      make(NormalizedHistory, 0, len(h)),
		detector: newLoopDetector(n.cfg.LoopDetectionWindow, n.cfg.LoopDetectionThreshold),
		answered: make(map[string]bool),
		seen:     make(map[string]bool),
	}

	for i, turn := range h {
		if err := checkTurn(i, turn); err != nil {
			return nil, err
		}

		// Only text-only turns are buffered; tool uses and tool results
		// stay the distinct turns the client sent.
		if !turn.TextOnly() {
			if err := s.flush(); err != nil {
				return nil, err
			}
			n.trace("isolate", i, turn)
			if err := s.emit(i, turn); err != nil {
				return nil, err
			}
			continue
		}

		if s.pending != nil && s.pending.Role == turn.Role {
			n.trace("merge", i, turn)
			merged := make([]ContentBlock, 0, len(s.pending.Blocks)+len(turn.Blocks))
			merged = append(merged, s.pending.Blocks...)
			merged = append(merged, turn.Blocks...)
			s.pending = &Turn{Role: turn.Role, Blocks: merged}
			continue
		}

		if err := s.flush(); err != nil {
			return nil, err
		}
		pending := NewTurn(turn.Role, turn.Blocks...)
		s.pending = &pending
		s.pendingAt = i
	}

	if err := s.flush(); err != nil {
		return nil, err
	}
	if err := s.finish(); err != nil {
		return nil, err
	}
	return s.out, nil
}

func (n *Normalizer) trace(action string, index int, t Turn) {
	if !n.cfg.DebugConversionLogging {
		return
	}
	n.logger.Info().
		Str("action", action).
		Int("turn", index).
		Str("role", string(t.Role)).
		Int("blocks", len(t.Blocks)).
		Bool("tool_result", t.HasToolResult()).
		Msg("normalizer: turn")
}

// checkTurn rejects turns that cannot be represented regardless of context.
func checkTurn(i int, t Turn) error {
	if !t.Role.Valid() {
		return invalid(i, -1, "", "unknown role %q", t.Role)
	}
	if len(t.Blocks) == 0 {
		return invalid(i, -1, "", "turn has no content blocks")
	}
	for j, b := range t.Blocks {
		switch blk := b.(type) {
		case Text:
		case ToolUse:
			if t.Role != RoleAssistant {
				return invalid(i, j, blk.ID, "tool_use block in %s turn", t.Role)
			}
			if blk.ID == "" {
				return invalid(i, j, "", "tool_use block without id")
			}
			if blk.Name == "" {
				return invalid(i, j, blk.ID, "tool_use block without name")
			}
		case ToolResult:
			if t.Role != RoleUser {
				return invalid(i, j, blk.ToolUseID, "tool_result block in %s turn", t.Role)
			}
			if blk.ToolUseID == "" {
				return invalid(i, j, "", "tool_result block without tool_use_id")
			}
		default:
			return invalid(i, j, "", "unsupported content block %T", b)
		}
	}
	return nil
}

// scan is the state of one Normalize call.
type scan struct {
	n         *Normalizer
	out       NormalizedHistory
	pending   *Turn
	pendingAt int
	detector  *loopDetector

	// Tool uses issued by the latest assistant turn, in order, awaiting results.
	open     []openUse
	answered map[string]bool
	seen     map[string]bool // every tool_use id issued so far
}

type openUse struct {
	id   string
	turn int
}

func (s *scan) flush() error {
	if s.pending == nil {
		return nil
	}
	t := *s.pending
	s.pending = nil
	s.n.trace("flush", s.pendingAt, t)
	return s.emit(s.pendingAt, t)
}

// emit appends a finished turn after checking pairing and loops.
func (s *scan) emit(index int, t Turn) error {
	switch t.Role {
	case RoleAssistant:
		// A runaway loop is the more useful diagnosis when the previous
		// turn's tool uses are also unanswered.
		if err := s.detector.observe(index, t); err != nil {
			return err
		}
		if err := s.requireAnswered(); err != nil {
			return err
		}
		s.open = s.open[:0]
		clear(s.answered)
		for j, b := range t.Blocks {
			tu, ok := b.(ToolUse)
			if !ok {
				continue
			}
			if s.seen[tu.ID] {
				return invalid(index, j, tu.ID, "duplicate tool_use id")
			}
			s.seen[tu.ID] = true
			s.open = append(s.open, openUse{id: tu.ID, turn: index})
		}
	case RoleUser:
		for j, b := range t.Blocks {
			tr, ok := b.(ToolResult)
			if !ok {
				continue
			}
			if !s.isOpen(tr.ToolUseID) {
				return invalid(index, j, tr.ToolUseID, "tool_result does not answer a tool_use of the preceding assistant turn")
			}
			if s.answered[tr.ToolUseID] {
				return invalid(index, j, tr.ToolUseID, "tool_use answered more than once")
			}
			s.answered[tr.ToolUseID] = true
		}
	}
	s.out = append(s.out, t)
	return nil
}

func (s *scan) isOpen(id string) bool {
	for _, u := range s.open {
		if u.id == id {
			return true
		}
	}
	return false
}

func (s *scan) requireAnswered() error {
	for _, u := range s.open {
		if !s.answered[u.id] {
			return invalid(u.turn, -1, u.id, "tool_use has no matching tool_result before the next assistant turn")
		}
	}
	return nil
}

// finish verifies that the final assistant turn's tool uses were answered.
func (s *scan) finish() error {
	return s.requireAnswered()
}
