// Package monitoring - telemetry.go records completions to a JSONL file.
//
// DESIGN: CompletionLog is a CompletionSink that appends one JSON object per
// finished session. Events are appended immediately for real-time tailing.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// CompletionLog writes completions as JSONL.
type CompletionLog struct {
	config CompletionLogConfig
	path   string
	count  int
	mu     sync.Mutex
}

// NewCompletionLog creates the log, making sure the target directory exists.
func NewCompletionLog(cfg CompletionLogConfig) (*CompletionLog, error) {
	l := &CompletionLog{config: cfg}
	if !cfg.Enabled || cfg.Path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		if f, err := os.Create(cfg.Path); err == nil {
			f.Close()
		}
	}
	l.path = cfg.Path
	return l, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordCompletion implements CompletionSink.
func (l *CompletionLog) RecordCompletion(c Completion) {
	if !l.config.Enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.LogToStdout {
		log.Info().
			Str("request_id", c.RequestID).
			Str("session_id", c.SessionID).
			Str("outcome", string(c.Outcome)).
			Int("input_tokens", c.InputTokens).
			Int("output_tokens", c.OutputTokens).
			Dur("duration", c.Duration).
			Msg("completion")
	}

	if l.path == "" {
		return
	}
	if err := appendJSONL(l.path, c); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("telemetry: failed to write completion")
		return
	}
	l.count++
}

// Count returns how many completions were written.
func (l *CompletionLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close logs a summary.
func (l *CompletionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" && l.count > 0 {
		log.Info().Str("path", l.path).Int("completions", l.count).Msg("telemetry: completion log closed")
	}
	return nil
}
