// Package tokens estimates token counts when the backend does not report them.
//
// DESIGN: Two estimators behind one interface:
//   - approx:   len(text) / bytes_per_token, no dependencies, the default
//   - tiktoken: BPE encoding via tiktoken-go (cl100k_base unless configured)
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/compresr/turnstile/internal/history"
)

const (
	KindApprox   = "approx"
	KindTiktoken = "tiktoken"

	DefaultBytesPerToken = 4
	DefaultEncoding      = "cl100k_base"

	// perMessageOverhead approximates role and framing tokens per message.
	perMessageOverhead = 4
)

// Config selects an estimator.
type Config struct {
	Tokenizer     string `yaml:"tokenizer"`       // approx | tiktoken
	Encoding      string `yaml:"encoding"`        // tiktoken encoding name
	BytesPerToken int    `yaml:"bytes_per_token"` // approx ratio
}

// WithDefaults fills unset fields.
func WithDefaults(cfg Config) Config {
	if cfg.Tokenizer == "" {
		cfg.Tokenizer = KindApprox
	}
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultEncoding
	}
	if cfg.BytesPerToken == 0 {
		cfg.BytesPerToken = DefaultBytesPerToken
	}
	return cfg
}

// Validate checks the estimator selection.
func (c Config) Validate() error {
	switch c.Tokenizer {
	case KindApprox, KindTiktoken:
	default:
		return fmt.Errorf("tokens.tokenizer must be %q or %q, got %q", KindApprox, KindTiktoken, c.Tokenizer)
	}
	if c.BytesPerToken < 1 {
		return fmt.Errorf("tokens.bytes_per_token must be >= 1")
	}
	return nil
}

// Estimator counts tokens in text.
type Estimator interface {
	Count(text string) int
}

// New builds the configured estimator. The tiktoken encoding is loaded on
// first use; a load failure falls back to the approximation.
func New(cfg Config) (Estimator, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	approx := Approx{BytesPerToken: cfg.BytesPerToken}
	if cfg.Tokenizer == KindTiktoken {
		return &bpe{encoding: cfg.Encoding, fallback: approx}, nil
	}
	return approx, nil
}

// Approx estimates one token per BytesPerToken bytes, rounding up.
type Approx struct {
	BytesPerToken int
}

func (a Approx) Count(text string) int {
	ratio := a.BytesPerToken
	if ratio < 1 {
		ratio = DefaultBytesPerToken
	}
	return (len(text) + ratio - 1) / ratio
}

type bpe struct {
	encoding string
	fallback Approx

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (b *bpe) Count(text string) int {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding(b.encoding)
		if err == nil {
			b.enc = enc
		}
	})
	if b.enc == nil {
		return b.fallback.Count(text)
	}
	return len(b.enc.Encode(text, nil, nil))
}

// CountHistory estimates the prompt size of a system prompt plus history.
func CountHistory(e Estimator, system string, h []history.Turn) int {
	total := 0
	if system != "" {
		total += e.Count(system) + perMessageOverhead
	}
	for _, t := range h {
		total += perMessageOverhead
		for _, b := range t.Blocks {
			switch blk := b.(type) {
			case history.Text:
				total += e.Count(blk.Value)
			case history.ToolUse:
				total += e.Count(blk.Name) + e.Count(string(blk.Arguments))
			case history.ToolResult:
				total += e.Count(blk.Content)
			}
		}
	}
	return total
}
