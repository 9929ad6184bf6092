package tokens_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/tokens"
)

func TestApprox_RoundsUp(t *testing.T) {
	a := tokens.Approx{BytesPerToken: 4}
	assert.Equal(t, 0, a.Count(""))
	assert.Equal(t, 1, a.Count("abc"))
	assert.Equal(t, 1, a.Count("abcd"))
	assert.Equal(t, 2, a.Count("abcde"))
}

func TestNew_DefaultsToApprox(t *testing.T) {
	e, err := tokens.New(tokens.Config{})
	require.NoError(t, err)
	assert.IsType(t, tokens.Approx{}, e)

	_, err = tokens.New(tokens.Config{Tokenizer: "sentencepiece"})
	assert.Error(t, err)
}

func TestCountHistory(t *testing.T) {
	e := tokens.Approx{BytesPerToken: 4}
	h := history.NormalizedHistory{
		history.UserText("12345678"), // 2
		history.NewTurn(history.RoleAssistant, history.NewToolUse("1", "ls", json.RawMessage(`{}`))), // 1 + 1
		history.NewTurn(history.RoleUser, history.ToolResult{ToolUseID: "1", Content: "1234"}),      // 1
	}
	// 3 turns * 4 overhead + system (1 + 4)
	assert.Equal(t, 2+2+1+12+5, tokens.CountHistory(e, "sys", h))
}
