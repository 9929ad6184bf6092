package history

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// Signature is the loop detector's key for a tool call: tool name plus a hash
// of the canonicalized arguments. It lives only inside the detection window.
type Signature struct {
	ToolName      string
	ArgumentsHash string
}

// String renders the signature as name#hash.
func (s Signature) String() string {
	return s.ToolName + "#" + s.ArgumentsHash
}

// SignatureOf derives the signature of a tool invocation.
func SignatureOf(tu ToolUse) Signature {
	sum := sha256.Sum256(canonicalArguments(tu.Arguments))
	return Signature{ToolName: tu.Name, ArgumentsHash: hex.EncodeToString(sum[:])[:16]}
}

// canonicalArguments re-encodes JSON arguments so that key order and
// whitespace do not change the hash. Unparseable input is hashed as-is.
func canonicalArguments(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	canonical, err := json.Marshal(v) // map keys are emitted sorted
	if err != nil {
		return trimmed
	}
	return canonical
}

// signatureSet is a sorted multiset of signatures.
type signatureSet []Signature

func signaturesOf(t Turn) signatureSet {
	uses := t.ToolUses()
	set := make(signatureSet, 0, len(uses))
	for _, tu := range uses {
		set = append(set, SignatureOf(tu))
	}
	slices.SortFunc(set, func(a, b Signature) int {
		return cmp.Or(strings.Compare(a.ToolName, b.ToolName), strings.Compare(a.ArgumentsHash, b.ArgumentsHash))
	})
	return set
}

func (s signatureSet) equal(o signatureSet) bool {
	return slices.Equal(s, o)
}
