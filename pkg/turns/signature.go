package turns

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Signature fingerprints a batch of tool calls by name and canonicalized
// arguments. The controller compares consecutive fingerprints to detect a
// loop that keeps issuing the same calls. Call ids are excluded so two
// batches requesting the same work hash identically.
func Signature(calls []ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, c.Name+"("+canonicalArgs(c.Arguments)+")")
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}

// canonicalArgs normalizes JSON arguments so key order does not change the
// signature. Unparseable arguments fall back to their raw text.
func canonicalArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
