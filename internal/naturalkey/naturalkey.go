// Package naturalkey derives content-based identifiers used to match
// transcript-parser output against records already in the store.
package naturalkey

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Message returns the natural key of a conversation turn. Whitespace is
// normalized so hook prompts and transcript text hash identically.
func Message(role, content string) string {
	h := blake3.New()
	_, _ = h.WriteString(strings.ToLower(strings.TrimSpace(role)))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.Join(strings.Fields(content), " "))
	sum := h.Sum(nil)
	return "msg_" + hex.EncodeToString(sum[:16])
}

// ToolUse returns the natural key of a tool invocation: its invocation id,
// which both the hook payload and the transcript carry.
func ToolUse(invocationID string) string {
	return strings.TrimSpace(invocationID)
}
