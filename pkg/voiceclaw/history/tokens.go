package history

import (
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// MessageOverhead is the fixed per-message token cost.
const MessageOverhead = 4

// EstimateText approximates the token count of text at four bytes per
// token, rounded up.
func EstimateText(text string) int {
	return (len(text) + 3) / 4
}

// Estimate returns the token cost of a message. Tool-call names and
// arguments count toward the content.
func Estimate(m store.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return (n+3)/4 + MessageOverhead
}

// capText trims text so that its message cost stays within tokens.
func capText(text string, tokens int) string {
	maxBytes := (tokens - MessageOverhead) * 4
	if maxBytes <= 0 {
		return ""
	}
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	// Back off to a rune boundary.
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}
