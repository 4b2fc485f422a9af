// Package companion implements the stateful conversational runtime:
// per-chat sessions with token-budgeted trimming and summarization, the
// LLM tool-use orchestration loop, background agents, prompt assembly,
// and the workspace file adapter.
package companion

import "math"

// perMessageOverhead approximates the provider's per-message framing cost.
const perMessageOverhead = 4

// EstimateTokens approximates the provider token count of a text.
// Hangul syllables average ~2 chars per token, everything else ~4.
// Used only for local budget control, never for billing.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var hangul, other int
	for _, r := range text {
		if isHangul(r) {
			hangul++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(hangul)/2 + float64(other)/4))
}

// EstimateMessageTokens approximates the token count of a message array,
// including the per-message overhead.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.TextContent()) + perMessageOverhead
	}
	return total
}

// isHangul reports whether r is a Korean character (syllables, jamo,
// compatibility jamo).
func isHangul(r rune) bool {
	switch {
	case r >= 0xAC00 && r <= 0xD7A3: // syllables
		return true
	case r >= 0x1100 && r <= 0x11FF: // jamo
		return true
	case r >= 0x3130 && r <= 0x318F: // compatibility jamo
		return true
	}
	return false
}
