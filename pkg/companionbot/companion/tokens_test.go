package companion

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "abcd", 1},
		{"ascii rounding up", "abcde", 2},
		{"hangul", "안녕하세", 2},
		{"mixed", "hi 안녕", 2}, // 3 other chars /4 + 2 hangul /2 = 1.75 → 2
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateTokens(tc.text); got != tc.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
			}
		})
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	msgs := []Message{
		NewMessage(RoleUser, "abcd"),
		NewMessage(RoleAssistant, "abcd"),
	}
	// 1 token each + 4 overhead per message.
	if got := EstimateMessageTokens(msgs); got != 10 {
		t.Errorf("EstimateMessageTokens = %d, want 10", got)
	}
	if got := EstimateMessageTokens(nil); got != 0 {
		t.Errorf("EstimateMessageTokens(nil) = %d, want 0", got)
	}
}
