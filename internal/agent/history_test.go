package agent

import (
	"strings"
	"testing"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		msg  llm.Message
		want int
	}{
		{"empty", llm.Message{}, 0},
		{"short rounds down", llm.Message{Role: "user", Content: "Hi"}, 1},
		{"tiny rounds up to one", llm.Message{Role: "u"}, 1},
		{"long", llm.Message{Role: "assistant", Content: strings.Repeat("a", 400)}, 102},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.msg); got != tt.want {
				t.Errorf("estimateTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHistory_DropsOldestTurns(t *testing.T) {
	h := NewHistory(60)
	h.Add("q1", strings.Repeat("a", 100)) // ~28 tokens
	h.Add("q2", strings.Repeat("b", 100))
	if got := len(h.Messages()); got != 4 {
		t.Fatalf("got %d messages, want 4", got)
	}
	h.Add("q3", strings.Repeat("c", 100))

	msgs := h.Messages()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Content != "q2" || msgs[2].Content != "q3" {
		t.Errorf("unexpected retained turns: %+v", msgs)
	}
	if h.Tokens() > 60 {
		t.Errorf("tokens %d over budget", h.Tokens())
	}
}

func TestHistory_KeepsNewestTurnOverBudget(t *testing.T) {
	h := NewHistory(10)
	h.Add("q", strings.Repeat("x", 400))
	if got := len(h.Messages()); got != 2 {
		t.Fatalf("got %d messages, want 2", got)
	}
	h.Reset()
	if len(h.Messages()) != 0 || h.Tokens() != 0 {
		t.Error("Reset did not clear history")
	}
}
