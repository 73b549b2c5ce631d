package agent

import (
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// charsPerToken is the heuristic byte-to-token ratio used for the budget.
const charsPerToken = 4

// DefaultHistoryTokens is the default history budget.
const DefaultHistoryTokens = 4000

// History keeps the recent turns of a conversation within a token budget.
// When the budget is exceeded the oldest turns are dropped, a user message
// and its reply together. All methods are safe for concurrent use.
type History struct {
	maxTokens int

	mu     sync.Mutex
	tokens int
	turns  []turn
}

type turn struct {
	user, assistant llm.Message
	tokens          int
}

// NewHistory returns a History holding at most maxTokens estimated tokens.
// A non-positive maxTokens selects [DefaultHistoryTokens].
func NewHistory(maxTokens int) *History {
	if maxTokens <= 0 {
		maxTokens = DefaultHistoryTokens
	}
	return &History{maxTokens: maxTokens}
}

// Add records one exchange. The newest turn is always kept, even when it
// alone exceeds the budget.
func (h *History) Add(user, assistant string) {
	t := turn{
		user:      llm.Message{Role: llm.RoleUser, Content: user},
		assistant: llm.Message{Role: llm.RoleAssistant, Content: assistant},
	}
	t.tokens = estimateTokens(t.user) + estimateTokens(t.assistant)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
	h.tokens += t.tokens
	for h.tokens > h.maxTokens && len(h.turns) > 1 {
		h.tokens -= h.turns[0].tokens
		h.turns = h.turns[1:]
	}
}

// Messages returns the retained turns in order.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, 2*len(h.turns))
	for _, t := range h.turns {
		out = append(out, t.user, t.assistant)
	}
	return out
}

// Tokens returns the current estimate.
func (h *History) Tokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

// Reset forgets every turn.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	h.tokens = 0
}

func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
