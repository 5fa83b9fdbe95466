package memory

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaycode/agentrt/internal/conversation"
)

// TokenCounter counts tokens via a fixed tiktoken encoding, falling back
// to characters/4 if the encoder could not be constructed or fails to
// encode, per §4.3. Grounded on the teacher's pkg/utils.TokenCounter.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// NewTokenCounter builds a counter on the cl100k_base encoding (the
// encoding the teacher uses to approximate non-OpenAI models).
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("memory: failed to load tiktoken encoding, falling back to char approximation", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{encoding: enc}
}

// Count returns the token cost of text, falling back to len(text)/4 when
// no encoder is available or encoding fails.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return fallbackCount(text)
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

func fallbackCount(text string) int {
	return len(text) / 4
}

// CountMessage returns the token cost of one message: its plain text (for
// system/user) or the concatenation of its block texts (for assistant/
// tool-result carriers), plus a small per-message overhead.
func (tc *TokenCounter) CountMessage(m conversation.Message) int {
	const perMessageOverhead = 4
	total := perMessageOverhead + tc.Count(m.Text)
	for _, b := range m.Blocks {
		switch b.Kind {
		case conversation.BlockText:
			total += tc.Count(b.BlockText)
		case conversation.BlockReasoning:
			total += tc.Count(b.ReasoningText) + tc.Count(b.Signature)
		case conversation.BlockToolUse:
			total += tc.Count(b.ToolName)
			for _, v := range b.ToolInput {
				if s, ok := v.(string); ok {
					total += tc.Count(s)
				}
			}
		case conversation.BlockToolResult:
			total += tc.Count(b.BlockText)
		}
	}
	return total
}
