package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrt/internal/conversation"
)

type stubSummarizer struct {
	calls     int
	lastInput string
	response  string
	err       error
}

func (s *stubSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	s.calls++
	s.lastInput = transcript
	return s.response, s.err
}

func assistantToolUse(id, tool string) conversation.Message {
	return conversation.Message{
		Role: conversation.RoleAssistant,
		Blocks: []conversation.ContentBlock{
			{Kind: conversation.BlockToolUse, ToolUseID: id, ToolName: tool, ToolInput: map[string]any{}},
		},
	}
}

func TestAppend_DuplicateToolUseIDRenamed(t *testing.T) {
	m := New("system prompt", Config{TokenCeiling: 1_000_000}, nil, nil)
	ctx := context.Background()

	m.Append(ctx, assistantToolUse("dup-id", "read_file"))
	m.Append(ctx, conversation.NewToolResultMessage("dup-id", "first result", false, time.Now()))

	// The second turn's assistant message reuses "dup-id" for its own
	// tool-use block (S6) — Append must rename that block, not just the
	// tool-result that follows it, so each tool-use still has exactly one
	// matching result after the collision is resolved.
	m.Append(ctx, assistantToolUse("dup-id", "read_file"))
	m.Append(ctx, conversation.NewToolResultMessage("dup-id", "second result", false, time.Now()))

	_, replay := m.Replay()

	toolUseIDs := map[string]int{}
	resultIDs := map[string]int{}
	for _, msg := range replay {
		for _, b := range msg.ToolUseBlocks() {
			toolUseIDs[b.ToolUseID]++
		}
		if id, ok := msg.ToolResultID(); ok {
			resultIDs[id]++
		}
	}

	require.Len(t, toolUseIDs, 2, "expected the second tool-use block to be renamed to a fresh id")
	require.Len(t, resultIDs, 2, "expected the second tool-result to be renamed to match")
	for _, count := range toolUseIDs {
		assert.Equal(t, 1, count, "no two live tool-use identifiers may collide (I2)")
	}
	for _, count := range resultIDs {
		assert.Equal(t, 1, count)
	}

	// Every tool-use id in the replay must have exactly one matching
	// tool-result id, and vice versa (I1).
	assert.Equal(t, toolUseIDs, resultIDs, "every tool-use must pair with the correspondingly renamed tool-result")
}

func TestReplay_IncludesCachedSystemAndSummary(t *testing.T) {
	m := New("system prompt", Config{TokenCeiling: 1_000_000}, nil, nil)
	m.summary = "earlier context"

	system, replay := m.Replay()
	assert.True(t, system.EphemeralCache)
	assert.Equal(t, "system prompt", system.Text)
	require.NotEmpty(t, replay)
	assert.Contains(t, replay[0].Text, "earlier context")
	assert.Contains(t, replay[0].Text, summaryDelimiterOpen)
}

func TestSummarize_TriggersOnCeilingAndTrimsToTail(t *testing.T) {
	stub := &stubSummarizer{response: "condensed"}
	m := New("system prompt", Config{TokenCeiling: 1, TailSize: 2}, stub, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.Append(ctx, conversation.Message{Role: conversation.RoleUser, Text: "hello there, this is a reasonably long message to push past the ceiling"})
	}

	require.GreaterOrEqual(t, stub.calls, 1)
	m.mu.Lock()
	summary := m.summary
	remaining := len(m.messages)
	m.mu.Unlock()
	assert.Contains(t, summary, "condensed")
	assert.LessOrEqual(t, remaining, 2)
}

func TestSummarize_ShiftsCutToPreserveToolPairing(t *testing.T) {
	stub := &stubSummarizer{response: "condensed"}
	m := New("system prompt", Config{TokenCeiling: 1, TailSize: 1}, stub, nil)
	ctx := context.Background()

	// Build history so the naive tail boundary (last 1 message) would
	// split a tool-use (in head) from its tool-result (in tail).
	m.Append(ctx, conversation.Message{Role: conversation.RoleUser, Text: "do something"})
	m.Append(ctx, assistantToolUse("pair-1", "read_file"))
	m.Append(ctx, conversation.NewToolResultMessage("pair-1", "file contents", false, time.Now()))

	require.Equal(t, 1, stub.calls)
	m.mu.Lock()
	defer m.mu.Unlock()
	// The tail must contain either both halves of the pair or neither.
	hasToolUse, hasToolResult := false, false
	for _, msg := range m.messages {
		for _, b := range msg.ToolUseBlocks() {
			if b.ToolUseID == "pair-1" {
				hasToolUse = true
			}
		}
		if id, ok := msg.ToolResultID(); ok && id == "pair-1" {
			hasToolResult = true
		}
	}
	assert.Equal(t, hasToolUse, hasToolResult, "tool-use/tool-result pair must not be split by summarization")
}

func TestTokenCounter_FallsBackWithoutEncoder(t *testing.T) {
	tc := &TokenCounter{}
	assert.Equal(t, len("abcdefgh")/4, tc.Count("abcdefgh"))
}

func TestSanitize_RewritesDuplicateIDs(t *testing.T) {
	m := New("system prompt", Config{TokenCeiling: 1_000_000}, nil, nil)
	m.mu.Lock()
	m.messages = []conversation.Message{
		conversation.NewToolResultMessage("dup", "a", false, time.Now()),
		conversation.NewToolResultMessage("dup", "b", false, time.Now()),
	}
	m.mu.Unlock()

	m.Sanitize()

	m.mu.Lock()
	defer m.mu.Unlock()
	id0, _ := m.messages[0].ToolResultID()
	id1, _ := m.messages[1].ToolResultID()
	assert.NotEqual(t, id0, id1)
}
