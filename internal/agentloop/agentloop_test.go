package agentloop

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/events"
	"github.com/relaycode/agentrt/internal/llm"
	"github.com/relaycode/agentrt/internal/memory"
	"github.com/relaycode/agentrt/internal/tooldispatch"
)

// stubStreamer replays a fixed sequence of turns; each call to Stream
// consumes the next turn, so it can model a multi-iteration loop.
type stubStreamer struct {
	turns []func() []llm.Event
	calls int
}

func (s *stubStreamer) Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.Event, error] {
	return func(yield func(llm.Event, error) bool) {
		if s.calls >= len(s.turns) {
			return
		}
		turn := s.turns[s.calls]
		s.calls++
		for _, ev := range turn() {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func textTurn(text string) func() []llm.Event {
	return func() []llm.Event {
		msg := conversation.Message{Role: conversation.RoleAssistant, Blocks: []conversation.ContentBlock{
			{Kind: conversation.BlockText, BlockText: text},
		}}
		return []llm.Event{
			{Kind: llm.EventBlockStart, Index: 0, BlockKind: conversation.BlockText},
			{Kind: llm.EventBlockDelta, Index: 0, Delta: llm.Delta{Kind: llm.TextDelta, Text: text}},
			{Kind: llm.EventBlockStop, Index: 0},
			{Kind: llm.EventMessageStop, Message: &msg},
		}
	}
}

func toolUseTurn(toolName, toolUseID string, input map[string]any) func() []llm.Event {
	return func() []llm.Event {
		msg := conversation.Message{Role: conversation.RoleAssistant, Blocks: []conversation.ContentBlock{
			{Kind: conversation.BlockToolUse, ToolUseID: toolUseID, ToolName: toolName, ToolInput: input},
		}}
		return []llm.Event{
			{Kind: llm.EventBlockStart, Index: 0, BlockKind: conversation.BlockToolUse, ToolName: toolName, ToolUseID: toolUseID},
			{Kind: llm.EventBlockStop, Index: 0},
			{Kind: llm.EventMessageStop, Message: &msg},
		}
	}
}

func multiToolUseTurn(calls ...struct {
	toolName  string
	toolUseID string
	input     map[string]any
}) func() []llm.Event {
	return func() []llm.Event {
		blocks := make([]conversation.ContentBlock, len(calls))
		evs := make([]llm.Event, 0, len(calls)*2+1)
		for i, c := range calls {
			blocks[i] = conversation.ContentBlock{Kind: conversation.BlockToolUse, ToolUseID: c.toolUseID, ToolName: c.toolName, ToolInput: c.input}
			evs = append(evs,
				llm.Event{Kind: llm.EventBlockStart, Index: i, BlockKind: conversation.BlockToolUse, ToolName: c.toolName, ToolUseID: c.toolUseID},
				llm.Event{Kind: llm.EventBlockStop, Index: i},
			)
		}
		msg := conversation.Message{Role: conversation.RoleAssistant, Blocks: blocks}
		evs = append(evs, llm.Event{Kind: llm.EventMessageStop, Message: &msg})
		return evs
	}
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *stubDispatcher) Dispatch(ctx context.Context, toolName string, input map[string]any, sess tooldispatch.SessionContext, maxLen int) tooldispatch.Result {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return tooldispatch.Result{Text: fmt.Sprintf("result for %s", toolName), Success: true}
}

type stubBroker struct {
	grant bool
}

func (b *stubBroker) Await(ctx context.Context, id string, deadline time.Duration) bool {
	return b.grant
}

func newTestState() *State {
	return &State{
		Memory:    memory.New("system", memory.Config{TokenCeiling: 1_000_000}, nil, nil),
		Workspace: tooldispatch.SessionContext{WorkspacePath: "/workspace"},
	}
}

func TestRun_NoToolUse_EmitsFinalResponse(t *testing.T) {
	loop := &Loop{
		llmClient:  &stubStreamer{turns: []func() []llm.Event{textTurn("all done")}},
		dispatcher: &stubDispatcher{},
		broker:     &stubBroker{grant: true},
		cfg:        Config{MaxDepth: 50, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var got []events.Event
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		got = append(got, ev)
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, events.FinalResponse, last.Type)
	assert.Equal(t, "all done", last.Content)
}

func TestRun_ToolUse_DispatchesAndRecurses(t *testing.T) {
	loop := &Loop{
		llmClient: &stubStreamer{turns: []func() []llm.Event{
			toolUseTurn("read_file", "tu-1", map[string]any{"file_path": "a.go"}),
			textTurn("finished reading"),
		}},
		dispatcher: &stubDispatcher{},
		broker:     &stubBroker{grant: true},
		cfg:        Config{MaxDepth: 50, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var tags []events.Tag
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		tags = append(tags, ev.Type)
	}

	assert.Contains(t, tags, events.ToolSelection)
	assert.Contains(t, tags, events.ToolResult)
	assert.Equal(t, events.FinalResponse, tags[len(tags)-1])
}

func TestRun_RunTerminalCommand_GatedByPermission(t *testing.T) {
	dispatcher := &stubDispatcher{}
	loop := &Loop{
		llmClient: &stubStreamer{turns: []func() []llm.Event{
			toolUseTurn(tooldispatch.RunTerminalCmd, "tu-2", map[string]any{"command": "ls"}),
			textTurn("done"),
		}},
		dispatcher: dispatcher,
		broker:     &stubBroker{grant: false},
		cfg:        Config{MaxDepth: 50, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var sawPermissionRequest bool
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		if ev.Type == events.PermissionRequest {
			sawPermissionRequest = true
		}
	}

	assert.True(t, sawPermissionRequest)
	assert.Equal(t, 0, dispatcher.calls, "a denied permission must never reach the dispatcher")
}

func TestRun_DangerousCommand_RejectedWithoutPermissionRequest(t *testing.T) {
	dispatcher := &stubDispatcher{}
	loop := &Loop{
		llmClient: &stubStreamer{turns: []func() []llm.Event{
			toolUseTurn(tooldispatch.RunTerminalCmd, "tu-3", map[string]any{"command": "rm -rf /"}),
			textTurn("done"),
		}},
		dispatcher: dispatcher,
		broker:     &stubBroker{grant: true},
		cfg:        Config{MaxDepth: 50, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var sawPermissionRequest bool
	var toolResult events.Event
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		if ev.Type == events.PermissionRequest {
			sawPermissionRequest = true
		}
		if ev.Type == events.ToolResult {
			toolResult = ev
		}
	}

	assert.False(t, sawPermissionRequest, "a command the safety filter refuses outright must never prompt for permission")
	assert.Equal(t, 0, dispatcher.calls, "a rejected command must never reach the dispatcher")
	require.NotEmpty(t, toolResult.Content)
	assert.True(t, strings.HasPrefix(toolResult.Content, "SECURITY ALERT"), "expected a SECURITY ALERT tool result, got %q", toolResult.Content)
}

func TestRun_DepthLimitTerminatesWithFinalResponse(t *testing.T) {
	turns := make([]func() []llm.Event, 0, 5)
	for i := 0; i < 5; i++ {
		turns = append(turns, toolUseTurn("read_file", fmt.Sprintf("tu-%d", i), map[string]any{"file_path": "a.go"}))
	}
	loop := &Loop{
		llmClient:  &stubStreamer{turns: turns},
		dispatcher: &stubDispatcher{},
		broker:     &stubBroker{grant: true},
		cfg:        Config{MaxDepth: 2, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var sawDepthError, sawFinal bool
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		if ev.Type == events.Error {
			sawDepthError = true
		}
		if ev.Type == events.FinalResponse {
			sawFinal = true
		}
	}

	assert.True(t, sawDepthError, "expected a depth-exceeded error event")
	assert.True(t, sawFinal, "the final-response guarantee must still produce a terminal event")
}

func TestRun_MultipleToolUses_ResultsAppendInDeclaredOrder(t *testing.T) {
	loop := &Loop{
		llmClient: &stubStreamer{turns: []func() []llm.Event{
			multiToolUseTurn(
				struct {
					toolName  string
					toolUseID string
					input     map[string]any
				}{"read_file", "tu-a", map[string]any{"file_path": "a.go"}},
				struct {
					toolName  string
					toolUseID string
					input     map[string]any
				}{"read_file", "tu-b", map[string]any{"file_path": "b.go"}},
				struct {
					toolName  string
					toolUseID string
					input     map[string]any
				}{"read_file", "tu-c", map[string]any{"file_path": "c.go"}},
			),
			textTurn("read them all"),
		}},
		dispatcher: &stubDispatcher{},
		broker:     &stubBroker{grant: true},
		cfg:        Config{MaxDepth: 50, MaxToolCallsPerSession: 50, PermissionTimeout: time.Second},
	}
	state := newTestState()

	var resultCount int
	for ev, err := range loop.Run(context.Background(), state, 0) {
		require.NoError(t, err)
		if ev.Type == events.ToolResult {
			resultCount++
		}
	}
	assert.Equal(t, 3, resultCount)

	_, messages := state.Memory.Replay()
	var toolResultOrder []string
	for _, msg := range messages {
		if id, ok := msg.ToolResultID(); ok {
			toolResultOrder = append(toolResultOrder, id)
		}
	}
	assert.Equal(t, []string{"tu-a", "tu-b", "tu-c"}, toolResultOrder, "concurrent dispatch must still append results in the LLM's declared order")
}
