// Package agentloop implements the Agent Loop (C5): a bounded recursive
// driver that calls C1 for one LLM turn, dispatches any tool-use blocks
// through C2 (gating dangerous commands through C4), appends the results
// to C3, and recurses — emitting a typed outbound event sequence.
//
// Grounded on the shape of the teacher's pkg/agent/llmagent/flow.go
// Run/runOneStep/handleToolCalls pipeline, simplified to this repo's own
// conversation/events types with no A2A/ADK coupling.
package agentloop

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaycode/agentrt/internal/apperr"
	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/events"
	"github.com/relaycode/agentrt/internal/llm"
	"github.com/relaycode/agentrt/internal/memory"
	"github.com/relaycode/agentrt/internal/permission"
	"github.com/relaycode/agentrt/internal/telemetry"
	"github.com/relaycode/agentrt/internal/tooldispatch"
)

// maxConcurrentToolDispatch bounds how many independent, non-interactive
// tool calls from a single LLM turn are dispatched to C2 at once.
const maxConcurrentToolDispatch = 4

// Config holds the generation and limit knobs for one loop run.
type Config struct {
	Model                  string
	MaxTokens              int
	ThinkingEnabled        bool
	ThinkingBudget         int
	MaxDepth               int
	MaxToolCallsPerSession int
	PermissionTimeout      time.Duration
	StreamingTruncateLen   int
	BatchTruncateLen       int
}

// State is the per-session runtime the loop reads and mutates across
// recursive calls: the conversation log and a shared tool-call counter.
type State struct {
	Memory        *memory.Memory
	Workspace     tooldispatch.SessionContext
	ToolCallCount atomic.Int64
}

// streamer is the narrow slice of C1 the loop needs; satisfied by
// *llm.Client and, in tests, by a stub.
type streamer interface {
	Stream(ctx context.Context, req llm.Request) iter.Seq2[llm.Event, error]
}

// dispatcher is the narrow slice of C2 the loop needs.
type dispatcher interface {
	Dispatch(ctx context.Context, toolName string, input map[string]any, sess tooldispatch.SessionContext, maxLen int) tooldispatch.Result
}

// broker is the narrow slice of C4 the loop needs.
type broker interface {
	Await(ctx context.Context, id string, deadline time.Duration) bool
}

// Loop wires the four collaborating components behind the C5 contract.
type Loop struct {
	llmClient  streamer
	dispatcher dispatcher
	broker     broker
	recorder   *telemetry.Recorder
	cfg        Config
}

func New(llmClient *llm.Client, dispatcher *tooldispatch.Dispatcher, broker *permission.Broker, recorder *telemetry.Recorder, cfg Config) *Loop {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 50
	}
	if cfg.MaxToolCallsPerSession <= 0 {
		cfg.MaxToolCallsPerSession = 50
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = 60 * time.Second
	}
	if cfg.StreamingTruncateLen <= 0 {
		cfg.StreamingTruncateLen = 8000
	}
	if cfg.BatchTruncateLen <= 0 {
		cfg.BatchTruncateLen = 32000
	}
	return &Loop{llmClient: llmClient, dispatcher: dispatcher, broker: broker, recorder: recorder, cfg: cfg}
}

// Run implements `run(session, depth=0) → lazy sequence of outbound
// events` (§4.5). Recursion is linearly tail-shaped: each iteration
// consumes one LLM turn plus zero-or-more tool calls.
func (l *Loop) Run(ctx context.Context, state *State, depth int) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		l.runIteration(ctx, state, depth, yield)
	}
}

func (l *Loop) runIteration(ctx context.Context, state *State, depth int, yield func(events.Event, error) bool) {
	spanCtx, span := l.recorder.StartSpan(ctx, "agent.iteration")
	defer span.End()
	ctx = spanCtx

	if depth >= l.cfg.MaxDepth {
		l.recorder.RecordLoopIteration("depth_exceeded")
		yield(events.NewFromError(apperr.New(apperr.KindDepthExceeded, "maximum depth reached")), nil)
		return
	}

	system, messages := state.Memory.Replay()
	req := llm.Request{
		Model:           l.cfg.Model,
		MaxTokens:       l.cfg.MaxTokens,
		System:          system.Text,
		SystemCacheable: system.EphemeralCache,
		Messages:        messages,
		Tools:           tooldispatch.Definitions(),
		ThinkingEnabled: l.cfg.ThinkingEnabled,
		ThinkingBudget:  l.cfg.ThinkingBudget,
	}

	var final *conversation.Message
	// Track which block indexes are tool-use blocks so tool_execution
	// heartbeats (input_json deltas) can be attributed to a tool name.
	toolNameByIndex := map[int]string{}

	for ev, err := range l.llmClient.Stream(ctx, req) {
		if err != nil {
			l.recorder.RecordLoopIteration("provider_error")
			yield(events.NewFromError(apperr.Wrap(apperr.KindProvider, "LLM stream failed", err)), nil)
			return
		}

		switch ev.Kind {
		case llm.EventBlockStart:
			if ev.BlockKind == conversation.BlockToolUse {
				toolNameByIndex[ev.Index] = ev.ToolName
				if !yield(events.New(events.ToolSelection, ev.ToolName, map[string]any{"tool_use_id": ev.ToolUseID}), nil) {
					return
				}
			}
		case llm.EventBlockDelta:
			switch ev.Delta.Kind {
			case llm.ReasoningDelta:
				if !yield(events.New(events.Thinking, ev.Delta.Text, nil), nil) {
					return
				}
			case llm.TextDelta:
				if !yield(events.New(events.AssistantResponse, ev.Delta.Text, nil), nil) {
					return
				}
			case llm.InputJSONDelta:
				if !yield(events.New(events.ToolExecution, ".", map[string]any{"tool": toolNameByIndex[ev.Index]}), nil) {
					return
				}
			}
		case llm.EventMessageStop:
			final = ev.Message
		}
	}

	if final == nil {
		l.recorder.RecordLoopIteration("no_message")
		yield(events.NewFromError(apperr.New(apperr.KindInternal, "stream ended without a final message")), nil)
		return
	}

	state.Memory.Append(ctx, *final)

	toolUses := final.ToolUseBlocks()
	if len(toolUses) == 0 {
		l.recorder.RecordLoopIteration("final_response")
		text := final.OutputText()
		if text == "" {
			text = "All tasks completed successfully."
		}
		yield(events.New(events.FinalResponse, text, nil), nil)
		return
	}

	if !l.enforceToolQuota(ctx, state, yield) {
		return
	}

	if !l.dispatchAll(ctx, state, toolUses, yield) {
		return
	}

	l.recorder.RecordLoopIteration("recursed")

	sawFinal := false
	for ev, err := range l.Run(ctx, state, depth+1) {
		if ev.Type == events.FinalResponse {
			sawFinal = true
		}
		if !yield(ev, err) {
			return
		}
	}
	if !sawFinal {
		yield(events.New(events.FinalResponse, "All tasks completed successfully.", nil), nil)
	}
}

// dispatchAll executes every tool-use block from one LLM turn. The
// run_terminal_command block (the only one requiring a C4 permission
// round-trip) is handled inline and sequentially, since it must pause the
// loop on an interactive broker wait. The rest are independent backend
// calls with no ordering dependency between them, so they fan out through
// a bounded errgroup.Group (mirroring the teacher's workflowagent.Parallel
// use of golang.org/x/sync/errgroup) and are appended to memory, and their
// results yielded, in the LLM's original declared order once the group
// drains — preserving the happens-before ordering of the conversation log
// even though the underlying dispatches ran concurrently.
func (l *Loop) dispatchAll(ctx context.Context, state *State, toolUses []conversation.ContentBlock, yield func(events.Event, error) bool) bool {
	concurrent := make([]int, 0, len(toolUses))

	for i, tu := range toolUses {
		if !yield(events.New(events.ToolExecution, "start", map[string]any{"tool": tu.ToolName, "tool_use_id": tu.ToolUseID}), nil) {
			return false
		}
		if tu.ToolName == tooldispatch.RunTerminalCmd {
			if !l.dispatchGated(ctx, state, tu, yield) {
				return false
			}
			continue
		}
		concurrent = append(concurrent, i)
	}

	if len(concurrent) == 0 {
		return true
	}

	results := make([]tooldispatch.Result, len(toolUses))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentToolDispatch)
	for _, i := range concurrent {
		i := i
		tu := toolUses[i]
		state.ToolCallCount.Add(1)
		group.Go(func() error {
			results[i] = l.runDispatch(groupCtx, state, tu)
			return nil
		})
	}
	_ = group.Wait()

	for _, i := range concurrent {
		tu := toolUses[i]
		result := results[i]
		resultMsg := conversation.NewToolResultMessage(tu.ToolUseID, result.Text, !result.Success, time.Now())
		state.Memory.Append(ctx, resultMsg)
		meta := map[string]any{"tool_use_id": tu.ToolUseID, "success": result.Success}
		if !yield(events.New(events.ToolResult, result.Text, meta), nil) {
			return false
		}
	}
	return true
}

// dispatchGated handles a run_terminal_command block: running the safety
// filter before ever asking for permission, since a command the filter
// will refuse outright must never prompt or block on the broker (§8 S3).
// Only a command that clears the filter is permission-gated through C4
// before dispatching through C2. Appends a tool-result message to memory
// on every path except one: if the caller's yield stops the stream at the
// permission request, it returns before any result is recorded. Returns
// false if the caller's yield signaled to stop.
func (l *Loop) dispatchGated(ctx context.Context, state *State, tu conversation.ContentBlock, yield func(events.Event, error) bool) bool {
	command, _ := tu.ToolInput["command"].(string)
	if blocked, reason := tooldispatch.IsDangerous(command); blocked {
		text := "SECURITY ALERT: command rejected by safety filter (" + reason + ")"
		resultMsg := conversation.NewToolResultMessage(tu.ToolUseID, text, true, time.Now())
		state.Memory.Append(ctx, resultMsg)
		return yield(events.New(events.ToolResult, text, map[string]any{"tool_use_id": tu.ToolUseID, "success": false}), nil)
	}

	permID := uuid.New().String()
	if !yield(events.New(events.PermissionRequest, fmt.Sprintf("Run command: %v", tu.ToolInput["command"]), map[string]any{
		"permission_id": permID,
		"kind":          string(permission.KindDangerousCommand),
		"tool_use_id":   tu.ToolUseID,
	}), nil) {
		return false
	}

	granted := l.broker.Await(ctx, permID, l.cfg.PermissionTimeout)
	if !granted {
		l.recorder.RecordPermission("denied")
		result := conversation.NewToolResultMessage(tu.ToolUseID, "permission denied", true, time.Now())
		state.Memory.Append(ctx, result)
		return yield(events.New(events.ToolResult, "permission denied", map[string]any{"tool_use_id": tu.ToolUseID}), nil)
	}
	l.recorder.RecordPermission("granted")

	state.ToolCallCount.Add(1)
	result := l.runDispatch(ctx, state, tu)

	resultMsg := conversation.NewToolResultMessage(tu.ToolUseID, result.Text, !result.Success, time.Now())
	state.Memory.Append(ctx, resultMsg)

	meta := map[string]any{"tool_use_id": tu.ToolUseID, "success": result.Success}
	return yield(events.New(events.ToolResult, result.Text, meta), nil)
}

// runDispatch invokes C2 for one tool-use block, recovering any panic into
// a failed Result so a single misbehaving tool backend can't take down the
// loop (or, when run inside the errgroup, the whole fan-out).
func (l *Loop) runDispatch(ctx context.Context, state *State, tu conversation.ContentBlock) (res tooldispatch.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agentloop: tool dispatch panicked", "tool", tu.ToolName, "recover", r)
			res = tooldispatch.Result{Text: fmt.Sprintf("ERROR: %v", r), Success: false}
		}
	}()
	spanCtx, span := l.recorder.StartSpan(ctx, "tool.dispatch")
	defer span.End()
	return l.dispatcher.Dispatch(spanCtx, tu.ToolName, tu.ToolInput, state.Workspace, l.cfg.StreamingTruncateLen)
}

// enforceToolQuota implements the soft tool-call quota of §4.5: when
// crossed, the user is asked (via the same permission broker, as a
// distinct permission kind) to confirm continuation.
func (l *Loop) enforceToolQuota(ctx context.Context, state *State, yield func(events.Event, error) bool) bool {
	if int(state.ToolCallCount.Load()) < l.cfg.MaxToolCallsPerSession {
		return true
	}

	permID := uuid.New().String()
	if !yield(events.New(events.PermissionRequest, "Tool-call quota reached; continue?", map[string]any{
		"permission_id": permID,
		"kind":          string(permission.KindQuotaContinuation),
	}), nil) {
		return false
	}

	if l.broker.Await(ctx, permID, l.cfg.PermissionTimeout) {
		l.recorder.RecordPermission("granted")
		return true
	}

	l.recorder.RecordPermission("denied")
	yield(events.New(events.FinalResponse, "Tool-call quota reached and continuation was not confirmed.", nil), nil)
	return false
}
