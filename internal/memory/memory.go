// Package memory implements the Conversation Memory component (C3): a
// token-counted ordered message log with a cache-marked system prompt,
// duplicate tool-use identifier resolution, and summarization of older
// turns via a secondary LLM call.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/telemetry"
)

const summaryDelimiterOpen = "<CONVERSATION_SUMMARY>"
const summaryDelimiterClose = "</CONVERSATION_SUMMARY>"

// Config controls summarization behavior.
type Config struct {
	TokenCeiling  int
	TailSize      int
	SummaryModel  string
	MinTailSize   int
}

// Memory is the mutex-guarded per-session message log.
type Memory struct {
	mu sync.Mutex

	system         conversation.Message
	summary        string
	messages       []conversation.Message
	tokenCount     int
	counter        *TokenCounter
	cfg            Config
	summarizer     Summarizer
	recorder       *telemetry.Recorder
	warnedFallback bool

	// pendingRenames maps an original tool-use id to the fresh id it was
	// renamed to (because a live tool-use already held that id) while its
	// matching tool-result hasn't arrived yet. Consumed — and deleted —
	// the moment that tool-result is appended, so its ToolResultFor can be
	// retargeted to the same fresh id (I1/I2).
	pendingRenames map[string]string
}

// New constructs an empty memory with the given cached system prompt.
func New(systemPrompt string, cfg Config, summarizer Summarizer, recorder *telemetry.Recorder) *Memory {
	if cfg.TailSize <= 0 {
		cfg.TailSize = 5
	}
	if cfg.MinTailSize <= 0 {
		cfg.MinTailSize = 1
	}
	if cfg.TokenCeiling <= 0 {
		cfg.TokenCeiling = 100000
	}
	m := &Memory{
		system: conversation.Message{
			Role:           conversation.RoleSystem,
			Text:           systemPrompt,
			EphemeralCache: true,
		},
		counter:        NewTokenCounter(),
		cfg:            cfg,
		summarizer:     summarizer,
		recorder:       recorder,
		pendingRenames: make(map[string]string),
	}
	m.tokenCount = m.counter.CountMessage(m.system)
	return m
}

// ReinitSystem replaces the system prompt wholesale (I6: re-init, never
// mutate the cached block in place) without touching accumulated messages.
func (m *Memory) ReinitSystem(systemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = conversation.Message{
		Role:           conversation.RoleSystem,
		Text:           systemPrompt,
		EphemeralCache: true,
	}
	m.recount()
}

// Append adds a message to the log, resolving duplicate tool-use
// identifiers (I2) recomputing the token count (I3), and triggering
// summarization if the ceiling is crossed.
//
// Duplicate resolution is two-sided: an assistant message's tool-use
// block that collides with one already live in the log is renamed to a
// fresh id right here, and the rename is remembered in pendingRenames so
// the tool-result message that follows it — still addressed to the
// original id, since the caller built it before Append ever ran — gets
// retargeted to the same fresh id instead of drifting out of sync with
// its tool-use (I1).
func (m *Memory) Append(ctx context.Context, msg conversation.Message) {
	m.mu.Lock()
	switch {
	case msg.Role == conversation.RoleAssistant:
		renamed, renames := renameCollidingToolUses(msg, m.liveToolUseIDs())
		msg = renamed
		for orig, fresh := range renames {
			m.pendingRenames[orig] = fresh
		}
	default:
		if toolUseID, ok := msg.ToolResultID(); ok {
			if fresh, found := m.pendingRenames[toolUseID]; found {
				delete(m.pendingRenames, toolUseID)
				msg = renameToolResult(msg, fresh)
			} else if m.toolResultExists(toolUseID) {
				fresh := uuid.New().String()
				slog.Warn("memory: duplicate tool-result id, renaming", "old", toolUseID, "new", fresh)
				msg = renameToolResult(msg, fresh)
			}
		}
	}
	msg.Timestamp = time.Now()
	m.messages = append(m.messages, msg)
	m.tokenCount += m.counter.CountMessage(msg)
	shouldSummarize := m.tokenCount > m.cfg.TokenCeiling && len(m.messages) > m.cfg.TailSize
	m.mu.Unlock()

	if shouldSummarize {
		m.summarize(ctx)
	}
}

// liveToolUseIDs collects every tool-use id currently present in the log,
// resolved or not, so a newly appended tool-use block can be checked
// against it for collisions.
func (m *Memory) liveToolUseIDs() map[string]bool {
	seen := make(map[string]bool, len(m.messages))
	for _, msg := range m.messages {
		for _, b := range msg.ToolUseBlocks() {
			seen[b.ToolUseID] = true
		}
	}
	return seen
}

func (m *Memory) toolResultExists(toolUseID string) bool {
	for _, msg := range m.messages {
		if id, ok := msg.ToolResultID(); ok && id == toolUseID {
			return true
		}
	}
	return false
}

// renameCollidingToolUses rewrites every tool-use block in msg whose id is
// already in seen (or repeated within msg itself) to a fresh id, returning
// the rewritten message and a map of original id -> fresh id for each
// block it touched. Returns a nil map if nothing collided.
func renameCollidingToolUses(msg conversation.Message, seen map[string]bool) (conversation.Message, map[string]string) {
	var renames map[string]string
	out := msg
	local := make(map[string]bool, len(msg.Blocks))
	for i, b := range msg.Blocks {
		if b.Kind != conversation.BlockToolUse {
			continue
		}
		if seen[b.ToolUseID] || local[b.ToolUseID] {
			if renames == nil {
				renames = make(map[string]string)
				out.Blocks = make([]conversation.ContentBlock, len(msg.Blocks))
				copy(out.Blocks, msg.Blocks)
			}
			fresh := uuid.New().String()
			slog.Warn("memory: duplicate tool-use id, renaming", "old", b.ToolUseID, "new", fresh)
			renames[b.ToolUseID] = fresh
			out.Blocks[i].ToolUseID = fresh
			local[fresh] = true
			continue
		}
		local[b.ToolUseID] = true
	}
	return out, renames
}

func renameToolResult(msg conversation.Message, newID string) conversation.Message {
	out := msg
	out.Blocks = make([]conversation.ContentBlock, len(msg.Blocks))
	copy(out.Blocks, msg.Blocks)
	for i := range out.Blocks {
		if out.Blocks[i].Kind == conversation.BlockToolResult {
			out.Blocks[i].ToolResultFor = newID
		}
	}
	return out
}

func (m *Memory) recount() {
	total := m.counter.CountMessage(m.system)
	for _, msg := range m.messages {
		total += m.counter.CountMessage(msg)
	}
	m.tokenCount = total
}

// TokenCount returns the current running token count.
func (m *Memory) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCount
}

// Replay returns the shape C1 needs for the next LLM call: the cached
// system prompt, an optional synthetic summary message, and the current
// messages with timestamps stripped, per §4.3.
func (m *Memory) Replay() (conversation.Message, []conversation.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]conversation.Message, 0, len(m.messages)+1)
	if m.summary != "" {
		out = append(out, conversation.Message{
			Role: conversation.RoleUser,
			Text: summaryDelimiterOpen + "\n" + m.summary + "\n" + summaryDelimiterClose,
		})
	}
	for _, msg := range m.messages {
		stripped := msg
		stripped.Timestamp = time.Time{}
		out = append(out, stripped)
	}
	return m.system, out
}

// summarize runs the head/tail partition-and-compress pass of §4.3. It
// never returns an error to the caller: failure is logged and memory
// simply keeps growing until the next trigger.
func (m *Memory) summarize(ctx context.Context) {
	m.mu.Lock()
	tail := m.cfg.TailSize
	// Shift the cut earlier while it would split a tool-use/tool-result pair
	// across the head/tail boundary (I1). The tail only grows here; if no
	// cut short of the whole log keeps every pair together, the pass is
	// skipped.
	for tail < len(m.messages) {
		head := m.messages[:len(m.messages)-tail]
		if !hasUnpairedToolUse(head, m.messages[len(m.messages)-tail:]) {
			break
		}
		tail++
	}
	if tail >= len(m.messages) {
		m.mu.Unlock()
		return
	}
	head := append([]conversation.Message(nil), m.messages[:len(m.messages)-tail]...)
	tailMessages := append([]conversation.Message(nil), m.messages[len(m.messages)-tail:]...)
	priorSummary := m.summary
	m.mu.Unlock()

	if m.summarizer == nil {
		return
	}

	transcript := renderHeadTranscript(head)
	prompt := buildSummarizationPrompt(priorSummary, transcript)

	newSummary, err := m.summarizer.Summarize(ctx, prompt)
	if err != nil {
		slog.Warn("memory: summarization failed, continuing without compression", "error", err)
		m.recorder.RecordSummarization("error")
		return
	}
	m.recorder.RecordSummarization("ok")

	combined := newSummary
	if priorSummary != "" {
		combined = priorSummary + priorSummaryDelimiter + newSummary
	}

	m.mu.Lock()
	m.summary = strings.TrimSpace(combined)
	m.messages = tailMessages
	m.recount()
	m.mu.Unlock()
}

// hasUnpairedToolUse reports whether the head/tail boundary splits a pair:
// a tool-use block in head whose matching tool-result is in tail. A head
// tool-use whose result is in neither slice does not count as split.
func hasUnpairedToolUse(head, tail []conversation.Message) bool {
	pending := make(map[string]bool)
	for _, msg := range head {
		for _, b := range msg.ToolUseBlocks() {
			pending[b.ToolUseID] = true
		}
		if id, ok := msg.ToolResultID(); ok {
			delete(pending, id)
		}
	}
	if len(pending) > 0 {
		// A tool-use in head has no matching result in head; if its
		// result lives in tail, the pair is split.
		for _, msg := range tail {
			if id, ok := msg.ToolResultID(); ok && pending[id] {
				return true
			}
		}
	}
	return false
}

// renderHeadTranscript renders older messages into the compact transcript
// format the summarization prompt expects, per §4.3 step 2.
func renderHeadTranscript(head []conversation.Message) string {
	var b strings.Builder
	for _, msg := range head {
		ts := msg.Timestamp.Format(time.RFC3339)
		switch msg.Role {
		case conversation.RoleAssistant:
			text := msg.OutputText()
			for _, blk := range msg.Blocks {
				if blk.Kind == conversation.BlockToolUse {
					text += fmt.Sprintf(" [Used tool: %s]", blk.ToolName)
				}
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", ts, msg.Role, strings.TrimSpace(text))
		case conversation.RoleUser:
			if _, ok := msg.ToolResultID(); ok {
				fmt.Fprintf(&b, "[%s] %s: [Tool result received]\n", ts, msg.Role)
			} else {
				fmt.Fprintf(&b, "[%s] %s: %s\n", ts, msg.Role, msg.Text)
			}
		default:
			fmt.Fprintf(&b, "[%s] %s: %s\n", ts, msg.Role, msg.Text)
		}
	}
	return b.String()
}

// Sanitize walks the log in order and rewrites any duplicate tool-use
// identifiers it finds, for the C6 `sanitize` operation. A colliding
// tool-*use* block is renamed and its eventual tool-result retargeted to
// match (the same two-sided rename Append performs on the way in); a
// tool-result that collides with no corresponding tool-use rename (an
// orphaned duplicate) is renamed on its own as a last resort so at least
// no two results share an id.
func (m *Memory) Sanitize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	seenToolUse := make(map[string]bool)
	seenResult := make(map[string]bool)
	pending := make(map[string]string)

	for i, msg := range m.messages {
		if msg.Role == conversation.RoleAssistant {
			renamed, renames := renameCollidingToolUses(msg, seenToolUse)
			if renames != nil {
				m.messages[i] = renamed
				for orig, fresh := range renames {
					pending[orig] = fresh
				}
			}
			for _, b := range m.messages[i].ToolUseBlocks() {
				seenToolUse[b.ToolUseID] = true
			}
			continue
		}

		id, ok := msg.ToolResultID()
		if !ok {
			continue
		}
		if fresh, found := pending[id]; found {
			delete(pending, id)
			msg = renameToolResult(msg, fresh)
			id = fresh
		} else if seenResult[id] {
			fresh := uuid.New().String()
			msg = renameToolResult(msg, fresh)
			id = fresh
		}
		m.messages[i] = msg
		seenResult[id] = true
	}
	m.recount()
}
