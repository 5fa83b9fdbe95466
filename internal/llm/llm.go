// Package llm implements the LLM Streaming Client (C1): it opens a
// streaming connection to the provider, reassembles incremental content
// blocks, and emits a typed, replayable event sequence.
package llm

import "github.com/relaycode/agentrt/internal/conversation"

// ToolDefinition is the JSON-schema advertisement of one routed tool,
// built by internal/tooldispatch and passed through to the provider
// unchanged.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is the provider-agnostic wire shape of §6: a system prompt
// (optionally cache-marked), the full replay-shaped message list, the
// tool schemas, and generation knobs.
type Request struct {
	Model           string
	MaxTokens       int
	System          string
	SystemCacheable bool
	Messages        []conversation.Message
	Tools           []ToolDefinition
	ThinkingEnabled bool
	ThinkingBudget  int
}

// DeltaKind tags a content_block_delta's payload field.
type DeltaKind string

const (
	ReasoningDelta DeltaKind = "reasoning_delta"
	SignatureDelta DeltaKind = "signature_delta"
	TextDelta      DeltaKind = "text_delta"
	InputJSONDelta DeltaKind = "input_json_delta"
)

// EventKind is the provider event vocabulary of §4.1.
type EventKind string

const (
	EventMessageStart EventKind = "message_start"
	EventBlockStart   EventKind = "content_block_start"
	EventBlockDelta   EventKind = "content_block_delta"
	EventBlockStop    EventKind = "content_block_stop"
	EventMessageDelta EventKind = "message_delta"
	EventMessageStop  EventKind = "message_stop"
)

// Usage is the token accounting extracted from the terminal event.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Delta carries the payload of a content_block_delta event; only the
// field matching Kind is populated.
type Delta struct {
	Kind        DeltaKind
	Text        string
	Signature   string
	PartialJSON string
}

// Event is one reassembly step re-emitted immediately to the caller, per
// §4.1's "Re-emission" rule.
type Event struct {
	Kind EventKind

	// Index identifies the content block a BlockStart/Delta/Stop event
	// refers to.
	Index     int
	BlockKind conversation.BlockKind // valid on EventBlockStart

	// ToolName and ToolUseID are valid on EventBlockStart when
	// BlockKind == conversation.BlockToolUse.
	ToolName  string
	ToolUseID string

	Delta Delta // valid on EventBlockDelta

	// Message is the fully reassembled assistant message, populated only
	// on EventMessageStop.
	Message *conversation.Message

	FinishReason string // valid on EventMessageDelta/EventMessageStop
	Usage        Usage  // valid on EventMessageDelta/EventMessageStop
}
