// Package conversation defines the message and content-block types shared
// by the LLM client, the agent loop, and the conversation memory.
package conversation

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind tags the variant of a ContentBlock.
type BlockKind string

const (
	BlockReasoning  BlockKind = "reasoning"
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one unit inside an assistant or user message's content
// list. Only the fields relevant to Kind are populated.
type ContentBlock struct {
	Kind BlockKind

	// BlockText holds output-text (Kind == BlockText) or the rendered
	// tool-result payload (Kind == BlockToolResult).
	BlockText string

	// ReasoningText and Signature are an atomic pair (I4): a reasoning
	// block is never stored, replayed, or dropped with only one of them set.
	ReasoningText string
	Signature     string

	// ToolUseID, ToolName, ToolInput describe a tool-use block.
	ToolUseID string
	ToolName  string
	ToolInput map[string]any

	// ToolResultFor is the tool-use id a tool-result block answers.
	ToolResultFor string
	ToolIsError   bool
}

// Message is a single turn in the conversation log.
type Message struct {
	Role Role

	// Text carries plain system/user text. EphemeralCache marks a system
	// message as a stable, cacheable prefix (I6).
	Text           string
	EphemeralCache bool

	// Blocks carries the ordered content of assistant messages, and the
	// tool-result carrier of a user message that answers a tool-use.
	Blocks []ContentBlock

	Timestamp time.Time
}

// ToolUseBlocks returns the tool-use blocks of an assistant message, in
// declared order.
func (m Message) ToolUseBlocks() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// OutputText concatenates the output-text blocks of an assistant message.
func (m Message) OutputText() string {
	var out string
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out += b.BlockText
		}
	}
	return out
}

// NewToolResultMessage builds the user message that carries a tool-result
// block referencing toolUseID.
func NewToolResultMessage(toolUseID, text string, isError bool, ts time.Time) Message {
	return Message{
		Role:      RoleUser,
		Timestamp: ts,
		Blocks: []ContentBlock{{
			Kind:          BlockToolResult,
			BlockText:     text,
			ToolResultFor: toolUseID,
			ToolIsError:   isError,
		}},
	}
}

// ToolResultID returns the tool-use id this message's tool-result block
// answers, and whether the message carries one at all.
func (m Message) ToolResultID() (string, bool) {
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			return b.ToolResultFor, true
		}
	}
	return "", false
}

// ToolCallRecord is an observability-only record of a dispatched tool
// call; it is never replayed to the LLM.
type ToolCallRecord struct {
	ToolName      string
	Input         map[string]any
	ResultSummary string
	Timestamp     time.Time
	Success       bool
}
