package llm

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/relaycode/agentrt/internal/conversation"
)

// streamState accumulates per-content-block-index partial data and the
// finished blocks, grounded on the teacher's streamState in
// pkg/model/anthropic/anthropic.go (toolJSONBuffers/thinkingBuffers maps)
// and re-expressed against this repo's own Event/ContentBlock types.
type streamState struct {
	kinds      map[int]conversation.BlockKind
	toolIDs    map[int]string
	toolNames  map[int]string
	toolJSON   map[int]*strings.Builder
	reasoning  map[int]*strings.Builder
	signatures map[int]*strings.Builder
	text       map[int]*strings.Builder

	blocks []conversation.ContentBlock
}

func newStreamState() *streamState {
	return &streamState{
		kinds:      make(map[int]conversation.BlockKind),
		toolIDs:    make(map[int]string),
		toolNames:  make(map[int]string),
		toolJSON:   make(map[int]*strings.Builder),
		reasoning:  make(map[int]*strings.Builder),
		signatures: make(map[int]*strings.Builder),
		text:       make(map[int]*strings.Builder),
	}
}

// apply maps one raw SDK stream event to zero-or-more re-emitted Events,
// mutating accumulator state as a side effect (content_block_stop also
// appends the finished block to s.blocks).
func (s *streamState) apply(raw anthropic.MessageStreamEventUnion) []Event {
	switch raw.Type {
	case "content_block_start":
		ev := raw.AsContentBlockStart()
		idx := int(ev.Index)
		switch ev.ContentBlock.Type {
		case "text":
			s.kinds[idx] = conversation.BlockText
			s.text[idx] = &strings.Builder{}
		case "thinking":
			s.kinds[idx] = conversation.BlockReasoning
			s.reasoning[idx] = &strings.Builder{}
			s.signatures[idx] = &strings.Builder{}
		case "tool_use":
			tu := ev.ContentBlock.AsToolUse()
			s.kinds[idx] = conversation.BlockToolUse
			s.toolIDs[idx] = tu.ID
			s.toolNames[idx] = tu.Name
			s.toolJSON[idx] = &strings.Builder{}
		}
		return []Event{{
			Kind:      EventBlockStart,
			Index:     idx,
			BlockKind: s.kinds[idx],
			ToolName:  s.toolNames[idx],
			ToolUseID: s.toolIDs[idx],
		}}

	case "content_block_delta":
		ev := raw.AsContentBlockDelta()
		idx := int(ev.Index)
		switch ev.Delta.Type {
		case "text_delta":
			d := ev.Delta.AsTextDelta()
			if b := s.text[idx]; b != nil {
				b.WriteString(d.Text)
			}
			return []Event{{Kind: EventBlockDelta, Index: idx, Delta: Delta{Kind: TextDelta, Text: d.Text}}}
		case "thinking_delta":
			d := ev.Delta.AsThinkingDelta()
			if b := s.reasoning[idx]; b != nil {
				b.WriteString(d.Thinking)
			}
			return []Event{{Kind: EventBlockDelta, Index: idx, Delta: Delta{Kind: ReasoningDelta, Text: d.Thinking}}}
		case "signature_delta":
			d := ev.Delta.AsSignatureDelta()
			if b := s.signatures[idx]; b != nil {
				b.WriteString(d.Signature)
			}
			return []Event{{Kind: EventBlockDelta, Index: idx, Delta: Delta{Kind: SignatureDelta, Signature: d.Signature}}}
		case "input_json_delta":
			d := ev.Delta.AsInputJSONDelta()
			if b := s.toolJSON[idx]; b != nil {
				b.WriteString(d.PartialJSON)
			}
			return []Event{{Kind: EventBlockDelta, Index: idx, Delta: Delta{Kind: InputJSONDelta, PartialJSON: d.PartialJSON}}}
		}
		return nil

	case "content_block_stop":
		ev := raw.AsContentBlockStop()
		idx := int(ev.Index)
		s.finalizeBlock(idx)
		return []Event{{Kind: EventBlockStop, Index: idx}}
	}
	return nil
}

func (s *streamState) finalizeBlock(idx int) {
	switch s.kinds[idx] {
	case conversation.BlockText:
		s.blocks = append(s.blocks, conversation.ContentBlock{
			Kind:      conversation.BlockText,
			BlockText: builderString(s.text[idx]),
		})
	case conversation.BlockReasoning:
		// Atomic pair (I4): text and signature are appended together or
		// not at all.
		s.blocks = append(s.blocks, conversation.ContentBlock{
			Kind:          conversation.BlockReasoning,
			ReasoningText: builderString(s.reasoning[idx]),
			Signature:     builderString(s.signatures[idx]),
		})
	case conversation.BlockToolUse:
		raw := builderString(s.toolJSON[idx])
		input := map[string]any{}
		if strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				slog.Warn("llm: malformed tool-use input JSON, using empty object", "tool", s.toolNames[idx], "error", err)
				input = map[string]any{}
			}
		}
		s.blocks = append(s.blocks, conversation.ContentBlock{
			Kind:      conversation.BlockToolUse,
			ToolUseID: s.toolIDs[idx],
			ToolName:  s.toolNames[idx],
			ToolInput: input,
		})
	}
	delete(s.toolJSON, idx)
}

func builderString(b *strings.Builder) string {
	if b == nil {
		return ""
	}
	return b.String()
}
