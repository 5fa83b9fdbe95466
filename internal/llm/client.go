package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/telemetry"
)

// Config configures the Anthropic-backed Client. One Client is built once
// at process startup and shared across sessions (§9's shared-pooled-client
// resolution).
type Config struct {
	APIKey  string
	BaseURL string
}

// Client implements the C1 contract over the real anthropic-sdk-go,
// grounded on haasonsaas-nexus's internal/agent/providers/anthropic.go —
// the one pack file that exercises the SDK the teacher's go.mod declares
// but never actually calls.
type Client struct {
	sdk      anthropic.Client
	recorder *telemetry.Recorder
}

func New(cfg Config, recorder *telemetry.Recorder) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: APIKey is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{sdk: anthropic.NewClient(opts...), recorder: recorder}, nil
}

// Stream implements the C1 contract: a lazy, single-pass, finite sequence
// of Events terminated by EventMessageStop.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		start := time.Now()

		params := c.buildParams(req)
		stream := c.sdk.Messages.NewStreaming(ctx, params)

		state := newStreamState()
		var usage Usage
		var finishReason string

		for stream.Next() {
			ev := stream.Current()
			for _, out := range state.apply(ev) {
				if !yield(out, nil) {
					return
				}
			}
			if ev.Type == "message_delta" {
				md := ev.AsMessageDelta()
				finishReason = string(md.Delta.StopReason)
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if ev.Type == "message_start" {
				ms := ev.AsMessageStart()
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
				usage.CacheCreationTokens = int(ms.Message.Usage.CacheCreationInputTokens)
				usage.CacheReadTokens = int(ms.Message.Usage.CacheReadInputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			c.recorder.RecordLLMError(req.Model, isRetryable(err))
			yield(Event{}, fmt.Errorf("llm: stream: %w", err))
			return
		}

		final := conversation.Message{
			Role:      conversation.RoleAssistant,
			Blocks:    state.blocks,
			Timestamp: time.Now(),
		}

		c.recorder.RecordLLMCall(req.Model, time.Since(start), "ok", telemetry.Usage{
			InputTokens:         usage.InputTokens,
			OutputTokens:        usage.OutputTokens,
			CacheCreationTokens: usage.CacheCreationTokens,
			CacheReadTokens:     usage.CacheReadTokens,
		})

		yield(Event{
			Kind:         EventMessageStop,
			Message:      &final,
			FinishReason: finishReason,
			Usage:        usage,
		}, nil)
	}
}

// Generate runs a single non-streaming request/response turn, draining
// the stream internally and returning only the reassembled output text.
// Used by the summarization pass (§4.3 step 3), which calls a smaller
// model with a fixed prompt and does not need incremental events.
func (c *Client) Generate(ctx context.Context, model string, maxTokens int, userText string) (string, error) {
	req := Request{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []conversation.Message{
			{Role: conversation.RoleUser, Text: userText},
		},
	}

	var out string
	for ev, err := range c.Stream(ctx, req) {
		if err != nil {
			return "", err
		}
		if ev.Kind == EventMessageStop && ev.Message != nil {
			out = ev.Message.OutputText()
		}
	}
	return out, nil
}

func (c *Client) buildParams(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		block := anthropic.TextBlockParam{Text: req.System}
		if req.SystemCacheable {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.ThinkingEnabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	return params
}

func convertMessages(messages []conversation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			continue // handled separately via params.System
		case conversation.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, b := range m.Blocks {
				if b.Kind == conversation.BlockToolResult {
					blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultFor, b.BlockText, b.ToolIsError))
				}
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case conversation.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range m.Blocks {
				switch b.Kind {
				case conversation.BlockText:
					blocks = append(blocks, anthropic.NewTextBlock(b.BlockText))
				case conversation.BlockToolUse:
					blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, b.ToolInput, b.ToolName))
				case conversation.BlockReasoning:
					// Reasoning blocks are replayed verbatim with signature (I4).
					blocks = append(blocks, anthropic.NewThinkingBlock(b.Signature, b.ReasoningText))
				}
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out
}

func convertTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			slog.Warn("llm: failed to marshal tool schema", "tool", t.Name, "error", err)
			continue
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			slog.Warn("llm: failed to decode tool schema", "tool", t.Name, "error", err)
			continue
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tp.OfTool.Description = anthropic.String(t.Description)
		out = append(out, tp)
	}
	return out
}

// isRetryable classifies provider errors for metrics labeling only; C1
// itself never retries a stream (§9's Design Notes).
func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return true
		}
	}
	return false
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	type asAnthropic interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*anthropic.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(asAnthropic)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
