package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaycode/agentrt/internal/conversation"
)

// generator is the minimal surface memory needs from an LLM client to run
// summarization: a single non-streaming turn. Satisfied by *llm.Client.
type generator interface {
	Generate(ctx context.Context, model string, maxTokens int, userText string) (string, error)
}

// LLMSummarizer implements Summarizer against a secondary (cheaper) model,
// grounded on the teacher's pkg/memory.LLMSummarizer.
type LLMSummarizer struct {
	gen       generator
	model     string
	maxTokens int
}

// NewLLMSummarizer builds a Summarizer that calls model (expected to be a
// smaller/cheaper model than the primary conversational one) via gen.
func NewLLMSummarizer(gen generator, model string, maxTokens int) *LLMSummarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMSummarizer{gen: gen, model: model, maxTokens: maxTokens}
}

// Summarize sends the already-built prompt to the secondary model and
// returns its trimmed text response.
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	out, err := s.gen.Generate(ctx, s.model, s.maxTokens, transcript)
	if err != nil {
		return "", fmt.Errorf("llm summarizer: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// defaultSummarizationPrompt mirrors the teacher's fixed summarization
// template (pkg/memory.defaultSummarizationPrompt), adapted for tool-call
// transcripts rather than plain chat turns.
const defaultSummarizationPrompt = `You are a conversation summarizer. Your task is to create a concise summary of the conversation history that preserves the key information, decisions made, tool calls issued, and context needed for continuing the task.

Guidelines:
- Focus on key facts, decisions, file paths touched, and commands run
- Preserve important details like names, paths, numbers, and outcomes of tool calls
- Keep the summary concise but comprehensive
- Write in a neutral, factual tone
- Do not add information not present in the conversation

Conversation to summarize:
%s

Please provide a concise summary:`

const priorSummaryDelimiter = "\n\n--- NEW SUMMARY ---\n\n"

// Summarizer produces a conversation summary from a transcript, normally
// backed by a secondary (cheaper) model call.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// transcriptText renders a slice of messages into the flat text the
// summarization prompt expects, one line per content item.
func transcriptText(messages []conversation.Message) string {
	var b strings.Builder
	for _, m := range messages {
		writeMessageText(&b, m)
	}
	return strings.TrimSpace(b.String())
}

func writeMessageText(b *strings.Builder, m conversation.Message) {
	role := string(m.Role)
	if m.Text != "" {
		fmt.Fprintf(b, "[%s]: %s\n\n", role, m.Text)
	}
	for _, blk := range m.Blocks {
		switch blk.Kind {
		case conversation.BlockText:
			if blk.BlockText != "" {
				fmt.Fprintf(b, "[%s]: %s\n\n", role, blk.BlockText)
			}
		case conversation.BlockToolUse:
			fmt.Fprintf(b, "[%s] called tool %s with input %v\n\n", role, blk.ToolName, blk.ToolInput)
		case conversation.BlockToolResult:
			status := "ok"
			if blk.ToolIsError {
				status = "error"
			}
			fmt.Fprintf(b, "[tool_result %s]: %s\n\n", status, blk.BlockText)
		}
	}
}

// buildSummarizationPrompt fills the fixed template with a transcript,
// prefixing any carried-forward prior summary so successive summarization
// rounds accumulate rather than lose earlier context.
func buildSummarizationPrompt(priorSummary, transcript string) string {
	body := transcript
	if priorSummary != "" {
		body = priorSummary + priorSummaryDelimiter + transcript
	}
	return fmt.Sprintf(defaultSummarizationPrompt, body)
}
