// Command agentrtd is the agent runtime daemon: it wires the LLM client,
// tool dispatcher, permission broker, and agent loop behind the session
// controller's HTTP surface.
//
// Usage:
//
//	agentrtd serve --addr :8080
//	agentrtd serve --config agentrtd.yaml --log-level debug
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/relaycode/agentrt/internal/agentloop"
	"github.com/relaycode/agentrt/internal/config"
	"github.com/relaycode/agentrt/internal/llm"
	"github.com/relaycode/agentrt/internal/logging"
	"github.com/relaycode/agentrt/internal/memory"
	"github.com/relaycode/agentrt/internal/permission"
	"github.com/relaycode/agentrt/internal/session"
	"github.com/relaycode/agentrt/internal/sessionctl"
	"github.com/relaycode/agentrt/internal/telemetry"
	"github.com/relaycode/agentrt/internal/tooldispatch"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Start the agent runtime daemon."`

	Config   string `short:"c" help:"Path to an optional YAML config overlay." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// ServeCmd starts the HTTP session controller.
type ServeCmd struct {
	Addr string `help:"Address to listen on." default:""`
}

func (s *ServeCmd) Run(cli *CLI) error {
	logging.Init(logging.ParseLevel(cli.LogLevel), os.Stderr)

	if err := config.LoadEnvFiles(); err != nil {
		return fmt.Errorf("loading .env files: %w", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if s.Addr != "" {
		cfg.Addr = s.Addr
	}
	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY must be set")
	}

	recorder, err := telemetry.New("agentrtd")
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	llmClient, err := llm.New(llm.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMBaseURL}, recorder)
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}

	backends := config.NewReloadableBackends(cfg.ToolBackends)
	dispatcher := tooldispatch.New(backends, cfg.ToolConnectTimeout, cfg.ToolReadTimeout, recorder)

	broker := permission.New(cfg.PermissionTimeout)

	loop := agentloop.New(llmClient, dispatcher, broker, recorder, agentloop.Config{
		Model:                  cfg.LLMModel,
		MaxTokens:              4096,
		MaxDepth:               cfg.MaxDepth,
		MaxToolCallsPerSession: cfg.MaxToolCallsPerSession,
		PermissionTimeout:      cfg.PermissionTimeout,
		StreamingTruncateLen:   cfg.StreamingTruncateLen,
		BatchTruncateLen:       cfg.BatchTruncateLen,
	})

	summarizer := memory.NewLLMSummarizer(llmClient, cfg.LLMSummaryModel, 1024)
	builder := func(systemPrompt string) (*memory.Memory, *agentloop.State) {
		mem := memory.New(systemPrompt, memory.Config{
			TokenCeiling: cfg.ContextTokenCeiling,
			TailSize:     cfg.SummaryTailSize,
			SummaryModel: cfg.LLMSummaryModel,
		}, summarizer, recorder)
		return mem, &agentloop.State{Memory: mem}
	}
	registry := session.NewRegistry(builder)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.WatchEnvFile(".env", backends.Replace, stopWatch); err != nil {
		slog.Warn("main: tool-backend hot-reload disabled", "error", err)
	}

	controller := sessionctl.New(loop, registry, broker, recorder)

	slog.Info("agentrtd: starting", "addr", cfg.Addr, "model", cfg.LLMModel)
	return sessionctl.Run(context.Background(), cfg.Addr, controller.Handler())
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentrtd"),
		kong.Description("Agent runtime daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
