package tooldispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/relaycode/agentrt/internal/config"
	"github.com/relaycode/agentrt/internal/httpclient"
	"github.com/relaycode/agentrt/internal/telemetry"
)

// SessionContext is the implicit per-session context the adapter may
// inject into a tool call before dispatch.
type SessionContext struct {
	WorkspacePath string
}

// Result is what Dispatch returns: the normalized text payload, whether
// the call succeeded, and — for run_terminal_command only — whether the
// command was rejected by the safety filter before any backend call.
type Result struct {
	Text    string
	Success bool
	Blocked bool
}

// Dispatcher implements the C2 contract.
type Dispatcher struct {
	backends *config.ReloadableBackends
	http     *httpclient.Client
	recorder *telemetry.Recorder
}

func New(backends *config.ReloadableBackends, connectTimeout, readTimeout time.Duration, recorder *telemetry.Recorder) *Dispatcher {
	return &Dispatcher{
		backends: backends,
		http:     httpclient.New(connectTimeout, readTimeout),
		recorder: recorder,
	}
}

// Dispatch routes toolName+input to its backend and returns a normalized
// text payload truncated to maxLen. It never panics on malformed input;
// failures become "ERROR: ..." payloads with Success=false (§4.2).
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, input map[string]any, sess SessionContext, maxLen int) Result {
	start := time.Now()

	injected := injectContext(toolName, input, sess)

	if toolName == RunTerminalCmd {
		command, _ := injected["command"].(string)
		if blocked, reason := IsDangerous(command); blocked {
			slog.Warn("tooldispatch: blocked dangerous command", "command", command, "reason", reason)
			d.recorder.RecordToolCall(toolName, time.Since(start), false)
			return Result{
				Text:    "SECURITY ALERT: command rejected by safety filter (" + reason + ")",
				Success: false,
				Blocked: true,
			}
		}
	}

	proto := argPrototype(toolName)
	if proto != nil {
		if err := mapstructure.Decode(injected, proto); err != nil {
			slog.Warn("tooldispatch: failed to decode tool input", "tool", toolName, "error", err)
		}
	}

	payload, success := d.call(ctx, toolName, injected)
	d.recorder.RecordToolCall(toolName, time.Since(start), success)
	return Result{Text: truncate(payload, maxLen), Success: success}
}

func injectContext(toolName string, input map[string]any, sess SessionContext) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}

	if workspaceInjected[toolName] {
		if v, ok := out["workspace_path"].(string); !ok || v == "" {
			out["workspace_path"] = sess.WorkspacePath
		}
	}
	if toolName == ListDirectory {
		if v, _ := out["directory_path"].(string); v == "." {
			out["directory_path"] = sess.WorkspacePath
		}
	}
	return out
}

// backendResponse is the common JSON envelope every tool-backend endpoint
// returns (§6): {data, message, error?}.
type backendResponse struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func (d *Dispatcher) call(ctx context.Context, toolName string, input map[string]any) (string, bool) {
	url := d.backends.URL(toolName)
	if url == "" {
		return "ERROR: no backend configured for tool " + toolName, false
	}

	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("ERROR: encoding request: %v", err), false
	}

	req, err := httpclient.RequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("ERROR: building request: %v", err), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err), false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("ERROR: reading response: %v", err), false
	}

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("ERROR: backend returned HTTP %d: %s", resp.StatusCode, string(raw)), false
	}

	var parsed backendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Sprintf("ERROR: malformed backend response: %v", err), false
	}
	if parsed.Error != "" {
		return "ERROR: " + parsed.Error, false
	}

	return renderPayload(parsed), true
}
