// Package config loads the flat environment-variable configuration that
// drives every knob named in the specification's external-interfaces
// section, plus an optional YAML overlay for non-secret settings.
//
// Grounded on the teacher's pkg/config/env.go (.env loading, typed value
// parsing) and pkg/server's reload-channel lifecycle for the fsnotify
// hot-reload of tool-backend URLs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ToolBackends maps a routed tool name to the base URL of the external
// HTTP service that implements it.
type ToolBackends map[string]string

// Config is the full set of runtime knobs. All fields have defaults so a
// zero-config run is possible against a local stub backend.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	LLMAPIKey      string
	LLMBaseURL     string
	LLMModel       string
	LLMSummaryModel string

	ToolBackends ToolBackends

	MaxToolCallsPerSession int
	ContextTokenCeiling    int
	PermissionTimeout      time.Duration
	MaxDepth               int
	SummaryTailSize        int

	LLMConnectTimeout    time.Duration
	LLMReadTimeout       time.Duration
	ToolConnectTimeout   time.Duration
	ToolReadTimeout      time.Duration
	StreamingTruncateLen int
	BatchTruncateLen     int
}

// routedTools is the fixed routing table from the tool-dispatch contract;
// each entry gets a TOOL_BACKEND_<NAME>_URL environment variable.
var routedTools = []string{
	"read_file", "list_directory", "run_terminal_command", "search_files",
	"grep_search", "search_and_replace", "codebase_search", "edit_file",
	"reapply", "web_search", "delete_file",
}

// Default returns the built-in defaults before environment/YAML overlay.
func Default() *Config {
	backends := make(ToolBackends, len(routedTools))
	for _, t := range routedTools {
		backends[t] = ""
	}
	return &Config{
		Addr:                   ":8080",
		LogLevel:               "info",
		LogFormat:              "simple",
		LLMModel:               "claude-sonnet-4-20250514",
		LLMSummaryModel:        "claude-3-5-haiku-20241022",
		ToolBackends:           backends,
		MaxToolCallsPerSession: 50,
		ContextTokenCeiling:    100_000,
		PermissionTimeout:      60 * time.Second,
		MaxDepth:               50,
		SummaryTailSize:        5,
		LLMConnectTimeout:      60 * time.Second,
		LLMReadTimeout:         300 * time.Second,
		ToolConnectTimeout:     60 * time.Second,
		ToolReadTimeout:        150 * time.Second,
		StreamingTruncateLen:   8000,
		BatchTruncateLen:       32000,
	}
}

// LoadEnvFiles loads .env.local then .env from the working directory,
// ignoring a missing file but surfacing malformed ones.
func LoadEnvFiles() error {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variables, in that precedence order (env wins).
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", yamlPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTRT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("AGENTRT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AGENTRT_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("LLM_SUMMARY_MODEL"); v != "" {
		c.LLMSummaryModel = v
	}
	for _, t := range routedTools {
		if v := os.Getenv(envVarForTool(t)); v != "" {
			c.ToolBackends[t] = v
		}
	}
	if v := parseIntEnv("MAX_TOOL_CALLS_PER_SESSION"); v != 0 {
		c.MaxToolCallsPerSession = v
	}
	if v := parseIntEnv("CONTEXT_TOKEN_CEILING"); v != 0 {
		c.ContextTokenCeiling = v
	}
	if v := parseIntEnv("PERMISSION_TIMEOUT_SECONDS"); v != 0 {
		c.PermissionTimeout = time.Duration(v) * time.Second
	}
}

func envVarForTool(tool string) string {
	upper := ""
	for _, r := range tool {
		if r == '-' {
			r = '_'
		}
		upper += string(r)
	}
	return "TOOL_BACKEND_" + toUpper(upper) + "_URL"
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func parseIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// ReloadableBackends is a mutex-guarded view over ToolBackends that the
// fsnotify watcher updates in place without restarting the process.
type ReloadableBackends struct {
	mu       sync.RWMutex
	backends ToolBackends
}

func NewReloadableBackends(initial ToolBackends) *ReloadableBackends {
	cp := make(ToolBackends, len(initial))
	for k, v := range initial {
		cp[k] = v
	}
	return &ReloadableBackends{backends: cp}
}

func (r *ReloadableBackends) URL(tool string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[tool]
}

func (r *ReloadableBackends) Replace(updated ToolBackends) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range updated {
		r.backends[k] = v
	}
}
