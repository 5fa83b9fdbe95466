// Package session implements the per-workspace session registry C6 reads
// and mutates: lazy construction on first request, the cached system
// prompt and its re-initialization, and the single-in-flight-per-session
// guard.
//
// Grounded on the teacher's pkg/session.memorySession/Service shape
// (mutex-guarded in-memory session keyed by identifier, lastUpdateTime
// bookkeeping), narrowed to this repo's single-tenant, workspace-keyed
// model — no app/user scoping, no persistence backend.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaycode/agentrt/internal/agentloop"
	"github.com/relaycode/agentrt/internal/memory"
	"github.com/relaycode/agentrt/internal/tooldispatch"
)

// SystemInfo is the ambient context a query may carry, used to assemble
// the system-prompt preamble (§4.6).
type SystemInfo struct {
	Platform      string
	OSVersion     string
	Shell         string
	WorkspacePath string
	WorkspaceName string
}

// ActiveFileContext describes the file the user currently has open, also
// folded into the system-prompt preamble when present.
type ActiveFileContext struct {
	RelativePath string
	Language     string
	LineCount    int
	Dirty        bool
}

// Session is the per-workspace runtime: conversation memory, loop state,
// and the single-in-flight guard.
type Session struct {
	mu sync.Mutex

	workspacePath     string
	systemInfo        SystemInfo
	mem               *memory.Memory
	loopState         *agentloop.State
	clientEstablished bool
	inFlight          bool
	lastUpdate        time.Time
}

// Builder constructs the memory and loop state for a freshly created or
// reset session, given the current system-prompt text.
type Builder func(systemPrompt string) (*memory.Memory, *agentloop.State)

// Registry is the mutex-guarded in-memory session store keyed by
// workspace path.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	builder  Builder
}

func NewRegistry(builder Builder) *Registry {
	return &Registry{sessions: make(map[string]*Session), builder: builder}
}

// GetOrCreate lazily initializes the session for workspacePath if the
// agent has not yet been constructed for it (§4.6's `stream` operation).
func (r *Registry) GetOrCreate(workspacePath string, systemPrompt string, info SystemInfo) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[workspacePath]; ok {
		return s
	}

	mem, loopState := r.builder(systemPrompt)
	s := &Session{
		workspacePath:     workspacePath,
		systemInfo:        info,
		mem:               mem,
		loopState:         loopState,
		clientEstablished: true,
		lastUpdate:        time.Now(),
	}
	r.sessions[workspacePath] = s
	return s
}

// Get returns the existing session for workspacePath, if any.
func (r *Registry) Get(workspacePath string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workspacePath]
	return s, ok
}

// Reset tears down the current session and constructs a fresh one,
// preserving only the workspace path and system info (§4.6's `reset`).
func (r *Registry) Reset(workspacePath string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[workspacePath]
	info := SystemInfo{WorkspacePath: workspacePath}
	if ok {
		info = existing.systemInfo
	}

	mem, loopState := r.builder(RenderPreamble(info, nil))
	s := &Session{
		workspacePath:     workspacePath,
		systemInfo:        info,
		mem:               mem,
		loopState:         loopState,
		clientEstablished: true,
		lastUpdate:        time.Now(),
	}
	r.sessions[workspacePath] = s
	return s
}

// ReinitSystem re-initializes the cached system prompt for an existing
// session from a freshly rendered preamble, without mutating accumulated
// messages (I6).
func (s *Session) ReinitSystem(systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.ReinitSystem(systemPrompt)
	s.systemInfo.WorkspacePath = s.workspacePath
}

// TryBeginRequest enforces the single-in-flight-per-session rule,
// returning false (409-equivalent) if a request is already running.
func (s *Session) TryBeginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// EndRequest releases the in-flight guard.
func (s *Session) EndRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.lastUpdate = time.Now()
}

// Memory returns the session's conversation memory.
func (s *Session) Memory() *memory.Memory { return s.mem }

// LoopState returns the session's agent-loop runtime state.
func (s *Session) LoopState() *agentloop.State { return s.loopState }

// Workspace returns the dispatch-level session context.
func (s *Session) Workspace() tooldispatch.SessionContext {
	return tooldispatch.SessionContext{WorkspacePath: s.workspacePath}
}

// Sanitize walks the memory and rewrites duplicate tool-use identifiers
// (§4.6's `sanitize` operation).
func (s *Session) Sanitize() {
	s.mem.Sanitize()
}

// Health reports whether this session's agent instance and client
// connection exist (§4.6's `health` operation).
func (s *Session) Health() (agentExists, clientEstablished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return true, s.clientEstablished
}

// RenderPreamble builds the system-prompt preamble from system info and
// optional active-file context, per §4.6's `stream` operation.
func RenderPreamble(info SystemInfo, active *ActiveFileContext) string {
	preamble := fmt.Sprintf(
		"Platform: %s\nOS Version: %s\nShell: %s\nWorkspace: %s (%s)\n",
		info.Platform, info.OSVersion, info.Shell, info.WorkspaceName, info.WorkspacePath,
	)
	if active != nil {
		preamble += fmt.Sprintf(
			"Active file: %s (%s, %d lines%s)\n",
			active.RelativePath, active.Language, active.LineCount, dirtySuffix(active.Dirty),
		)
	}
	return preamble
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return ", unsaved changes"
	}
	return ""
}
