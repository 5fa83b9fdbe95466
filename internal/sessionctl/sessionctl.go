// Package sessionctl implements the Session Controller (C6): the HTTP
// surface that frames agent-loop events as server-sent events, resolves
// pending permission decisions, and exposes reset/sanitize/health/metrics
// operations, per §4.6.
//
// Grounded on the teacher's pkg/transport chi-based routing (metrics
// middleware, chi.RouteContext pattern extraction) and pkg/server's
// signal-driven graceful shutdown, simplified to a single HTTP surface
// with no gRPC, auth interceptor chain, or config-topology rollback.
package sessionctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycode/agentrt/internal/agentloop"
	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/events"
	"github.com/relaycode/agentrt/internal/permission"
	"github.com/relaycode/agentrt/internal/session"
	"github.com/relaycode/agentrt/internal/telemetry"
)

// Controller wires the agent loop, session registry, and permission
// broker behind an HTTP router.
type Controller struct {
	loop     *agentloop.Loop
	registry *session.Registry
	broker   *permission.Broker
	recorder *telemetry.Recorder

	router chi.Router
}

func New(loop *agentloop.Loop, registry *session.Registry, broker *permission.Broker, recorder *telemetry.Recorder) *Controller {
	c := &Controller{loop: loop, registry: registry, broker: broker, recorder: recorder}
	c.router = c.buildRouter()
	return c
}

// Handler returns the http.Handler backing the controller's routes.
func (c *Controller) Handler() http.Handler { return c.router }

func (c *Controller) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.requestLogger)

	r.Post("/stream", c.handleStream)
	r.Post("/permission", c.handlePermission)
	r.Post("/reset", c.handleReset)
	r.Post("/sanitize", c.handleSanitize)
	r.Get("/health", c.handleHealth)
	r.Post("/health", c.handleHealth)
	r.Get("/metrics", c.handleMetrics)

	return r
}

func (c *Controller) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("sessionctl: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (c *Controller) handleMetrics(w http.ResponseWriter, r *http.Request) {
	c.recorder.Handler().ServeHTTP(w, r)
}

// streamRequest is the body of POST /stream, per §4.6.
type streamRequest struct {
	WorkspacePath string                     `json:"workspace_path"`
	Query         string                     `json:"query"`
	SystemInfo    session.SystemInfo         `json:"system_info"`
	ActiveFile    *session.ActiveFileContext `json:"active_file_context,omitempty"`
}

func (c *Controller) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.WorkspacePath == "" {
		http.Error(w, "workspace_path is required", http.StatusBadRequest)
		return
	}
	req.SystemInfo.WorkspacePath = req.WorkspacePath

	preamble := session.RenderPreamble(req.SystemInfo, req.ActiveFile)
	sess := c.registry.GetOrCreate(req.WorkspacePath, preamble, req.SystemInfo)
	sess.ReinitSystem(preamble)

	if !sess.TryBeginRequest() {
		http.Error(w, "a request is already in flight for this workspace", http.StatusConflict)
		return
	}
	defer sess.EndRequest()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if req.Query != "" {
		sess.Memory().Append(r.Context(), conversation.Message{Role: conversation.RoleUser, Text: req.Query})
	}

	state := sess.LoopState()

	for ev, err := range c.loop.Run(r.Context(), state, 0) {
		if err != nil {
			writeSSE(w, events.NewError(events.KindInternalError, err.Error()))
			flusher.Flush()
			return
		}
		writeSSE(w, ev)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sessionctl: failed to marshal event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// permissionRequest is the body of POST /permission.
type permissionRequest struct {
	PermissionID string `json:"permission_id"`
	Granted      bool   `json:"granted"`
}

func (c *Controller) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := c.broker.Resolve(req.PermissionID, req.Granted); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	WorkspacePath string `json:"workspace_path"`
}

func (c *Controller) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.WorkspacePath == "" {
		http.Error(w, "workspace_path is required", http.StatusBadRequest)
		return
	}
	c.registry.Reset(req.WorkspacePath)
	w.WriteHeader(http.StatusNoContent)
}

type sanitizeRequest struct {
	WorkspacePath string `json:"workspace_path"`
}

func (c *Controller) handleSanitize(w http.ResponseWriter, r *http.Request) {
	var req sanitizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request body: %v", err), http.StatusBadRequest)
		return
	}
	sess, ok := c.registry.Get(req.WorkspacePath)
	if !ok {
		http.Error(w, "unknown workspace", http.StatusNotFound)
		return
	}
	sess.Sanitize()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"goroutines": runtime.NumGoroutine(),
	})
}

// Run starts the HTTP server on addr and blocks until SIGINT/SIGTERM,
// performing a graceful shutdown (§4.6/§9), grounded on the teacher's
// pkg/server.runLifecycle signal handling.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sessionctl: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		slog.Info("sessionctl: shutting down")
	case <-ctx.Done():
		slog.Info("sessionctl: context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
