package sessionctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrt/internal/agentloop"
	"github.com/relaycode/agentrt/internal/conversation"
	"github.com/relaycode/agentrt/internal/memory"
	"github.com/relaycode/agentrt/internal/permission"
	"github.com/relaycode/agentrt/internal/session"
)

func newTestController() *Controller {
	builder := func(systemPrompt string) (*memory.Memory, *agentloop.State) {
		mem := memory.New(systemPrompt, memory.Config{TokenCeiling: 1_000_000}, nil, nil)
		return mem, &agentloop.State{Memory: mem}
	}
	registry := session.NewRegistry(builder)
	broker := permission.New(time.Second)
	return New(nil, registry, broker, nil)
}

func TestHandlePermission_ResolvesPending(t *testing.T) {
	c := newTestController()

	var granted bool
	done := make(chan struct{})
	go func() {
		granted = c.broker.Await(context.Background(), "perm-1", time.Second)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	body, _ := json.Marshal(permissionRequest{PermissionID: "perm-1", Granted: true})
	req := httptest.NewRequest(http.MethodPost, "/permission", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	<-done
	assert.True(t, granted)
}

func TestHandlePermission_UnknownIDReturnsNotFound(t *testing.T) {
	c := newTestController()

	body, _ := json.Marshal(permissionRequest{PermissionID: "missing", Granted: true})
	req := httptest.NewRequest(http.MethodPost, "/permission", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReset_CreatesFreshSession(t *testing.T) {
	c := newTestController()
	original := c.registry.GetOrCreate("/ws", "old prompt", session.SystemInfo{WorkspacePath: "/ws"})
	original.Memory().Append(context.Background(), conversation.Message{Role: conversation.RoleUser, Text: "hello"})
	beforeReset := original.Memory().TokenCount()

	body, _ := json.Marshal(resetRequest{WorkspacePath: "/ws"})
	req := httptest.NewRequest(http.MethodPost, "/reset", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	fresh, ok := c.registry.Get("/ws")
	require.True(t, ok)
	assert.Less(t, fresh.Memory().TokenCount(), beforeReset, "reset should drop the prior conversation history")
}

func TestHandleSanitize_UnknownWorkspaceReturnsNotFound(t *testing.T) {
	c := newTestController()

	body, _ := json.Marshal(sanitizeRequest{WorkspacePath: "/missing"})
	req := httptest.NewRequest(http.MethodPost, "/sanitize", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	c := newTestController()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
