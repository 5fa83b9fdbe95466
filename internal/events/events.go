// Package events defines the outbound server-sent-event vocabulary emitted
// by the agent loop and framed by the session controller.
package events

import (
	"errors"
	"time"

	"github.com/relaycode/agentrt/internal/apperr"
)

// Tag is the outbound event type.
type Tag string

const (
	Thinking          Tag = "thinking"
	AssistantResponse Tag = "assistant_response"
	ToolSelection     Tag = "tool_selection"
	ToolExecution     Tag = "tool_execution"
	ToolResult        Tag = "tool_result"
	PermissionRequest Tag = "permission_request"
	FinalResponse     Tag = "final_response"
	Error             Tag = "error"
)

// ErrorKind classifies an Error event's Metadata["kind"].
type ErrorKind string

const (
	KindProviderError     ErrorKind = "ProviderError"
	KindToolDispatchError ErrorKind = "ToolDispatchError"
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindPermissionTimeout ErrorKind = "PermissionTimeout"
	KindDangerousCommand  ErrorKind = "DangerousCommand"
	KindDepthExceeded     ErrorKind = "DepthExceeded"
	KindValidationError   ErrorKind = "ValidationError"
	KindInternalError     ErrorKind = "InternalError"
)

// Event is one frame of the outbound stream.
type Event struct {
	Type      Tag            `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// New stamps an Event with the current wall-clock time.
func New(tag Tag, content string, metadata map[string]any) Event {
	return Event{
		Type:      tag,
		Content:   content,
		Metadata:  metadata,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NewError builds an Error event of the given kind.
func NewError(kind ErrorKind, content string) Event {
	return New(Error, content, map[string]any{"kind": string(kind)})
}

// NewFromError builds an Error event from a typed apperr.Error, recovering
// its Kind via errors.As; unrecognized errors fall back to InternalError.
func NewFromError(err error) Event {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return New(Error, ae.Error(), map[string]any{"kind": string(ae.Kind)})
	}
	return New(Error, err.Error(), map[string]any{"kind": string(KindInternalError)})
}
