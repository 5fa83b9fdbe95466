package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycode/agentrt/internal/apperr"
)

func TestNewFromError_RecoversTypedKind(t *testing.T) {
	ev := NewFromError(apperr.New(apperr.KindDepthExceeded, "maximum depth reached"))
	assert.Equal(t, Error, ev.Type)
	assert.Equal(t, string(KindDepthExceeded), ev.Metadata["kind"])
}

func TestNewFromError_FallsBackToInternalForUntypedError(t *testing.T) {
	ev := NewFromError(errors.New("plain failure"))
	assert.Equal(t, string(KindInternalError), ev.Metadata["kind"])
	assert.Equal(t, "plain failure", ev.Content)
}
