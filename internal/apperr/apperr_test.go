package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesSameKind(t *testing.T) {
	err := Wrap(KindProvider, "stream failed", errors.New("boom"))
	assert.True(t, errors.Is(err, New(KindProvider, "")))
	assert.False(t, errors.Is(err, New(KindToolDispatch, "")))
}

func TestUnwrap_ReturnsUnderlyingError(t *testing.T) {
	underlying := errors.New("boom")
	err := Wrap(KindProvider, "stream failed", underlying)
	assert.ErrorIs(t, err, underlying)
}

func TestError_FormatsWithAndWithoutUnderlying(t *testing.T) {
	assert.Equal(t, "ProviderError: stream failed", New(KindProvider, "stream failed").Error())

	wrapped := Wrap(KindProvider, "stream failed", errors.New("boom"))
	assert.Contains(t, wrapped.Error(), "boom")
}
