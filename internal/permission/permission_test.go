package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_GrantedByResolve(t *testing.T) {
	b := New(time.Second)
	done := make(chan bool, 1)

	go func() {
		done <- b.Await(context.Background(), "perm-1", time.Second)
	}()

	// Give Await a moment to register the pending handle.
	for !b.Pending("perm-1") {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, b.Resolve("perm-1", true))

	select {
	case granted := <-done:
		assert.True(t, granted)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
	assert.False(t, b.Pending("perm-1"), "handle must be removed after resolution")
}

func TestAwait_TimesOutDenied(t *testing.T) {
	b := New(50 * time.Millisecond)
	granted := b.Await(context.Background(), "perm-2", 0)
	assert.False(t, granted)
	assert.False(t, b.Pending("perm-2"))
}

func TestResolve_UnknownIDErrors(t *testing.T) {
	b := New(time.Second)
	err := b.Resolve("does-not-exist", true)
	assert.Error(t, err)
}

func TestResolve_FirstResolverWins(t *testing.T) {
	b := New(time.Second)
	go b.Await(context.Background(), "perm-3", time.Second)
	for !b.Pending("perm-3") {
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, b.Resolve("perm-3", true))
	err := b.Resolve("perm-3", false)
	assert.Error(t, err, "a second resolution of the same id must fail")
}
