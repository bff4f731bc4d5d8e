package backend_test

import (
	"context"
	"testing"

	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecuteTracksPerKeyState(t *testing.T) {
	l := backend.NewLocal(4)
	cfg := ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 1, RefillRate: 1}

	r1, err := l.Execute(context.Background(), "user:1", cfg, 1, 0)
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := l.Execute(context.Background(), "user:1", cfg, 1, 0)
	require.NoError(t, err)
	assert.False(t, r2.Allowed, "second request in the same millisecond should exhaust the single token")

	r3, err := l.Execute(context.Background(), "user:2", cfg, 1, 0)
	require.NoError(t, err)
	assert.True(t, r3.Allowed, "a different key must not share state with user:1")
}

func TestLocalExecuteReinitializesOnAlgorithmChange(t *testing.T) {
	l := backend.NewLocal(4)
	tb := ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 1, RefillRate: 1}
	fw := ratelimit.EffectiveConfig{Algorithm: ratelimit.FixedWindow, Capacity: 5, WindowMs: 1000}

	_, err := l.Execute(context.Background(), "k", tb, 1, 0)
	require.NoError(t, err)

	r, err := l.Execute(context.Background(), "k", fw, 1, 0)
	require.NoError(t, err)
	assert.True(t, r.Allowed, "switching a key to a different algorithm must reset its state rather than reuse stale fields")
}

func TestLocalDeleteDropsState(t *testing.T) {
	l := backend.NewLocal(4)
	cfg := ratelimit.EffectiveConfig{Algorithm: ratelimit.FixedWindow, Capacity: 1, WindowMs: 1000}

	_, err := l.Execute(context.Background(), "k", cfg, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	l.Delete("k")
	assert.Equal(t, 0, l.Len())

	r, err := l.Execute(context.Background(), "k", cfg, 1, 0)
	require.NoError(t, err)
	assert.True(t, r.Allowed, "deleting a key's state must let it start fresh")
}
