package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "a")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, m.Delete(ctx, "a"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))
	now = now.Add(2 * time.Second)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemory().WithClock(func() time.Time { return now })

	ok, err := m.SetNX(ctx, "k", []byte("1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", []byte("2"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Hour)
	ok, err = m.SetNX(ctx, "k", []byte("3"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "claim is released once the ttl elapses")
}
