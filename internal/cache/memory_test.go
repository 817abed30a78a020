package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMemory() (*Memory, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clk.now
	return m, clk
}

func TestMemory_SetGetExpire(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clk.t = clk.t.Add(time.Second)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_NoTTLNeverExpires(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	clk.t = clk.t.Add(24 * time.Hour)
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_JobState(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()
	id := uuid.New()

	_, ok, err := m.GetJobState(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetJobState(ctx, id, "ACTIVE", time.Minute))
	state, ok, err := m.GetJobState(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ACTIVE", state)
}

func TestMemory_IncrWithExpiry(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	for want := int64(1); want <= 12; want++ {
		n, err := m.IncrWithExpiry(ctx, "rl", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	clk.t = clk.t.Add(time.Minute)
	n, err := m.IncrWithExpiry(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_Lock(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	ok, _ := m.AcquireLock(ctx, "lock", "a", time.Minute)
	assert.True(t, ok)
	ok, _ = m.AcquireLock(ctx, "lock", "b", time.Minute)
	assert.False(t, ok)

	require.NoError(t, m.ReleaseLock(ctx, "lock", "b"))
	ok, _ = m.AcquireLock(ctx, "lock", "b", time.Minute)
	assert.False(t, ok, "release with a foreign token is a no-op")

	clk.t = clk.t.Add(time.Minute)
	ok, _ = m.AcquireLock(ctx, "lock", "b", time.Minute)
	assert.True(t, ok, "expired lock can be taken")
}
