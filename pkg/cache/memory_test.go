package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryBackend_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", json.RawMessage(`{"v":1}`), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(v))

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "missing"))
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Deletes)
	assert.InDelta(t, 1.0/3.0, stats.HitRate(), 1e-9)
}

func TestMemoryBackend_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemoryBackend(0)
	m.now = clock.now

	require.NoError(t, m.Set(ctx, "short", json.RawMessage(`1`), time.Second))
	require.NoError(t, m.Set(ctx, "forever", json.RawMessage(`2`), 0))

	clock.advance(2 * time.Second)
	_, ok, _ := m.Get(ctx, "short")
	assert.False(t, ok, "expired entries are misses")
	_, ok, _ = m.Get(ctx, "forever")
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestMemoryBackend_EvictsSoonestExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemoryBackend(2)
	m.now = clock.now

	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`1`), time.Hour))
	require.NoError(t, m.Set(ctx, "b", json.RawMessage(`2`), time.Minute))
	require.NoError(t, m.Set(ctx, "c", json.RawMessage(`3`), time.Hour))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(2), m.Stats().Entries)

	// Overwriting an existing key never evicts.
	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`4`), time.Hour))
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	src := json.RawMessage(`{"a":1}`)
	require.NoError(t, m.Set(ctx, "k", src, 0))
	src[2] = 'b'

	v, _, _ := m.Get(ctx, "k")
	assert.JSONEq(t, `{"a":1}`, string(v))
}

func TestMemoryBackend_Clear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	require.NoError(t, m.Set(ctx, "a", json.RawMessage(`1`), 0))
	require.NoError(t, m.Set(ctx, "b", json.RawMessage(`1`), 0))
	require.NoError(t, m.Clear(ctx))
	assert.Zero(t, m.Stats().Entries)
}
