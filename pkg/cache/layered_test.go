package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingBackend fails every write and optionally every read.
type failingBackend struct {
	*MemoryBackend
	failReads bool
}

var errBackendDown = errors.New("backend down")

func (f failingBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if f.failReads {
		return nil, false, errBackendDown
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f failingBackend) Set(context.Context, string, json.RawMessage, time.Duration) error {
	return errBackendDown
}

func TestLayered_PromotesLowerHits(t *testing.T) {
	ctx := context.Background()
	l1, l2, l3 := NewMemoryBackend(0), NewMemoryBackend(0), NewMemoryBackend(0)
	l := NewLayered(nil,
		Layer{Name: "l1", Backend: l1, PromoteTTL: time.Minute},
		Layer{Name: "l2", Backend: l2},
		Layer{Name: "l3", Backend: l3},
	)

	require.NoError(t, l3.Set(ctx, "k", json.RawMessage(`"deep"`), 0))

	v, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"deep"`, string(v))

	for name, b := range map[string]Backend{"l1": l1, "l2": l2} {
		_, ok, _ := b.Get(ctx, "k")
		assert.True(t, ok, "value promoted into %s", name)
	}
	assert.Equal(t, int64(1), l.Stats().Hits)
	assert.Len(t, l.LayerStats(), 3)
}

func TestLayered_WritesFanOut(t *testing.T) {
	ctx := context.Background()
	l1, l2 := NewMemoryBackend(0), NewMemoryBackend(0)
	l := NewLayered(nil, Layer{Name: "l1", Backend: l1}, Layer{Name: "l2", Backend: l2})

	require.NoError(t, l.Set(ctx, "k", json.RawMessage(`1`), time.Minute))
	assert.Equal(t, int64(1), l1.Stats().Entries)
	assert.Equal(t, int64(1), l2.Stats().Entries)

	require.NoError(t, l.Delete(ctx, "k"))
	assert.Zero(t, l2.Stats().Entries)

	require.NoError(t, l.Set(ctx, "x", json.RawMessage(`1`), 0))
	require.NoError(t, l.Clear(ctx))
	assert.Zero(t, l1.Stats().Entries)

	_, ok, err := l.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), l.Stats().Misses)
}

func TestLayered_PartialWriteFailure(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	good := NewMemoryBackend(0)
	l := NewLayered(logger,
		Layer{Name: "l1", Backend: good},
		Layer{Name: "l2", Backend: failingBackend{MemoryBackend: NewMemoryBackend(0)}},
	)

	err := l.Set(ctx, "k", json.RawMessage(`1`), 0)
	assert.ErrorIs(t, err, errBackendDown)
	assert.Contains(t, logs.String(), "layer=l2")
	assert.Equal(t, int64(1), good.Stats().Entries, "healthy tiers still receive the write")
}

func TestLayered_ReadErrorPropagates(t *testing.T) {
	l := NewLayered(nil, Layer{Name: "l1", Backend: failingBackend{MemoryBackend: NewMemoryBackend(0), failReads: true}})
	_, _, err := l.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errBackendDown)
}

func TestLayered_PromotionFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryBackend(0)
	require.NoError(t, l2.Set(ctx, "k", json.RawMessage(`1`), 0))
	l := NewLayered(nil,
		Layer{Name: "l1", Backend: failingBackend{MemoryBackend: NewMemoryBackend(0)}},
		Layer{Name: "l2", Backend: l2},
	)
	_, ok, err := l.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
