package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func TestResolveBatch_OrderAndDeduplication(t *testing.T) {
	subs := powerSubsystems(contracts.CapContribution{Dimension: "power", Mode: contracts.CapHardMax, Value: 55})
	agg := newAggregator(t, subs, WithBatchConcurrency(2))

	actors := []*contracts.Actor{actor("a", 1), actor("b", 1), actor("a", 1), actor("c", 4)}
	snaps, err := agg.ResolveBatch(context.Background(), actors)
	require.NoError(t, err)
	require.Len(t, snaps, 4)

	for i, a := range actors {
		assert.Equal(t, a.ID, snaps[i].ActorID)
		assert.Equal(t, 55.0, snaps[i].Primary["power"])
	}
	assert.Same(t, snaps[0], snaps[2])
	assert.Equal(t, int32(3), subs[0].(*fakeSubsystem).calls.Load())
}

func TestResolveBatch_InvalidActorAbortsBatch(t *testing.T) {
	subs := powerSubsystems()
	agg := newAggregator(t, subs)

	_, err := agg.ResolveBatch(context.Background(), []*contracts.Actor{actor("a", 1), {ID: ""}})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrValidation)
	assert.Contains(t, err.Error(), "actor 1")
	assert.Zero(t, subsCalls(subs), "no actor is resolved once validation fails")
}

func TestResolveBatch_FirstErrorAborts(t *testing.T) {
	bad := &fakeSubsystem{id: "bad", prio: 1}
	bad.fn = func(_ context.Context, a *contracts.Actor) (*contracts.SubsystemOutput, error) {
		if a.ID == "broken" {
			return output("bad", []contracts.Contribution{flat("", 1)}, nil), nil
		}
		return output("bad", []contracts.Contribution{flat("power", 1)}, nil), nil
	}
	agg := newAggregator(t, []contracts.Subsystem{bad})

	snaps, err := agg.ResolveBatch(context.Background(), []*contracts.Actor{actor("ok", 1), actor("broken", 1)})
	assert.Nil(t, snaps)
	assert.ErrorIs(t, err, contracts.ErrAggregation)
	assert.Contains(t, err.Error(), "actor broken")
}

func TestResolveBatch_SharesCapsResolution(t *testing.T) {
	capsList := []contracts.CapContribution{{Dimension: "power", Mode: contracts.CapHardMax, Value: 20}}
	sub := &fakeSubsystem{id: "s", prio: 1}
	sub.fn = func(_ context.Context, a *contracts.Actor) (*contracts.SubsystemOutput, error) {
		return output("s", []contracts.Contribution{flat("power", 30)}, nil, capsList...), nil
	}
	provider := caps.NewProvider(caps.NewLayerRegistry())
	agg := newAggregator(t, []contracts.Subsystem{sub}, WithCapsProvider(provider), WithBatchConcurrency(1))

	snaps, err := agg.ResolveBatch(context.Background(), []*contracts.Actor{actor("a", 1), actor("b", 1), actor("c", 1)})
	require.NoError(t, err)
	for _, s := range snaps {
		assert.Equal(t, 20.0, s.Primary["power"])
	}
	stats := provider.Statistics()
	assert.Equal(t, int64(1), stats.TotalCalculations)
	assert.Equal(t, int64(2), stats.SharedResolutions)
	for _, id := range []string{"a", "b", "c"} {
		c, ok := provider.GetCapsForDimension("power", actor(id, 1))
		require.True(t, ok, id)
		assert.Equal(t, 20.0, c.Max, id)
	}
}

func TestResolveBatch_Empty(t *testing.T) {
	agg := newAggregator(t, nil)
	snaps, err := agg.ResolveBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func subsCalls(subs []contracts.Subsystem) int32 {
	var n int32
	for _, s := range subs {
		n += s.(*fakeSubsystem).calls.Load()
	}
	return n
}
