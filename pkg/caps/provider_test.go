package caps_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func capc(dim, kind string, v float64, scope string) contracts.CapContribution {
	mode := contracts.CapHardMin
	if kind == contracts.CapKindMax {
		mode = contracts.CapHardMax
	}
	return contracts.CapContribution{System: "test", Dimension: dim, Mode: mode, Kind: kind, Value: v, Scope: scope}
}

func outputs(cs ...contracts.CapContribution) []*contracts.SubsystemOutput {
	out := contracts.NewSubsystemOutput("test")
	for _, c := range cs {
		out.AddCap(c)
	}
	return []*contracts.SubsystemOutput{out}
}

var hero = &contracts.Actor{ID: "hero", Version: 1}

func TestLayerRegistry_Validate(t *testing.T) {
	r := caps.NewLayerRegistry()
	require.NoError(t, r.Validate())
	assert.Equal(t, []string{"realm", "world", "event", "guild", "total"}, r.Order())
	assert.Equal(t, caps.PolicyIntersect, r.Policy())

	assert.ErrorIs(t, r.SetOrder(nil), contracts.ErrConfiguration)
	assert.ErrorIs(t, r.SetOrder([]string{"a", ""}), contracts.ErrConfiguration)
	assert.ErrorIs(t, r.SetOrder([]string{"a", "a"}), contracts.ErrConfiguration)
	assert.ErrorIs(t, r.SetPolicy("most_permissive"), contracts.ErrConfiguration)

	require.NoError(t, r.SetOrder([]string{"base", "buff"}))
	require.NoError(t, r.SetPolicy(caps.PolicyUnion))
	assert.Equal(t, []string{"base", "buff"}, r.Order())
}

func TestWithinLayer_MinMaxAndDefaults(t *testing.T) {
	p := caps.NewProvider(nil)
	outs := outputs(
		capc("hp", contracts.CapKindMin, 10, "world"),
		capc("hp", contracts.CapKindMin, 20, "world"),
		capc("hp", contracts.CapKindMax, 500, "world"),
		capc("hp", contracts.CapKindMax, 400, ""),
		capc("hp", contracts.CapKindMax, 1, "realm"),
		contracts.CapContribution{System: "t", Dimension: "mp", Kind: "soft"},
	)

	got, err := p.EffectiveCapsWithinLayer(hero, outs, "world")
	require.NoError(t, err)
	assert.Equal(t, contracts.Caps{Min: 20, Max: 400}, got["hp"], "unscoped caps apply to every layer")

	mp, ok := got["mp"]
	require.True(t, ok, "unknown kinds still create the dimension")
	assert.True(t, math.IsInf(mp.Min, -1))
	assert.True(t, math.IsInf(mp.Max, 1))
}

func TestWithinLayer_Conflict(t *testing.T) {
	p := caps.NewProvider(nil)
	_, err := p.EffectiveCapsWithinLayer(hero, outputs(
		capc("hp", contracts.CapKindMin, 50, "world"),
		capc("hp", contracts.CapKindMax, 10, "world"),
	), "world")
	assert.ErrorIs(t, err, contracts.ErrConfiguration)
}

func TestWithinLayer_ModeImpliesKind(t *testing.T) {
	p := caps.NewProvider(nil)
	got, err := p.EffectiveCapsWithinLayer(hero, outputs(
		contracts.CapContribution{System: "s", Dimension: "hp", Mode: contracts.CapHardMin, Value: 3},
		contracts.CapContribution{System: "s", Dimension: "hp", Mode: contracts.CapSoftMax, Value: 9},
	), "total")
	require.NoError(t, err)
	assert.Equal(t, contracts.Caps{Min: 3, Max: 9}, got["hp"])
}

func TestWithinLayer_RealmFilter(t *testing.T) {
	p := caps.NewProvider(nil)
	c := capc("hp", contracts.CapKindMax, 10, "")
	c.Realm = "underworld"

	got, err := p.EffectiveCapsWithinLayer(&contracts.Actor{ID: "a", Data: map[string]any{"realm": "surface"}}, outputs(c), "world")
	require.NoError(t, err)
	assert.NotContains(t, got, "hp")

	got, err = p.EffectiveCapsWithinLayer(&contracts.Actor{ID: "a", Data: map[string]any{"realm": "underworld"}}, outputs(c), "world")
	require.NoError(t, err)
	assert.Equal(t, 10.0, got["hp"].Max)
}

func TestWithinLayer_RejectsMalformed(t *testing.T) {
	p := caps.NewProvider(nil)
	_, err := p.EffectiveCapsWithinLayer(hero, outputs(capc("", contracts.CapKindMax, 1, "")), "world")
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestAcrossLayers_Policies(t *testing.T) {
	outs := outputs(
		capc("hp", contracts.CapKindMin, 0, "realm"),
		capc("hp", contracts.CapKindMax, 1000, "realm"),
		capc("hp", contracts.CapKindMin, 100, "guild"),
		capc("hp", contracts.CapKindMax, 800, "guild"),
		capc("hp", contracts.CapKindMax, 1200, "event"),
	)

	t.Run("intersect", func(t *testing.T) {
		p := caps.NewProvider(nil)
		res, err := p.EffectiveCapsAcrossLayers(hero, outs)
		require.NoError(t, err)
		assert.Empty(t, res.Conflicts)
		assert.Equal(t, contracts.Caps{Min: 100, Max: 800}, res.Caps["hp"])
	})

	t.Run("union", func(t *testing.T) {
		layers := caps.NewLayerRegistry()
		require.NoError(t, layers.SetPolicy(caps.PolicyUnion))
		res, err := caps.NewProvider(layers).EffectiveCapsAcrossLayers(hero, outs)
		require.NoError(t, err)
		assert.True(t, math.IsInf(res.Caps["hp"].Min, -1), "event layer defines no min")
		assert.Equal(t, 1200.0, res.Caps["hp"].Max)
	})

	t.Run("prioritized override", func(t *testing.T) {
		layers := caps.NewLayerRegistry()
		require.NoError(t, layers.SetPolicy(caps.PolicyPrioritizedOverride))
		require.NoError(t, layers.SetOrder([]string{"event", "guild", "realm"}))
		res, err := caps.NewProvider(layers).EffectiveCapsAcrossLayers(hero, outs)
		require.NoError(t, err)
		assert.Equal(t, contracts.Caps{Min: 100, Max: 1200}, res.Caps["hp"])
	})
}

func TestAcrossLayers_IntersectConflictIsPerDimension(t *testing.T) {
	p := caps.NewProvider(nil)
	res, err := p.EffectiveCapsAcrossLayers(hero, outputs(
		capc("hp", contracts.CapKindMin, 500, "realm"),
		capc("hp", contracts.CapKindMax, 100, "guild"),
		capc("mp", contracts.CapKindMax, 50, "guild"),
	))
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "hp", res.Conflicts[0].Dimension)
	assert.NotContains(t, res.Caps, "hp")
	assert.Equal(t, 50.0, res.Caps["mp"].Max)
	assert.ErrorIs(t, res.Err(), contracts.ErrConfiguration)
	assert.Equal(t, int64(1), p.Statistics().Conflicts)
}

func TestValidateCaps(t *testing.T) {
	p := caps.NewProvider(nil, caps.WithSignedDimensions("temperature"))

	assert.NoError(t, p.ValidateCaps("hp", contracts.Caps{Min: 0, Max: 10}))
	assert.ErrorIs(t, p.ValidateCaps("hp", contracts.Caps{Min: 10, Max: 0}), contracts.ErrValidation)
	assert.ErrorIs(t, p.ValidateCaps("hp", contracts.Caps{Min: -1, Max: 0}), contracts.ErrValidation)
	assert.NoError(t, p.ValidateCaps("temperature", contracts.Caps{Min: -40, Max: 60}))

	p.SetSigned("temperature", false)
	assert.Error(t, p.ValidateCaps("temperature", contracts.Caps{Min: -40, Max: 60}))
}

func TestIntrospection(t *testing.T) {
	p := caps.NewProvider(nil)
	_, ok := p.GetCapsForDimension("hp", hero)
	assert.False(t, ok)

	_, err := p.EffectiveCapsAcrossLayers(hero, outputs(capc("focus", contracts.CapKindMax, 9, "")))
	require.NoError(t, err)

	c, ok := p.GetCapsForDimension("focus", hero)
	require.True(t, ok)
	assert.Equal(t, 9.0, c.Max)

	assert.Contains(t, p.SupportedDimensions(), "focus")
	assert.Contains(t, p.SupportedDimensions(), "health")
	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.TotalCalculations)
	assert.Equal(t, 1, stats.DimensionsWithCaps)
	require.NoError(t, p.Validate())
}

func TestRemember(t *testing.T) {
	p := caps.NewProvider(nil)
	res, err := p.EffectiveCapsAcrossLayers(hero, outputs(capc("focus", contracts.CapKindMax, 9, "")))
	require.NoError(t, err)

	twin := &contracts.Actor{ID: "twin", Version: 1}
	p.Remember(twin, res)

	c, ok := p.GetCapsForDimension("focus", twin)
	require.True(t, ok)
	assert.Equal(t, 9.0, c.Max)
	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.TotalCalculations)
	assert.Equal(t, int64(1), stats.SharedResolutions)
}
