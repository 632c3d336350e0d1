package contracts_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func TestNewCaps_RejectsInvertedRange(t *testing.T) {
	_, err := contracts.NewCaps(10, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrValidation))

	_, err = contracts.NewCaps(math.NaN(), 5)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestCaps_Operations(t *testing.T) {
	c, err := contracts.NewCaps(0, 100)
	require.NoError(t, err)

	assert.True(t, c.Contains(0))
	assert.True(t, c.Contains(100))
	assert.False(t, c.Contains(100.5))
	assert.Equal(t, 100.0, c.Clamp(150))
	assert.Equal(t, 0.0, c.Clamp(-3))
	assert.Equal(t, 100.0, c.Width())
	assert.Equal(t, 50.0, c.Center())

	wide, err := c.Expand(10)
	require.NoError(t, err)
	assert.Equal(t, contracts.Caps{Min: -10, Max: 110}, wide)

	narrow, err := c.Shrink(20)
	require.NoError(t, err)
	assert.Equal(t, contracts.Caps{Min: 20, Max: 80}, narrow)

	_, err = c.Shrink(60)
	assert.ErrorIs(t, err, contracts.ErrValidation, "shrinking past the midpoint inverts the range")

	require.NoError(t, c.Set(5, 6))
	assert.Equal(t, contracts.Caps{Min: 5, Max: 6}, c)
	assert.Error(t, c.Set(7, 6))
	assert.Equal(t, contracts.Caps{Min: 5, Max: 6}, c, "failed Set must leave the range untouched")
}

func TestCaps_IntersectUnion(t *testing.T) {
	a := contracts.Caps{Min: 0, Max: 10}
	b := contracts.Caps{Min: 5, Max: 20}

	assert.Equal(t, contracts.Caps{Min: 5, Max: 10}, a.Intersect(b))
	assert.Equal(t, contracts.Caps{Min: 0, Max: 20}, a.Union(b))

	disjoint := a.Intersect(contracts.Caps{Min: 11, Max: 12})
	assert.Error(t, disjoint.Validate())
}

func TestCaps_JSONInfiniteBounds(t *testing.T) {
	data, err := json.Marshal(contracts.Caps{Min: 1, Max: math.Inf(1)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"min":1,"max":null}`, string(data))

	var back contracts.Caps
	require.NoError(t, json.Unmarshal([]byte(`{"max":3}`), &back))
	assert.True(t, math.IsInf(back.Min, -1))
	assert.Equal(t, 3.0, back.Max)
}

func TestCaps_ClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("clamp stays within [min,max]", prop.ForAll(
		func(a, b, x float64) bool {
			lo, hi := math.Min(a, b), math.Max(a, b)
			c, err := contracts.NewCaps(lo, hi)
			if err != nil {
				return false
			}
			v := c.Clamp(x)
			return v >= lo && v <= hi && c.Contains(v)
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(-1e7, 1e7),
	))

	properties.Property("construction rejects min > max", prop.ForAll(
		func(a, gap float64) bool {
			_, err := contracts.NewCaps(a+gap, a)
			return errors.Is(err, contracts.ErrValidation)
		},
		gen.Float64Range(-1e6, 1e6),
		gen.Float64Range(0.001, 1e3),
	))

	properties.TestingRun(t)
}
