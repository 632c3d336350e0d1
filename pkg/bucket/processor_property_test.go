package bucket_test

import (
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/bucket"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func buildContribs(dim string, flats, mults, postAdds []float64) []contracts.Contribution {
	var out []contracts.Contribution
	for _, v := range flats {
		out = append(out, contracts.Contribution{Dimension: dim, Bucket: contracts.BucketFlat, Value: v, System: "flat"})
	}
	for _, v := range mults {
		out = append(out, contracts.Contribution{Dimension: dim, Bucket: contracts.BucketMult, Value: v, System: "mult"})
	}
	for _, v := range postAdds {
		out = append(out, contracts.Contribution{Dimension: dim, Bucket: contracts.BucketPostAdd, Value: v, System: "post"})
	}
	return out
}

func TestProcessor_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	p := bucket.Default()

	values := gen.SliceOf(gen.Float64Range(-1000, 1000))
	multipliers := gen.SliceOf(gen.Float64Range(-0.9, 2))

	// Invariant: process is a pure function of its inputs.
	properties.Property("determinism", prop.ForAll(
		func(flats, mults, posts []float64, base float64) bool {
			contribs := buildContribs("d", flats, mults, posts)
			a, errA := p.Process(contribs, base, nil)
			b, errB := p.Process(contribs, base, nil)
			return errA == nil && errB == nil && a == b
		},
		values, multipliers, values, gen.Float64Range(-100, 100),
	))

	// Invariant: Flat order does not matter, and grouping precedes ordering.
	properties.Property("flat reordering is invisible", prop.ForAll(
		func(flats, mults, posts []float64, base float64) bool {
			original := buildContribs("d", flats, mults, posts)
			reversed := slices.Clone(flats)
			slices.Reverse(reversed)
			shuffled := append(buildContribs("d", nil, mults, posts), buildContribs("d", reversed, nil, nil)...)

			a, errA := p.Process(original, base, nil)
			b, errB := p.Process(shuffled, base, nil)
			return errA == nil && errB == nil && a == b
		},
		values, multipliers, values, gen.Float64Range(-100, 100),
	))

	// Invariant: the last registered override decides the value.
	properties.Property("override precedence", prop.ForAll(
		func(flats, mults, overrides []float64) bool {
			if len(overrides) == 0 {
				return true
			}
			contribs := buildContribs("d", nil, mults, nil)
			for i := 0; i < max(len(flats), len(overrides)); i++ {
				if i < len(flats) {
					contribs = append(contribs, buildContribs("d", flats[i:i+1], nil, nil)...)
				}
				if i < len(overrides) {
					contribs = append(contribs, contracts.Contribution{Dimension: "d", Bucket: contracts.BucketOverride, Value: overrides[i], System: "o"})
				}
			}
			got, err := p.Process(contribs, 0, nil)
			return err == nil && got == overrides[len(overrides)-1]
		},
		values, multipliers, values,
	))

	// Invariant: a valid clamp bounds the final value.
	properties.Property("clamp bounds result", prop.ForAll(
		func(flats []float64, lo, width float64) bool {
			clamp := &contracts.Caps{Min: lo, Max: lo + width}
			got, err := p.Process(buildContribs("d", flats, nil, nil), 0, clamp)
			return err == nil && clamp.Contains(got)
		},
		values, gen.Float64Range(-500, 500), gen.Float64Range(0, 500),
	))

	properties.TestingRun(t)
}
