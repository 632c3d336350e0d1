package caps_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

type layerRange struct {
	Min, Width float64
}

func genLayerRange() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1000),
	).Map(func(vals []interface{}) layerRange {
		return layerRange{Min: vals[0].(float64), Width: vals[1].(float64)}
	})
}

func rangesToOutputs(layers []string, ranges []layerRange) []*contracts.SubsystemOutput {
	out := contracts.NewSubsystemOutput("prop")
	for i, r := range ranges {
		scope := layers[i%len(layers)]
		out.AddCap(contracts.CapContribution{System: "prop", Dimension: "d", Kind: contracts.CapKindMin, Value: r.Min, Scope: scope})
		out.AddCap(contracts.CapContribution{System: "prop", Dimension: "d", Kind: contracts.CapKindMax, Value: r.Min + r.Width, Scope: scope})
	}
	return []*contracts.SubsystemOutput{out}
}

func TestAcrossLayers_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	actor := &contracts.Actor{ID: "prop"}

	// Invariant: the intersection lies inside every layer's range.
	properties.Property("intersect is contained in each layer", prop.ForAll(
		func(ranges []layerRange) bool {
			if len(ranges) == 0 {
				return true
			}
			p := caps.NewProvider(nil)
			outs := rangesToOutputs(p.Layers().Order(), ranges)
			res, err := p.EffectiveCapsAcrossLayers(actor, outs)
			if err != nil {
				return false
			}
			got, ok := res.Caps["d"]
			if !ok {
				return len(res.Conflicts) == 1
			}
			for _, layer := range p.Layers().Order() {
				within, err := p.EffectiveCapsWithinLayer(actor, outs, layer)
				if err != nil {
					return false
				}
				lc, ok := within["d"]
				if ok && (got.Min < lc.Min || got.Max > lc.Max) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, genLayerRange()),
	))

	// Invariant: the union covers every layer's range.
	properties.Property("union contains each layer", prop.ForAll(
		func(ranges []layerRange) bool {
			if len(ranges) == 0 {
				return true
			}
			layers := caps.NewLayerRegistry()
			if err := layers.SetPolicy(caps.PolicyUnion); err != nil {
				return false
			}
			p := caps.NewProvider(layers)
			outs := rangesToOutputs(layers.Order(), ranges)
			res, err := p.EffectiveCapsAcrossLayers(actor, outs)
			if err != nil {
				return false
			}
			got := res.Caps["d"]
			for _, layer := range layers.Order() {
				within, err := p.EffectiveCapsWithinLayer(actor, outs, layer)
				if err != nil {
					return false
				}
				lc, ok := within["d"]
				if ok && (got.Min > lc.Min || got.Max < lc.Max) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, genLayerRange()),
	))

	properties.TestingRun(t)
}
