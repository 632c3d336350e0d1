package aggregator

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// pools holds the contributions of every dimension in registration order:
// ascending subsystem priority, then registration, then contribution order.
// The highest-priority subsystem therefore registers last.
type pools struct {
	primary map[string][]contracts.Contribution
	derived map[string][]contracts.Contribution
	// Registration position of the subsystem behind each contribution.
	primaryAt map[string][]int
	derivedAt map[string][]int
}

func newPools(outputs []collected) pools {
	p := pools{
		primary:   make(map[string][]contracts.Contribution),
		derived:   make(map[string][]contracts.Contribution),
		primaryAt: make(map[string][]int),
		derivedAt: make(map[string][]int),
	}
	for i := len(outputs) - 1; i >= 0; i-- {
		pos := len(outputs) - 1 - i
		out := outputs[i].output
		for _, c := range out.Primary {
			p.primary[c.Dimension] = append(p.primary[c.Dimension], c)
			p.primaryAt[c.Dimension] = append(p.primaryAt[c.Dimension], pos)
		}
		for _, c := range out.Derived {
			p.derived[c.Dimension] = append(p.derived[c.Dimension], c)
			p.derivedAt[c.Dimension] = append(p.derivedAt[c.Dimension], pos)
		}
	}
	return p
}

type placed struct {
	c   contracts.Contribution
	pos int
}

// pool interleaves the primary contributions of dim with its pre-combined
// derived ones by registration position. A combined contribution takes the
// position of the last subsystem that fed it; at equal positions primary
// contributions come first.
func (p pools) pool(dim string, combined []contracts.Contribution) []contracts.Contribution {
	primary := p.primary[dim]
	entries := make([]placed, 0, len(primary)+len(combined))
	for i, c := range primary {
		entries = append(entries, placed{c, p.primaryAt[dim][i]})
	}

	fed := make(map[contracts.BucketKind][]int)
	for i, c := range p.derived[dim] {
		fed[c.Bucket] = append(fed[c.Bucket], p.derivedAt[dim][i])
	}
	out := make(map[contracts.BucketKind]int)
	for _, c := range combined {
		out[c.Bucket]++
	}
	cursor := make(map[contracts.BucketKind]int)
	for _, c := range combined {
		positions := fed[c.Bucket]
		pos := 0
		switch {
		case len(positions) == 0:
		case out[c.Bucket] == len(positions):
			// Passed through one by one, in input order.
			pos = positions[cursor[c.Bucket]]
			cursor[c.Bucket]++
		default:
			pos = slices.Max(positions)
		}
		entries = append(entries, placed{c, pos})
	}

	slices.SortStableFunc(entries, func(a, b placed) int { return cmp.Compare(a.pos, b.pos) })
	ordered := make([]contracts.Contribution, len(entries))
	for i, e := range entries {
		ordered[i] = e.c
	}
	return ordered
}

func (p pools) dimensions() []string {
	dims := slices.Collect(maps.Keys(p.primary))
	for d := range p.derived {
		if _, ok := p.primary[d]; !ok {
			dims = append(dims, d)
		}
	}
	slices.Sort(dims)
	return dims
}

// build turns the collected outputs into a snapshot. Bucket validation errors
// and failed value checks fail the whole pass.
func (a *Aggregator) build(ctx context.Context, actor *contracts.Actor, outputs []collected, memo *capsMemo) (*contracts.Snapshot, error) {
	snap := &contracts.Snapshot{
		ActorID:             actor.ID,
		ActorVersion:        actor.Version,
		Primary:             make(map[string]float64),
		Derived:             make(map[string]float64),
		CapsUsed:            make(map[string]contracts.Caps),
		SubsystemsProcessed: make([]string, 0, len(outputs)),
		CreatedAt:           a.now().UTC(),
		Metadata:            contracts.SnapshotMetadata{ResolutionID: uuid.NewString()},
	}
	raw := make([]*contracts.SubsystemOutput, len(outputs))
	for i, o := range outputs {
		raw[i] = o.output
		snap.SubsystemsProcessed = append(snap.SubsystemsProcessed, o.systemID)
		if len(o.output.Context) > 0 {
			if snap.Metadata.Contexts == nil {
				snap.Metadata.Contexts = make(map[string]map[string]any)
			}
			snap.Metadata.Contexts[o.systemID] = maps.Clone(o.output.Context)
		}
	}

	res, err := a.resolveCaps(actor, raw, memo)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve_caps", actor.ID, err)
	}
	if len(res.Conflicts) > 0 && a.strictCaps {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve_caps", actor.ID, res.Err())
	}
	conflicted := make(map[string]bool, len(res.Conflicts))
	for _, c := range res.Conflicts {
		conflicted[c.Dimension] = true
	}

	p := newPools(outputs)
	var errs []error
	for _, dim := range p.dimensions() {
		if conflicted[dim] {
			continue
		}
		v, err := a.resolveDimension(actor, dim, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c, ok := res.Caps[dim]; ok {
			v = c.Clamp(v)
			snap.CapsUsed[dim] = c
		}
		if err := a.rules.CheckValue(dim, v); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := p.primary[dim]; ok {
			snap.Primary[dim] = v
		} else {
			snap.Derived[dim] = v
		}
	}
	if len(errs) > 0 {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve", actor.ID, errors.Join(errs...))
	}

	for _, c := range res.Conflicts {
		if _, ok := p.primary[c.Dimension]; ok || len(p.derived[c.Dimension]) > 0 {
			snap.Metadata.SkippedDimensions = append(snap.Metadata.SkippedDimensions, c)
			a.logger.WarnContext(ctx, "dimension skipped", "actor_id", actor.ID, "dimension", c.Dimension, "reason", c.Reason)
		}
	}
	return snap, nil
}

// resolveDimension computes the unclamped value of one dimension. Derived
// contributions are pre-combined by the dimension's merge rule first. A rule
// with UsePipeline unset bypasses the bucket processor.
func (a *Aggregator) resolveDimension(actor *contracts.Actor, dim string, p pools) (float64, error) {
	rule, hasRule := a.rules.GetRule(dim)
	pool := p.pool(dim, a.rules.PreCombine(dim, p.derived[dim]))

	if hasRule && !rule.UsePipeline {
		var errs []error
		for _, c := range pool {
			if err := c.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return 0, errors.Join(errs...)
		}
		v, _ := combiner.Direct(rule.Strategy, pool)
		if rule.DefaultClamp != nil {
			v = rule.DefaultClamp.Clamp(v)
		}
		return v, nil
	}

	var clamp *contracts.Caps
	if hasRule {
		clamp = rule.DefaultClamp
	}
	return a.processor.ProcessActor(actor.Data, pool, a.baseValues[dim], clamp)
}

func (a *Aggregator) resolveCaps(actor *contracts.Actor, outputs []*contracts.SubsystemOutput, memo *capsMemo) (caps.Resolution, error) {
	if memo == nil {
		return a.caps.EffectiveCapsAcrossLayers(actor, outputs)
	}
	return memo.resolve(a.caps, actor, outputs)
}
