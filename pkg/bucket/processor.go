// Package bucket turns the contributions for one dimension into a single value.
//
// Contributions are grouped by bucket kind and the groups are applied to a
// running value in a fixed order:
//
//	Flat     v += Σ values
//	Mult     v *= Π (1 + value)
//	PostAdd  v += Σ values
//	Override v  = value of the last registered override
//
// Override ordering is (priority ascending, input position), so the highest
// priority wins and equal priorities resolve to the later contribution.
// Extension kinds (Exponential, Logarithmic, Conditional) are only accepted
// when the processor is built with WithExtensions or an explicit WithOrder.
package bucket

import (
	"errors"
	"math"
	"slices"
	"sort"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// ConditionEvaluator decides whether a Conditional contribution applies.
type ConditionEvaluator interface {
	Eval(src string, vars map[string]any) (bool, error)
}

// Processor is stateless after construction and safe for concurrent use.
type Processor struct {
	order      []contracts.BucketKind
	conditions ConditionEvaluator
}

type Option func(*Processor)

// WithExtensions enables the extension kinds in their default positions.
// eval may be nil when no contribution carries a condition.
func WithExtensions(eval ConditionEvaluator) Option {
	return func(p *Processor) {
		p.order = contracts.ExtendedBuckets()
		p.conditions = eval
	}
}

// WithOrder replaces the processing order.
func WithOrder(order ...contracts.BucketKind) Option {
	return func(p *Processor) {
		p.order = slices.Clone(order)
	}
}

// WithConditions sets the evaluator for Conditional contributions.
func WithConditions(eval ConditionEvaluator) Option {
	return func(p *Processor) { p.conditions = eval }
}

// New builds a processor. The order must contain every core kind exactly once
// and end with Override.
func New(opts ...Option) (*Processor, error) {
	p := &Processor{order: contracts.CoreBuckets()}
	for _, opt := range opts {
		opt(p)
	}
	if err := validateOrder(p.order); err != nil {
		return nil, err
	}
	return p, nil
}

// Default returns the core-only processor.
func Default() *Processor {
	return &Processor{order: contracts.CoreBuckets()}
}

func validateOrder(order []contracts.BucketKind) error {
	seen := make(map[contracts.BucketKind]bool, len(order))
	for _, k := range order {
		if !k.IsKnown() {
			return contracts.Configurationf("bucket_order", string(k), "unknown bucket kind")
		}
		if seen[k] {
			return contracts.Configurationf("bucket_order", string(k), "listed more than once")
		}
		seen[k] = true
	}
	for _, k := range contracts.CoreBuckets() {
		if !seen[k] {
			return contracts.Configurationf("bucket_order", string(k), "core bucket missing from order")
		}
	}
	if order[len(order)-1] != contracts.BucketOverride {
		return contracts.Configurationf("bucket_order", string(order[len(order)-1]), "override must be the last bucket")
	}
	return nil
}

// Order returns a copy of the processing order.
func (p *Processor) Order() []contracts.BucketKind {
	return slices.Clone(p.order)
}

// Accepts reports whether contributions of kind k can be processed.
func (p *Processor) Accepts(k contracts.BucketKind) bool {
	return slices.Contains(p.order, k)
}

// Process resolves one dimension without actor context.
func (p *Processor) Process(contribs []contracts.Contribution, base float64, clamp *contracts.Caps) (float64, error) {
	return p.ProcessActor(nil, contribs, base, clamp)
}

// ProcessActor resolves one dimension. actor is exposed to Conditional
// expressions. Every contribution is validated before any is applied.
func (p *Processor) ProcessActor(actor map[string]any, contribs []contracts.Contribution, base float64, clamp *contracts.Caps) (float64, error) {
	dim, err := p.validate(contribs, base, clamp)
	if err != nil {
		return 0, err
	}

	groups := make(map[contracts.BucketKind][]contracts.Contribution, len(p.order))
	for _, c := range contribs {
		groups[c.Bucket] = append(groups[c.Bucket], c)
	}

	v := base
	for _, kind := range p.order {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		if v, err = p.apply(kind, v, group, dim, actor); err != nil {
			return 0, err
		}
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, contracts.Validationf("process", dim, "result is not finite")
	}
	if clamp != nil {
		v = clamp.Clamp(v)
	}
	return v, nil
}

func (p *Processor) validate(contribs []contracts.Contribution, base float64, clamp *contracts.Caps) (string, error) {
	var errs []error
	dim := ""
	if math.IsNaN(base) || math.IsInf(base, 0) {
		errs = append(errs, contracts.Validationf("process", "", "base value must be finite"))
	}
	for _, c := range contribs {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if !p.Accepts(c.Bucket) {
			errs = append(errs, contracts.Validationf("process", c.Dimension, "bucket kind %q is not enabled", c.Bucket))
		}
		if dim == "" {
			dim = c.Dimension
		} else if c.Dimension != dim {
			errs = append(errs, contracts.Validationf("process", c.Dimension, "mixed with dimension %q", dim))
		}
	}
	if clamp != nil {
		if err := clamp.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return dim, errors.Join(errs...)
}

func (p *Processor) apply(kind contracts.BucketKind, v float64, group []contracts.Contribution, dim string, actor map[string]any) (float64, error) {
	switch kind {
	case contracts.BucketFlat, contracts.BucketPostAdd:
		return v + sum(group), nil
	case contracts.BucketMult:
		return v * product(group), nil
	case contracts.BucketExponential:
		for _, c := range group {
			v = math.Pow(v, c.Value)
		}
		return v, nil
	case contracts.BucketLogarithmic:
		for _, c := range group {
			v *= math.Log1p(c.Value)
		}
		return v, nil
	case contracts.BucketConditional:
		for _, c := range group {
			ok, err := p.conditionHolds(c, dim, actor)
			if err != nil {
				return 0, err
			}
			if ok {
				v += c.Value
			}
		}
		return v, nil
	case contracts.BucketOverride:
		return lastOverride(group).Value, nil
	}
	return 0, contracts.Validationf("process", dim, "unknown bucket kind %q", kind)
}

func (p *Processor) conditionHolds(c contracts.Contribution, dim string, actor map[string]any) (bool, error) {
	if c.Condition == "" {
		return true, nil
	}
	if p.conditions == nil {
		return false, contracts.Configurationf("process", dim, "conditional contribution from %q needs a condition evaluator", c.System)
	}
	ok, err := p.conditions.Eval(c.Condition, map[string]any{
		"value":     c.Value,
		"dimension": dim,
		"actor":     actor,
	})
	if err != nil {
		return false, &contracts.Error{Kind: contracts.KindValidation, Op: "condition", Subject: dim, Err: err}
	}
	return ok, nil
}

// lastOverride picks the override with the highest priority; among equals the
// later one wins.
func lastOverride(group []contracts.Contribution) contracts.Contribution {
	winner := group[0]
	for _, c := range group[1:] {
		if c.EffectivePriority() >= winner.EffectivePriority() {
			winner = c
		}
	}
	return winner
}

// sum and product fold over sorted copies so the result does not depend on
// input order at the bit level.
func sum(group []contracts.Contribution) float64 {
	vals := make([]float64, len(group))
	for i, c := range group {
		vals[i] = c.Value
	}
	sort.Float64s(vals)
	total := 0.0
	for _, x := range vals {
		total += x
	}
	return total
}

func product(group []contracts.Contribution) float64 {
	factors := make([]float64, len(group))
	for i, c := range group {
		factors[i] = 1 + c.Value
	}
	sort.Float64s(factors)
	total := 1.0
	for _, f := range factors {
		total *= f
	}
	return total
}
