// Package contracts defines the value types shared by every stage of actor
// stat resolution: contributions, capacities, subsystem outputs, snapshots and
// the classified errors they produce.
package contracts

import (
	"math"
	"slices"
)

// BucketKind is the arithmetic role of a contribution within a dimension.
type BucketKind string

const (
	BucketFlat     BucketKind = "flat"
	BucketMult     BucketKind = "mult"
	BucketPostAdd  BucketKind = "post_add"
	BucketOverride BucketKind = "override"

	// Extension kinds. Processors reject them unless extension buckets are enabled.
	BucketExponential BucketKind = "exponential"
	BucketLogarithmic BucketKind = "logarithmic"
	BucketConditional BucketKind = "conditional"
)

// CoreBuckets lists the core kinds in processing order.
func CoreBuckets() []BucketKind {
	return []BucketKind{BucketFlat, BucketMult, BucketPostAdd, BucketOverride}
}

// ExtendedBuckets lists core and extension kinds in processing order.
func ExtendedBuckets() []BucketKind {
	return []BucketKind{
		BucketFlat,
		BucketMult,
		BucketExponential,
		BucketLogarithmic,
		BucketPostAdd,
		BucketConditional,
		BucketOverride,
	}
}

// IsCore reports whether k is one of the four core kinds.
func (k BucketKind) IsCore() bool {
	return slices.Contains(CoreBuckets(), k)
}

// IsKnown reports whether k is a core or extension kind.
func (k BucketKind) IsKnown() bool {
	return slices.Contains(ExtendedBuckets(), k)
}

// Contribution is one subsystem's proposed input to a dimension.
type Contribution struct {
	Dimension string     `json:"dimension" yaml:"dimension"`
	Bucket    BucketKind `json:"bucket" yaml:"bucket"`
	Value     float64    `json:"value" yaml:"value"`
	System    string     `json:"system" yaml:"system"`
	Priority  *int64     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tags      []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	// Condition is a CEL expression gating a Conditional contribution.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// EffectivePriority returns the explicit priority or zero.
func (c Contribution) EffectivePriority() int64 {
	if c.Priority == nil {
		return 0
	}
	return *c.Priority
}

// Validate checks the structural invariants of a single contribution.
func (c Contribution) Validate() error {
	if c.Dimension == "" {
		return Validationf("contribution", c.System, "dimension must not be empty")
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return Validationf("contribution", c.Dimension, "value from %q must be finite, got %v", c.System, c.Value)
	}
	if !c.Bucket.IsKnown() {
		return Validationf("contribution", c.Dimension, "unknown bucket kind %q", c.Bucket)
	}
	return nil
}

// Int64 returns a pointer to v, for optional priority fields.
func Int64(v int64) *int64 { return &v }
