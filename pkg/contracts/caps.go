package contracts

import (
	"encoding/json"
	"math"
)

// Caps is an inclusive [Min, Max] bound on a dimension's resolved value.
// Infinite bounds are allowed; NaN and inverted ranges are not.
type Caps struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// NewCaps returns a validated range.
func NewCaps(min, max float64) (Caps, error) {
	c := Caps{Min: min, Max: max}
	if err := c.Validate(); err != nil {
		return Caps{}, err
	}
	return c, nil
}

// Unbounded returns (-Inf, +Inf).
func Unbounded() Caps {
	return Caps{Min: math.Inf(-1), Max: math.Inf(1)}
}

// Validate rejects NaN bounds and Min > Max.
func (c Caps) Validate() error {
	if math.IsNaN(c.Min) || math.IsNaN(c.Max) {
		return Validationf("caps", "", "bounds must not be NaN")
	}
	if c.Min > c.Max {
		return Validationf("caps", "", "min %v exceeds max %v", c.Min, c.Max)
	}
	return nil
}

func (c Caps) Contains(v float64) bool {
	return v >= c.Min && v <= c.Max
}

// Clamp returns v limited to the range.
func (c Caps) Clamp(v float64) float64 {
	if v < c.Min {
		return c.Min
	}
	if v > c.Max {
		return c.Max
	}
	return v
}

// Expand widens both bounds by delta.
func (c Caps) Expand(delta float64) (Caps, error) {
	if delta < 0 {
		return c.Shrink(-delta)
	}
	return NewCaps(c.Min-delta, c.Max+delta)
}

// Shrink narrows both bounds by delta. Shrinking past the midpoint is rejected.
func (c Caps) Shrink(delta float64) (Caps, error) {
	if delta < 0 {
		return c.Expand(-delta)
	}
	return NewCaps(c.Min+delta, c.Max-delta)
}

// Set overwrites both bounds.
func (c *Caps) Set(min, max float64) error {
	next, err := NewCaps(min, max)
	if err != nil {
		return err
	}
	*c = next
	return nil
}

func (c Caps) Width() float64 { return c.Max - c.Min }

func (c Caps) Center() float64 { return c.Min + (c.Max-c.Min)/2 }

// IsEmpty reports a degenerate single-point range.
func (c Caps) IsEmpty() bool { return c.Min == c.Max }

// Intersect returns the overlap of c and o. The result may be inverted when
// the ranges are disjoint; callers check it with Validate.
func (c Caps) Intersect(o Caps) Caps {
	return Caps{Min: math.Max(c.Min, o.Min), Max: math.Min(c.Max, o.Max)}
}

// Union returns the smallest range covering both.
func (c Caps) Union(o Caps) Caps {
	return Caps{Min: math.Min(c.Min, o.Min), Max: math.Max(c.Max, o.Max)}
}

type capsJSON struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// MarshalJSON encodes an infinite bound as null.
func (c Caps) MarshalJSON() ([]byte, error) {
	var out capsJSON
	if !math.IsInf(c.Min, 0) {
		out.Min = &c.Min
	}
	if !math.IsInf(c.Max, 0) {
		out.Max = &c.Max
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null or missing min as -Inf and max as +Inf.
func (c *Caps) UnmarshalJSON(data []byte) error {
	var in capsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Unbounded()
	if in.Min != nil {
		c.Min = *in.Min
	}
	if in.Max != nil {
		c.Max = *in.Max
	}
	return nil
}

// CapMode describes how a capacity contribution constrains a dimension.
type CapMode string

const (
	CapHardMin  CapMode = "hard_min"
	CapHardMax  CapMode = "hard_max"
	CapBaseline CapMode = "baseline"
	CapAdditive CapMode = "additive"
	CapOverride CapMode = "override"
	CapSoftMax  CapMode = "soft_max"
)

// Bound kinds recognised by capacity resolution.
const (
	CapKindMin = "min"
	CapKindMax = "max"
)

// CapContribution is one subsystem's capacity statement for a dimension.
// An empty Scope applies the contribution to every layer.
type CapContribution struct {
	System    string   `json:"system" yaml:"system"`
	Dimension string   `json:"dimension" yaml:"dimension"`
	Mode      CapMode  `json:"mode" yaml:"mode"`
	Kind      string   `json:"kind" yaml:"kind"`
	Value     float64  `json:"value" yaml:"value"`
	Priority  *int64   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Scope     string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Realm     string   `json:"realm,omitempty" yaml:"realm,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Validate checks dimension and value.
func (c CapContribution) Validate() error {
	if c.Dimension == "" {
		return Validationf("cap_contribution", c.System, "dimension must not be empty")
	}
	if math.IsNaN(c.Value) {
		return Validationf("cap_contribution", c.Dimension, "value from %q must not be NaN", c.System)
	}
	return nil
}

// AppliesTo reports whether the contribution is in effect for layer.
func (c CapContribution) AppliesTo(layer string) bool {
	return c.Scope == "" || c.Scope == layer
}
