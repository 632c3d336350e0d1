package contracts

// MergeStrategy combines several derived contributions for one dimension.
type MergeStrategy string

const (
	MergeOverride MergeStrategy = "override"
	MergeSum      MergeStrategy = "sum"
	MergeConcat   MergeStrategy = "concat"
	MergeMin      MergeStrategy = "min"
	MergeMax      MergeStrategy = "max"
)

func (s MergeStrategy) Valid() bool {
	switch s {
	case MergeOverride, MergeSum, MergeConcat, MergeMin, MergeMax:
		return true
	}
	return false
}

// MergeRule configures how a dimension's derived contributions combine.
// ValidationRules are CEL boolean expressions over `value` and `dimension`.
type MergeRule struct {
	Dimension       string        `json:"dimension" yaml:"dimension"`
	Strategy        MergeStrategy `json:"strategy" yaml:"strategy"`
	UsePipeline     bool          `json:"use_pipeline" yaml:"use_pipeline"`
	DefaultClamp    *Caps         `json:"default_clamp,omitempty" yaml:"default_clamp,omitempty"`
	ValidationRules []string      `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

// DefaultMergeRule is applied to dimensions without a configured rule.
func DefaultMergeRule(dimension string) MergeRule {
	return MergeRule{Dimension: dimension, Strategy: MergeOverride, UsePipeline: true}
}

// Validate checks strategy and clamp.
func (r MergeRule) Validate() error {
	if r.Dimension == "" {
		return Configurationf("merge_rule", "", "dimension must not be empty")
	}
	if !r.Strategy.Valid() {
		return Configurationf("merge_rule", r.Dimension, "unknown strategy %q", r.Strategy)
	}
	if r.DefaultClamp != nil {
		if err := r.DefaultClamp.Validate(); err != nil {
			return &Error{Kind: KindConfiguration, Op: "merge_rule", Subject: r.Dimension, Message: "invalid default clamp", Err: err}
		}
	}
	return nil
}
