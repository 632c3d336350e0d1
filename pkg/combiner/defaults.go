package combiner

import (
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

func clamp(min, max float64) *contracts.Caps {
	return &contracts.Caps{Min: min, Max: max}
}

// DefaultRules returns the stock rules for the standard stat dimensions.
func DefaultRules() []contracts.MergeRule {
	rules := make([]contracts.MergeRule, 0, len(contracts.PrimaryDimensions)+len(contracts.DerivedDimensions))
	for _, dim := range contracts.PrimaryDimensions {
		rules = append(rules, contracts.MergeRule{
			Dimension:    dim,
			Strategy:     contracts.MergeSum,
			UsePipeline:  true,
			DefaultClamp: clamp(0, 10000),
		})
	}
	derived := []struct {
		dim      string
		strategy contracts.MergeStrategy
		caps     *contracts.Caps
	}{
		{"health", contracts.MergeSum, clamp(0, 1_000_000)},
		{"mana", contracts.MergeSum, clamp(0, 1_000_000)},
		{"stamina", contracts.MergeSum, clamp(0, 1_000_000)},
		{"attack_power", contracts.MergeSum, clamp(0, 100_000)},
		{"defense", contracts.MergeSum, clamp(0, 100_000)},
		{"critical_chance", contracts.MergeMax, clamp(0, 100)},
		{"critical_damage", contracts.MergeMax, clamp(0, 1000)},
		{"attack_speed", contracts.MergeMax, clamp(0.1, 10)},
		{"move_speed", contracts.MergeMax, clamp(0, 100)},
		{"level", contracts.MergeOverride, clamp(1, 1000)},
	}
	for _, d := range derived {
		rules = append(rules, contracts.MergeRule{
			Dimension:    d.dim,
			Strategy:     d.strategy,
			UsePipeline:  true,
			DefaultClamp: d.caps,
		})
	}
	return rules
}
