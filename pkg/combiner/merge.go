package combiner

import (
	"slices"
	"sort"
	"strings"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// PreCombine folds the derived contributions of one dimension with the
// dimension's strategy. Contributions are combined within their bucket kind:
// Sum yields one summed contribution per bucket, Min and Max keep the extreme
// contribution, Override keeps the last registered one and Concat keeps all.
// Conditional contributions always pass through since their conditions cannot
// be merged.
func (r *Registry) PreCombine(dimension string, derived []contracts.Contribution) []contracts.Contribution {
	if len(derived) == 0 {
		return nil
	}
	rule := r.RuleFor(dimension)
	return Combine(rule.Strategy, derived)
}

// Combine applies strategy to contributions grouped by bucket kind, keeping
// bucket groups in processing order.
func Combine(strategy contracts.MergeStrategy, contribs []contracts.Contribution) []contracts.Contribution {
	groups := make(map[contracts.BucketKind][]contracts.Contribution)
	for _, c := range contribs {
		groups[c.Bucket] = append(groups[c.Bucket], c)
	}

	out := make([]contracts.Contribution, 0, len(groups))
	for _, kind := range contracts.ExtendedBuckets() {
		group := groups[kind]
		delete(groups, kind)
		if len(group) == 0 {
			continue
		}
		if kind == contracts.BucketConditional || strategy == contracts.MergeConcat {
			out = append(out, group...)
			continue
		}
		out = append(out, combineGroup(strategy, group))
	}
	// Unknown kinds are left for the bucket processor to reject.
	leftovers := make([]contracts.BucketKind, 0, len(groups))
	for kind := range groups {
		leftovers = append(leftovers, kind)
	}
	slices.Sort(leftovers)
	for _, kind := range leftovers {
		out = append(out, groups[kind]...)
	}
	return out
}

func combineGroup(strategy contracts.MergeStrategy, group []contracts.Contribution) contracts.Contribution {
	switch strategy {
	case contracts.MergeSum:
		return summed(group)
	case contracts.MergeMin:
		pick := group[0]
		for _, c := range group[1:] {
			if c.Value < pick.Value {
				pick = c
			}
		}
		return pick
	case contracts.MergeMax:
		pick := group[0]
		for _, c := range group[1:] {
			if c.Value > pick.Value {
				pick = c
			}
		}
		return pick
	default:
		return Last(group)
	}
}

// Last returns the contribution with the highest priority; among equal
// priorities the later one wins.
func Last(group []contracts.Contribution) contracts.Contribution {
	winner := group[0]
	for _, c := range group[1:] {
		if c.EffectivePriority() >= winner.EffectivePriority() {
			winner = c
		}
	}
	return winner
}

func summed(group []contracts.Contribution) contracts.Contribution {
	vals := make([]float64, len(group))
	systems := make([]string, 0, len(group))
	var tags []string
	var prio *int64
	for i, c := range group {
		vals[i] = c.Value
		if !slices.Contains(systems, c.System) {
			systems = append(systems, c.System)
		}
		for _, t := range c.Tags {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
		if c.Priority != nil && (prio == nil || *c.Priority > *prio) {
			prio = contracts.Int64(*c.Priority)
		}
	}
	sort.Float64s(vals)
	total := 0.0
	for _, v := range vals {
		total += v
	}
	return contracts.Contribution{
		Dimension: group[0].Dimension,
		Bucket:    group[0].Bucket,
		Value:     total,
		System:    strings.Join(systems, "+"),
		Priority:  prio,
		Tags:      tags,
	}
}

// Direct resolves a dimension without the bucket pipeline: the strategy is
// applied across all values regardless of bucket kind. Concat sums.
func Direct(strategy contracts.MergeStrategy, contribs []contracts.Contribution) (float64, bool) {
	if len(contribs) == 0 {
		return 0, false
	}
	switch strategy {
	case contracts.MergeSum, contracts.MergeConcat:
		return summed(contribs).Value, true
	case contracts.MergeMin, contracts.MergeMax:
		return combineGroup(strategy, contribs).Value, true
	default:
		return Last(contribs).Value, true
	}
}
