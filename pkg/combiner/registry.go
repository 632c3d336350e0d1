// Package combiner holds the per-dimension merge rules that decide how derived
// contributions from several subsystems are combined before bucket processing.
package combiner

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/expr"
)

// Registry maps dimension names to merge rules. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]contracts.MergeRule
	eval   *expr.Evaluator
	logger *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEvaluator shares a CEL evaluator with other components.
func WithEvaluator(e *expr.Evaluator) Option {
	return func(r *Registry) { r.eval = e }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rules:  make(map[string]contracts.MergeRule),
		logger: slog.Default().With("component", "combiner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewDefaultRegistry returns a registry preloaded with DefaultRules.
func NewDefaultRegistry(opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	for _, rule := range DefaultRules() {
		if err := r.SetRule(rule.Dimension, rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// GetRule returns the configured rule for dimension.
func (r *Registry) GetRule(dimension string) (contracts.MergeRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[dimension]
	return rule, ok
}

// RuleFor returns the configured rule or the system default, logging the fallback.
func (r *Registry) RuleFor(dimension string) contracts.MergeRule {
	if rule, ok := r.GetRule(dimension); ok {
		return rule
	}
	r.logger.Debug("no merge rule configured, using default", "dimension", dimension, "strategy", contracts.MergeOverride)
	return contracts.DefaultMergeRule(dimension)
}

// SetRule validates and stores rule under dimension. An empty rule dimension
// is filled in; a mismatched one is rejected.
func (r *Registry) SetRule(dimension string, rule contracts.MergeRule) error {
	if dimension == "" {
		return contracts.Configurationf("set_rule", "", "dimension must not be empty")
	}
	if rule.Dimension == "" {
		rule.Dimension = dimension
	}
	if rule.Dimension != dimension {
		return contracts.Configurationf("set_rule", dimension, "rule is for dimension %q", rule.Dimension)
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(rule.ValidationRules) > 0 {
		if err := r.ensureEvaluator(); err != nil {
			return err
		}
		for _, src := range rule.ValidationRules {
			if err := r.eval.Compile(src); err != nil {
				return &contracts.Error{Kind: contracts.KindConfiguration, Op: "set_rule", Subject: dimension, Err: err}
			}
		}
	}
	if _, exists := r.rules[dimension]; exists {
		r.logger.Info("replacing merge rule", "dimension", dimension, "strategy", rule.Strategy)
	}
	r.rules[dimension] = rule
	return nil
}

func (r *Registry) ensureEvaluator() error {
	if r.eval != nil {
		return nil
	}
	eval, err := expr.NewEvaluator()
	if err != nil {
		return contracts.Wrap(contracts.KindConfiguration, "set_rule", "", err)
	}
	r.eval = eval
	return nil
}

// RemoveRule deletes the rule for dimension.
func (r *Registry) RemoveRule(dimension string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[dimension]; !ok {
		return contracts.Registryf("remove_rule", dimension, "no merge rule configured")
	}
	delete(r.rules, dimension)
	return nil
}

// Validate re-checks every stored rule.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, dim := range r.sortedDimensions() {
		if err := r.rules[dim].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dimensions returns the configured dimensions in sorted order.
func (r *Registry) Dimensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedDimensions()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func (r *Registry) sortedDimensions() []string {
	dims := make([]string, 0, len(r.rules))
	for d := range r.rules {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	return dims
}

// CheckValue evaluates the dimension's validation rules against a resolved value.
func (r *Registry) CheckValue(dimension string, value float64) error {
	rule, ok := r.GetRule(dimension)
	if !ok || len(rule.ValidationRules) == 0 {
		return nil
	}
	r.mu.RLock()
	eval := r.eval
	r.mu.RUnlock()
	for _, src := range rule.ValidationRules {
		ok, err := eval.Eval(src, map[string]any{expr.VarValue: value, expr.VarDimension: dimension})
		if err != nil {
			return &contracts.Error{Kind: contracts.KindValidation, Op: "merge_rule", Subject: dimension, Err: err}
		}
		if !ok {
			return contracts.Validationf("merge_rule", dimension, "value %v violates %s", value, src)
		}
	}
	return nil
}
