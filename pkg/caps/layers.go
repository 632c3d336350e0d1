// Package caps resolves the capacity range of each dimension from the
// capacity contributions of all subsystems, layer by layer.
package caps

import (
	"slices"
	"sync"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// Policy combines the per-layer ranges of one dimension.
type Policy string

const (
	PolicyIntersect           Policy = "intersect"
	PolicyUnion               Policy = "union"
	PolicyPrioritizedOverride Policy = "prioritized_override"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyIntersect, PolicyUnion, PolicyPrioritizedOverride:
		return true
	}
	return false
}

// LayerRegistry holds the ordered layer names and the across-layer policy.
type LayerRegistry struct {
	mu     sync.RWMutex
	order  []string
	policy Policy
}

// NewLayerRegistry returns the default layers with the Intersect policy.
func NewLayerRegistry() *LayerRegistry {
	return &LayerRegistry{order: contracts.DefaultLayers(), policy: PolicyIntersect}
}

func (r *LayerRegistry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// SetOrder replaces the layer order after validating it.
func (r *LayerRegistry) SetOrder(order []string) error {
	if err := validateOrder(order); err != nil {
		return err
	}
	r.mu.Lock()
	r.order = slices.Clone(order)
	r.mu.Unlock()
	return nil
}

func (r *LayerRegistry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

func (r *LayerRegistry) SetPolicy(p Policy) error {
	if !p.Valid() {
		return contracts.Configurationf("set_policy", string(p), "unknown across-layer policy")
	}
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	return nil
}

// Validate fails on an empty order, an empty or duplicate layer name, or an
// unknown policy.
func (r *LayerRegistry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := validateOrder(r.order); err != nil {
		return err
	}
	if !r.policy.Valid() {
		return contracts.Configurationf("layer_registry", string(r.policy), "unknown across-layer policy")
	}
	return nil
}

func validateOrder(order []string) error {
	if len(order) == 0 {
		return contracts.Configurationf("layer_registry", "", "layer order must not be empty")
	}
	seen := make(map[string]bool, len(order))
	for i, name := range order {
		if name == "" {
			return contracts.Configurationf("layer_registry", "", "layer %d has an empty name", i)
		}
		if seen[name] {
			return contracts.Configurationf("layer_registry", name, "layer listed more than once")
		}
		seen[name] = true
	}
	return nil
}
