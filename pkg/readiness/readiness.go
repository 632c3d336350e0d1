// Package readiness verifies that the aggregation core can serve resolutions:
// every registry validates and the snapshot cache round-trips a probe value.
package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/cache"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/canonicalize"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/registry"
)

const (
	ProbeKey = "actor_core:readiness_probe"
	ProbeTTL = 30 * time.Second
)

var probeValue = json.RawMessage(`{"ok":true}`)

// Deps are the components checked for readiness. Nil components fail.
type Deps struct {
	Registry registry.Registry
	Rules    *combiner.Registry
	Caps     *caps.Provider
	Cache    cache.Backend
}

// Result is the outcome of one named check.
type Result struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Kind string `json:"kind,omitempty"`
	Err  string `json:"error,omitempty"`

	err error
}

// Error returns the underlying error, or nil for a passing check.
func (r Result) Error() error { return r.err }

// Run executes every check in order and reports each outcome.
func Run(ctx context.Context, d Deps) []Result {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"plugin_registry", func(context.Context) error {
			if d.Registry == nil {
				return contracts.Configurationf("readiness", "plugin_registry", "not configured")
			}
			return d.Registry.ValidateAll()
		}},
		{"merge_rules", func(context.Context) error {
			if d.Rules == nil {
				return contracts.Configurationf("readiness", "merge_rules", "not configured")
			}
			return d.Rules.Validate()
		}},
		{"caps_provider", func(context.Context) error {
			if d.Caps == nil {
				return contracts.Configurationf("readiness", "caps_provider", "not configured")
			}
			return d.Caps.Validate()
		}},
		{"cache", func(ctx context.Context) error { return probe(ctx, d.Cache) }},
	}

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		r := Result{Name: c.name, OK: true}
		if err := c.fn(ctx); err != nil {
			r = Result{Name: c.name, Kind: string(contracts.KindOf(err)), Err: err.Error(), err: err}
		}
		results = append(results, r)
	}
	return results
}

// Check fails with the errors of every failing check, each keeping its kind.
func Check(ctx context.Context, d Deps) error {
	var errs []error
	for _, r := range Run(ctx, d) {
		if !r.OK {
			errs = append(errs, r.err)
		}
	}
	return errors.Join(errs...)
}

// probe sets, reads back, compares and deletes the probe key.
func probe(ctx context.Context, b cache.Backend) error {
	if b == nil {
		return contracts.Configurationf("readiness", "cache", "not configured")
	}
	if err := b.Set(ctx, ProbeKey, probeValue, ProbeTTL); err != nil {
		return contracts.Wrap(contracts.KindCache, "probe_set", ProbeKey, err)
	}
	got, ok, err := b.Get(ctx, ProbeKey)
	if err != nil {
		return contracts.Wrap(contracts.KindCache, "probe_get", ProbeKey, err)
	}
	if !ok {
		return &contracts.Error{Kind: contracts.KindCache, Op: "probe_get", Subject: ProbeKey, Message: "probe value missing after set"}
	}
	same, err := canonicalize.Equal(probeValue, got)
	if err != nil {
		return contracts.Wrap(contracts.KindCache, "probe_compare", ProbeKey, err)
	}
	if !same {
		return &contracts.Error{Kind: contracts.KindCache, Op: "probe_compare", Subject: ProbeKey, Message: "probe value mismatch"}
	}
	if err := b.Delete(ctx, ProbeKey); err != nil {
		return contracts.Wrap(contracts.KindCache, "probe_delete", ProbeKey, err)
	}
	return nil
}
