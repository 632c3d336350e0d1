// Package static provides subsystems declared in configuration rather than
// code. A definition lists fixed contributions and caps, optionally gated by
// a CEL expression over the actor's data.
package static

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/expr"
)

// Definition declares one subsystem.
type Definition struct {
	ID       string                      `json:"id" yaml:"id"`
	Priority *int64                      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Version  string                      `json:"version,omitempty" yaml:"version,omitempty"`
	When     string                      `json:"when,omitempty" yaml:"when,omitempty"`
	Primary  []contracts.Contribution    `json:"primary,omitempty" yaml:"primary,omitempty"`
	Derived  []contracts.Contribution    `json:"derived,omitempty" yaml:"derived,omitempty"`
	Caps     []contracts.CapContribution `json:"caps,omitempty" yaml:"caps,omitempty"`
	Context  map[string]any              `json:"context,omitempty" yaml:"context,omitempty"`
}

// Subsystem implements contracts.Subsystem from a Definition.
type Subsystem struct {
	def      Definition
	priority int64
	eval     *expr.Evaluator
}

var _ contracts.Subsystem = (*Subsystem)(nil)

// New validates def. eval is required only when def.When is set.
func New(def Definition, eval *expr.Evaluator) (*Subsystem, error) {
	if def.ID == "" {
		return nil, contracts.Configurationf("static_subsystem", "", "id must not be empty")
	}
	var errs []error
	for _, c := range slices.Concat(def.Primary, def.Derived) {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range def.Caps {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if def.When != "" {
		if eval == nil {
			errs = append(errs, contracts.Configurationf("static_subsystem", def.ID, "when expression needs an evaluator"))
		} else if err := eval.Compile(def.When); err != nil {
			errs = append(errs, contracts.Wrap(contracts.KindConfiguration, "static_subsystem", def.ID, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	prio := contracts.DefaultSubsystemPrio
	if def.Priority != nil {
		prio = *def.Priority
	}
	return &Subsystem{def: def, priority: prio, eval: eval}, nil
}

// FromDefinitions builds one subsystem per definition, joining every error.
// Definitions must have distinct ids.
func FromDefinitions(defs []Definition, eval *expr.Evaluator) ([]*Subsystem, error) {
	out := make([]*Subsystem, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	var errs []error
	for _, def := range defs {
		if def.ID != "" && seen[def.ID] {
			errs = append(errs, contracts.Configurationf("static_subsystem", def.ID, "defined more than once"))
			continue
		}
		seen[def.ID] = true
		s, err := New(def, eval)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (s *Subsystem) SystemID() string { return s.def.ID }

func (s *Subsystem) Priority() int64 { return s.priority }

// Contribute returns the declared output, or an empty output when the
// definition's when expression is false for actor.
func (s *Subsystem) Contribute(ctx context.Context, actor *contracts.Actor) (*contracts.SubsystemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := contracts.NewSubsystemOutput(s.def.ID)
	out.Meta.Version = s.def.Version

	if s.def.When != "" {
		var data map[string]any
		if actor != nil {
			data = actor.Data
		}
		ok, err := s.eval.Eval(s.def.When, map[string]any{expr.VarActor: data})
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
	}

	out.Primary = s.stamp(s.def.Primary)
	out.Derived = s.stamp(s.def.Derived)
	out.Caps = slices.Clone(s.def.Caps)
	for i := range out.Caps {
		if out.Caps[i].System == "" {
			out.Caps[i].System = s.def.ID
		}
	}
	out.Context = maps.Clone(s.def.Context)
	return out, nil
}

func (s *Subsystem) stamp(contribs []contracts.Contribution) []contracts.Contribution {
	out := slices.Clone(contribs)
	for i := range out {
		if out[i].System == "" {
			out[i].System = s.def.ID
		}
	}
	return out
}
