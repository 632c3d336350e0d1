package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/registry"
)

// collected is the output of one subsystem that contributed successfully.
type collected struct {
	systemID string
	output   *contracts.SubsystemOutput
}

type invocation struct {
	output *contracts.SubsystemOutput
	err    error
}

// participants returns the subsystems taking part for actor in descending
// priority. An actor listing subsystems restricts the pass to them; listed
// ids that are not registered are reported as failures.
func (a *Aggregator) participants(actor *contracts.Actor) ([]contracts.Subsystem, []contracts.SubsystemFailure) {
	all := a.registry.ByPriority()
	if len(actor.Subsystems) == 0 {
		return all, nil
	}
	subs := make([]contracts.Subsystem, 0, len(actor.Subsystems))
	for _, sub := range all {
		if slices.Contains(actor.Subsystems, sub.SystemID()) {
			subs = append(subs, sub)
		}
	}
	var missing []contracts.SubsystemFailure
	for _, id := range actor.Subsystems {
		if !a.registry.IsRegistered(id) {
			missing = append(missing, contracts.SubsystemFailure{SystemID: id, Error: registry.ErrSubsystemNotFound.Error()})
		}
	}
	return subs, missing
}

// collect invokes every participating subsystem concurrently. Outputs are
// returned in descending priority regardless of completion order.
func (a *Aggregator) collect(ctx context.Context, actor *contracts.Actor) ([]collected, []contracts.SubsystemFailure) {
	subs, failures := a.participants(actor)
	results := make([]invocation, len(subs))

	var g errgroup.Group
	g.SetLimit(a.subsystemConcurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = a.invoke(ctx, sub, actor)
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]collected, 0, len(subs))
	for i, sub := range subs {
		id := sub.SystemID()
		if err := results[i].err; err != nil {
			failures = append(failures, contracts.SubsystemFailure{SystemID: id, Error: err.Error()})
			a.instruments.SubsystemFailed(ctx, id)
			a.logger.WarnContext(ctx, "subsystem failed", "actor_id", actor.ID, "system_id", id, "error", err)
			continue
		}
		outputs = append(outputs, collected{systemID: id, output: results[i].output})
	}
	return outputs, failures
}

// invoke calls Contribute under the subsystem timeout. Panics and timeouts
// become subsystem errors.
func (a *Aggregator) invoke(ctx context.Context, sub contracts.Subsystem, actor *contracts.Actor) invocation {
	id := sub.SystemID()
	ctx, cancel := context.WithTimeout(ctx, a.subsystemTimeout)
	defer cancel()

	ch := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invocation{err: &contracts.Error{Kind: contracts.KindSubsystem, Op: "contribute", Subject: id, Message: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		out, err := sub.Contribute(ctx, actor)
		ch <- invocation{output: out, err: err}
	}()

	var res invocation
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = invocation{err: ctx.Err()}
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return invocation{err: &contracts.Error{Kind: contracts.KindSubsystem, Op: "contribute", Subject: id, Message: "timed out", Err: res.err}}
		}
		return invocation{err: contracts.Wrap(contracts.KindSubsystem, "contribute", id, res.err)}
	}
	return invocation{output: normalize(id, res.output)}
}

// normalize stamps the producing subsystem on an output and its
// contributions. A nil output is an empty one.
func normalize(id string, out *contracts.SubsystemOutput) *contracts.SubsystemOutput {
	if out == nil {
		return contracts.NewSubsystemOutput(id)
	}
	n := *out
	if n.Meta.SystemID == "" {
		n.Meta.SystemID = id
	}
	n.Primary = stamp(id, out.Primary)
	n.Derived = stamp(id, out.Derived)
	n.Caps = slices.Clone(out.Caps)
	for i := range n.Caps {
		if n.Caps[i].System == "" {
			n.Caps[i].System = id
		}
	}
	return &n
}

func stamp(id string, contribs []contracts.Contribution) []contracts.Contribution {
	out := slices.Clone(contribs)
	for i := range out {
		if out[i].System == "" {
			out[i].System = id
		}
	}
	return out
}
