package aggregator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/canonicalize"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// capsMemo shares capacity resolutions across the actors of one batch whose
// cap contributions and realm are identical.
type capsMemo struct {
	mu   sync.Mutex
	seen map[string]caps.Resolution
	hits int
}

func newCapsMemo() *capsMemo {
	return &capsMemo{seen: make(map[string]caps.Resolution)}
}

func (m *capsMemo) resolve(p *caps.Provider, actor *contracts.Actor, outputs []*contracts.SubsystemOutput) (caps.Resolution, error) {
	var all []contracts.CapContribution
	for _, o := range outputs {
		all = append(all, o.Caps...)
	}
	realm, _ := actor.Data["realm"].(string)
	key, err := canonicalize.CanonicalHash(struct {
		Realm string                      `json:"realm"`
		Caps  []contracts.CapContribution `json:"caps"`
	}{realm, all})
	if err != nil {
		// Unhashable contributions are resolved without sharing.
		return p.EffectiveCapsAcrossLayers(actor, outputs)
	}

	m.mu.Lock()
	if res, ok := m.seen[key]; ok {
		m.hits++
		m.mu.Unlock()
		p.Remember(actor, res)
		return res, nil
	}
	m.mu.Unlock()

	res, err := p.EffectiveCapsAcrossLayers(actor, outputs)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	m.seen[key] = res
	m.mu.Unlock()
	return res, nil
}

// ResolveBatch resolves actors concurrently and returns snapshots in input
// order. Actors sharing a cache key are resolved once and capacity
// resolutions are shared between structurally identical actors. The first
// error aborts the batch.
func (a *Aggregator) ResolveBatch(ctx context.Context, actors []*contracts.Actor) ([]*contracts.Snapshot, error) {
	keys := make([]string, len(actors))
	first := make(map[string]int, len(actors))
	for i, actor := range actors {
		key, err := a.CacheKey(actor)
		if err != nil {
			a.failed(ctx, err)
			return nil, fmt.Errorf("actor %d: %w", i, err)
		}
		keys[i] = key
		if _, ok := first[key]; !ok {
			first[key] = i
		}
	}

	resolved := make([]*contracts.Snapshot, len(actors))
	memo := newCapsMemo()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.batchConcurrency)
	for i, actor := range actors {
		if first[keys[i]] != i {
			continue
		}
		g.Go(func() error {
			snap, err := a.resolveOne(gctx, actor, memo)
			if err != nil {
				return fmt.Errorf("actor %s: %w", actor.ID, err)
			}
			resolved[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.failed(ctx, err)
		return nil, err
	}

	out := make([]*contracts.Snapshot, len(actors))
	for i := range actors {
		out[i] = resolved[first[keys[i]]]
	}
	a.logger.DebugContext(ctx, "batch resolved",
		"actors", len(actors),
		"unique", len(first),
		"shared_caps", memo.hits,
	)
	return out, nil
}
