// Package aggregator resolves actor snapshots: it collects contributions from
// the registered subsystems, runs each dimension through the merge rules and
// the bucket processor, clamps against the effective capacities and caches
// the result. Concurrent resolutions of the same cache key share one pass.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/bucket"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/cache"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/canonicalize"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/observability"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/registry"
)

const defaultSubsystemConcurrency = 16

// Metrics summarises aggregator activity since construction.
type Metrics struct {
	TotalResolutions  int64         `json:"total_resolutions"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	Coalesced         int64         `json:"coalesced"`
	ErrorCount        int64         `json:"error_count"`
	AvgResolutionTime time.Duration `json:"avg_resolution_time_ns"`
	MaxResolutionTime time.Duration `json:"max_resolution_time_ns"`
	ActiveSubsystems  int           `json:"active_subsystems"`
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	registry  registry.Registry
	rules     *combiner.Registry
	caps      *caps.Provider
	cache     cache.Backend
	processor *bucket.Processor

	logger      *slog.Logger
	tracer      trace.Tracer
	instruments *observability.ResolverMetrics

	ttl                  time.Duration
	subsystemTimeout     time.Duration
	subsystemConcurrency int
	batchConcurrency     int
	baseValues           map[string]float64
	strictCaps           bool
	onTransition         TransitionHook
	now                  func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	metrics   Metrics
	totalTime time.Duration
}

type Option func(*Aggregator)

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMergeRules replaces the default merge-rule registry.
func WithMergeRules(r *combiner.Registry) Option {
	return func(a *Aggregator) { a.rules = r }
}

// WithCapsProvider replaces the default capacity provider.
func WithCapsProvider(p *caps.Provider) Option {
	return func(a *Aggregator) { a.caps = p }
}

// WithProcessor replaces the core-only bucket processor.
func WithProcessor(p *bucket.Processor) Option {
	return func(a *Aggregator) { a.processor = p }
}

// WithObservability records spans and metrics through p.
func WithObservability(p *observability.Provider) Option {
	return func(a *Aggregator) {
		a.tracer = p.Tracer()
		if m, err := observability.NewResolverMetrics(p.Meter()); err == nil {
			a.instruments = m
		} else {
			a.logger.Warn("resolver metrics unavailable", "error", err)
		}
	}
}

// WithTTL sets the snapshot cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Aggregator) { a.ttl = ttl }
}

// WithSubsystemTimeout bounds every Contribute call.
func WithSubsystemTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.subsystemTimeout = d }
}

// WithSubsystemConcurrency bounds the subsystems invoked at once per pass.
func WithSubsystemConcurrency(n int) Option {
	return func(a *Aggregator) { a.subsystemConcurrency = n }
}

// WithBatchConcurrency bounds the actors resolved at once by ResolveBatch.
func WithBatchConcurrency(n int) Option {
	return func(a *Aggregator) { a.batchConcurrency = n }
}

// WithBaseValues sets the starting value of dimensions. Unlisted dimensions
// start at zero.
func WithBaseValues(base map[string]float64) Option {
	return func(a *Aggregator) {
		for dim, v := range base {
			a.baseValues[dim] = v
		}
	}
}

// WithStrictCaps fails the whole resolution on a capacity conflict instead of
// skipping the conflicting dimension.
func WithStrictCaps(strict bool) Option {
	return func(a *Aggregator) { a.strictCaps = strict }
}

func WithTransitionHook(h TransitionHook) Option {
	return func(a *Aggregator) { a.onTransition = h }
}

// New builds an aggregator over reg. A nil backend caches in process memory.
func New(reg registry.Registry, backend cache.Backend, opts ...Option) (*Aggregator, error) {
	if reg == nil {
		return nil, contracts.Configurationf("aggregator", "", "plugin registry is required")
	}
	if backend == nil {
		backend = cache.NewMemoryBackend(0)
	}
	a := &Aggregator{
		registry:             reg,
		cache:                backend,
		logger:               slog.Default().With("component", "aggregator"),
		tracer:               otel.Tracer(observability.InstrumentationName),
		ttl:                  contracts.DefaultSnapshotTTL,
		subsystemTimeout:     contracts.DefaultSubsystemTimeout,
		subsystemConcurrency: defaultSubsystemConcurrency,
		batchConcurrency:     contracts.DefaultBatchConcurrency,
		baseValues:           make(map[string]float64),
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.rules == nil {
		rules, err := combiner.NewDefaultRegistry(combiner.WithLogger(a.logger.With("component", "combiner")))
		if err != nil {
			return nil, err
		}
		a.rules = rules
	}
	if a.caps == nil {
		a.caps = caps.NewProvider(caps.NewLayerRegistry())
	}
	if a.processor == nil {
		a.processor = bucket.Default()
	}
	if a.instruments == nil {
		m, err := observability.NewResolverMetrics(nil)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindConfiguration, "aggregator", "metrics", err)
		}
		a.instruments = m
	}
	if a.subsystemConcurrency <= 0 {
		a.subsystemConcurrency = defaultSubsystemConcurrency
	}
	if a.batchConcurrency <= 0 {
		a.batchConcurrency = contracts.DefaultBatchConcurrency
	}
	return a, nil
}

func (a *Aggregator) Registry() registry.Registry { return a.registry }

func (a *Aggregator) MergeRules() *combiner.Registry { return a.rules }

func (a *Aggregator) CapsProvider() *caps.Provider { return a.caps }

func (a *Aggregator) Cache() cache.Backend { return a.cache }

// CacheKey returns actor_snapshot:<id>:<fingerprint>:g<generation>. The
// fingerprint is the actor version, or the canonical hash of the actor's
// data and subsystem list when the version is zero.
func (a *Aggregator) CacheKey(actor *contracts.Actor) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	var fp string
	if actor.Version > 0 {
		fp = fmt.Sprintf("v%d", actor.Version)
	} else {
		h, err := canonicalize.CanonicalHash(struct {
			Data       map[string]any `json:"data"`
			Subsystems []string       `json:"subsystems"`
		}{actor.Data, actor.Subsystems})
		if err != nil {
			return "", contracts.Wrap(contracts.KindValidation, "cache_key", actor.ID, err)
		}
		fp = "h" + h[:16]
	}
	return fmt.Sprintf("%s%s:%s:g%d", contracts.CacheKeyPrefix, actor.ID, fp, a.registry.Generation()), nil
}

// Resolve returns the snapshot of actor, from the cache when present.
func (a *Aggregator) Resolve(ctx context.Context, actor *contracts.Actor) (*contracts.Snapshot, error) {
	snap, err := a.resolveOne(ctx, actor, nil)
	if err != nil {
		a.failed(ctx, err)
	}
	return snap, err
}

func (a *Aggregator) resolveOne(ctx context.Context, actor *contracts.Actor, memo *capsMemo) (*contracts.Snapshot, error) {
	key, err := a.CacheKey(actor)
	if err != nil {
		return nil, err
	}
	ctx, span := a.tracer.Start(ctx, "aggregator.Resolve", trace.WithAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.Int64("actor.version", actor.Version),
	))
	defer span.End()

	snap, err := a.resolveKey(ctx, actor, key, memo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return snap, nil
}

func (a *Aggregator) resolveKey(ctx context.Context, actor *contracts.Actor, key string, memo *capsMemo) (*contracts.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Wrap(contracts.KindTimeout, "resolve", actor.ID, err)
	}

	snap, ok, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return snap, nil
	}

	led := false
	ch := a.group.DoChan(key, func() (any, error) {
		led = true
		pctx := context.WithoutCancel(ctx)
		// A pass that finished between our miss and this call has already
		// cached its snapshot.
		if snap, ok, err := a.cached(pctx, key); err != nil {
			return nil, err
		} else if ok {
			return snap, nil
		}
		// The pass outlives a caller that gives up, so coalesced callers
		// still receive its result.
		return a.compute(pctx, actor, key, memo)
	})

	select {
	case <-ctx.Done():
		return nil, contracts.Wrap(contracts.KindTimeout, "resolve", actor.ID, ctx.Err())
	case res := <-ch:
		if !led {
			a.mu.Lock()
			a.metrics.Coalesced++
			a.mu.Unlock()
			a.instruments.Coalesced(ctx)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*contracts.Snapshot), nil
	}
}

func (a *Aggregator) lookup(ctx context.Context, key string) (*contracts.Snapshot, bool, error) {
	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		return nil, false, contracts.Wrap(contracts.KindCache, "cache_get", key, err)
	}
	a.instruments.CacheLookup(ctx, ok)
	a.mu.Lock()
	if ok {
		a.metrics.CacheHits++
	} else {
		a.metrics.CacheMisses++
	}
	a.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return decodeSnapshot(key, raw)
}

// cached reads key without touching the hit and miss counters.
func (a *Aggregator) cached(ctx context.Context, key string) (*contracts.Snapshot, bool, error) {
	raw, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		return nil, false, contracts.Wrap(contracts.KindCache, "cache_get", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return decodeSnapshot(key, raw)
}

func decodeSnapshot(key string, raw json.RawMessage) (*contracts.Snapshot, bool, error) {
	var snap contracts.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false, &contracts.Error{Kind: contracts.KindCache, Op: "cache_get", Subject: key, Message: "undecodable snapshot", Err: err}
	}
	return &snap, true, nil
}

// compute runs one full resolution pass and stores the result.
func (a *Aggregator) compute(ctx context.Context, actor *contracts.Actor, key string, memo *capsMemo) (*contracts.Snapshot, error) {
	start := a.now()
	done := a.instruments.Begin(ctx)
	p := newPass(actor.ID, a.onTransition)

	if err := p.to(StateCollecting); err != nil {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve", actor.ID, err)
	}
	outputs, failures := a.collect(ctx, actor)

	if err := p.to(StateProcessing); err != nil {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve", actor.ID, err)
	}
	snap, err := a.build(ctx, actor, outputs, memo)
	if err != nil {
		p.fail()
		return nil, err
	}
	snap.Metadata.CacheKey = key
	snap.Metadata.FailedSubsystems = failures
	snap.ProcessingTime = a.now().Sub(start)

	if err := p.to(StateCaching); err != nil {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve", actor.ID, err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		p.fail()
		return nil, contracts.Wrap(contracts.KindAggregation, "encode_snapshot", actor.ID, err)
	}
	if err := a.cache.Set(ctx, key, raw, a.ttl); err != nil {
		p.fail()
		return nil, contracts.Wrap(contracts.KindCache, "cache_set", key, err)
	}
	if err := p.to(StateDone); err != nil {
		return nil, contracts.Wrap(contracts.KindAggregation, "resolve", actor.ID, err)
	}

	elapsed := a.now().Sub(start)
	done(len(outputs))
	a.mu.Lock()
	a.metrics.TotalResolutions++
	a.totalTime += elapsed
	if elapsed > a.metrics.MaxResolutionTime {
		a.metrics.MaxResolutionTime = elapsed
	}
	a.mu.Unlock()

	a.logger.DebugContext(ctx, "actor resolved",
		"actor_id", actor.ID,
		"cache_key", key,
		"subsystems", len(outputs),
		"failed_subsystems", len(failures),
		"skipped_dimensions", len(snap.Metadata.SkippedDimensions),
		"duration", elapsed,
	)
	return snap, nil
}

func (a *Aggregator) failed(ctx context.Context, err error) {
	kind := contracts.KindOf(err)
	a.mu.Lock()
	a.metrics.ErrorCount++
	a.mu.Unlock()
	a.instruments.Failed(ctx, string(kind))
	a.logger.WarnContext(ctx, "resolution failed", "kind", kind, "error", err)
}

// Invalidate removes the cached snapshot of actor.
func (a *Aggregator) Invalidate(ctx context.Context, actor *contracts.Actor) error {
	key, err := a.CacheKey(actor)
	if err != nil {
		return err
	}
	if err := a.cache.Delete(ctx, key); err != nil {
		return contracts.Wrap(contracts.KindCache, "cache_delete", key, err)
	}
	return nil
}

// ClearCache drops every cached snapshot.
func (a *Aggregator) ClearCache(ctx context.Context) error {
	if err := a.cache.Clear(ctx); err != nil {
		return contracts.Wrap(contracts.KindCache, "cache_clear", "", err)
	}
	a.logger.InfoContext(ctx, "snapshot cache cleared")
	return nil
}

func (a *Aggregator) Metrics() Metrics {
	a.mu.Lock()
	m := a.metrics
	if m.TotalResolutions > 0 {
		m.AvgResolutionTime = a.totalTime / time.Duration(m.TotalResolutions)
	}
	a.mu.Unlock()
	m.ActiveSubsystems = a.registry.Count()
	return m
}
