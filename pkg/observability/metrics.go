package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ResolverMetrics are the instruments recorded by the aggregator.
type ResolverMetrics struct {
	resolutions       metric.Int64Counter
	cacheLookups      metric.Int64Counter
	coalesced         metric.Int64Counter
	subsystemFailures metric.Int64Counter
	errors            metric.Int64Counter
	duration          metric.Float64Histogram
	active            metric.Int64UpDownCounter
}

// NewResolverMetrics registers the resolver instruments on meter. A nil meter
// uses the global meter provider.
func NewResolverMetrics(meter metric.Meter) (*ResolverMetrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &ResolverMetrics{}
	var err error

	if m.resolutions, err = meter.Int64Counter("actorcore.resolutions.total",
		metric.WithDescription("Snapshots produced by subsystem invocation"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("actorcore.cache.lookups.total",
		metric.WithDescription("Snapshot cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.coalesced, err = meter.Int64Counter("actorcore.resolutions.coalesced.total",
		metric.WithDescription("Resolve calls served by an in-flight computation"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.subsystemFailures, err = meter.Int64Counter("actorcore.subsystem.failures.total",
		metric.WithDescription("Subsystem contribute failures"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("actorcore.errors.total",
		metric.WithDescription("Failed resolve calls by error kind"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("actorcore.resolution.duration",
		metric.WithDescription("Resolution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("actorcore.resolutions.active",
		metric.WithDescription("Resolutions currently computing"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResolverMetrics) CacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *ResolverMetrics) Coalesced(ctx context.Context) {
	m.coalesced.Add(ctx, 1)
}

func (m *ResolverMetrics) SubsystemFailed(ctx context.Context, systemID string) {
	m.subsystemFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("system_id", systemID)))
}

func (m *ResolverMetrics) Failed(ctx context.Context, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", kind)))
}

// Begin marks a resolution as active and returns the completion callback.
func (m *ResolverMetrics) Begin(ctx context.Context) func(subsystems int) {
	start := time.Now()
	m.active.Add(ctx, 1)
	return func(subsystems int) {
		m.active.Add(ctx, -1)
		m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.Int("subsystems", subsystems)))
		m.duration.Record(ctx, time.Since(start).Seconds())
	}
}
