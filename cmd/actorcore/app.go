package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/aggregator"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/bucket"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/cache"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/caps"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/combiner"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/config"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/expr"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/observability"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/registry"
	"github.com/letuhao/chaos-backend-service-sub003/pkg/subsystems/static"
)

// app is a fully wired aggregation core.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	doc     *config.Document
	agg     *aggregator.Aggregator
	obs     *observability.Provider
	layers  []string
	closers []func() error
}

// core holds the rule-driven components shared by every command.
type core struct {
	eval     *expr.Evaluator
	rules    *combiner.Registry
	provider *caps.Provider
	registry *registry.InMemoryRegistry
}

// buildCore loads doc (when non-nil) into fresh registries.
func buildCore(doc *config.Document, logger *slog.Logger) (*core, error) {
	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("init evaluator: %w", err)
	}
	rules, err := combiner.NewDefaultRegistry(
		combiner.WithLogger(logger.With("component", "combiner")),
		combiner.WithEvaluator(eval),
	)
	if err != nil {
		return nil, fmt.Errorf("init merge rules: %w", err)
	}
	provider := caps.NewProvider(caps.NewLayerRegistry(), caps.WithLogger(logger.With("component", "caps")))
	reg := registry.NewInMemoryRegistry().WithLogger(logger.With("component", "registry"))

	c := &core{eval: eval, rules: rules, provider: provider, registry: reg}
	if doc == nil {
		return c, nil
	}
	if err := doc.Apply(rules, provider); err != nil {
		return nil, err
	}
	subs, err := static.FromDefinitions(doc.Subsystems, eval)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, s := range subs {
		if err := reg.Register(s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// newApp wires the aggregator from cfg. Logs go to logw.
func newApp(ctx context.Context, cfg *config.Config, logw io.Writer) (_ *app, err error) {
	logger := cfg.Logger(logw)
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.RulesFile != "" {
		a.doc, err = config.LoadDocument(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
	}
	c, err := buildCore(a.doc, logger)
	if err != nil {
		return nil, err
	}

	proc := bucket.Default()
	if cfg.Extensions {
		proc, err = bucket.New(bucket.WithExtensions(c.eval))
		if err != nil {
			return nil, err
		}
	}

	backend, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}

	a.obs, err = observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.obs.Shutdown(context.WithoutCancel(ctx)) })

	opts := []aggregator.Option{
		aggregator.WithLogger(logger),
		aggregator.WithMergeRules(c.rules),
		aggregator.WithCapsProvider(c.provider),
		aggregator.WithProcessor(proc),
		aggregator.WithObservability(a.obs),
		aggregator.WithTTL(cfg.SnapshotTTL),
		aggregator.WithSubsystemTimeout(cfg.SubsystemTimeout),
		aggregator.WithBatchConcurrency(cfg.BatchConcurrency),
		aggregator.WithStrictCaps(cfg.StrictCaps),
	}
	if a.doc != nil && len(a.doc.BaseValues) > 0 {
		opts = append(opts, aggregator.WithBaseValues(a.doc.BaseValues))
	}
	a.agg, err = aggregator.New(c.registry, backend, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildCache chains memory, then Redis and SQL when configured.
func (a *app) buildCache(ctx context.Context) (cache.Backend, error) {
	cfg := a.cfg
	layers := []cache.Layer{{
		Name:       "memory",
		Backend:    cache.NewMemoryBackend(cfg.MemoryMaxEntries),
		PromoteTTL: promoteTTL(cfg.MemoryTTL, cfg.SnapshotTTL),
	}}

	if cfg.RedisAddr != "" {
		rb := cache.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		a.closers = append(a.closers, rb.Close)
		if err := rb.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		layers = append(layers, cache.Layer{Name: "redis", Backend: rb, PromoteTTL: cfg.SnapshotTTL})
	}

	switch {
	case cfg.PostgresDSN != "":
		sb, err := cache.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres cache: %w", err)
		}
		a.closers = append(a.closers, sb.Close)
		layers = append(layers, cache.Layer{Name: "postgres", Backend: sb})
	case cfg.SQLitePath != "":
		sb, err := cache.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite cache: %w", err)
		}
		a.closers = append(a.closers, sb.Close)
		layers = append(layers, cache.Layer{Name: "sqlite", Backend: sb})
	}

	for _, l := range layers {
		a.layers = append(a.layers, l.Name)
	}
	if len(layers) == 1 {
		return layers[0].Backend, nil
	}
	return cache.NewLayered(a.logger, layers...), nil
}

// promoteTTL bounds how long a snapshot copied up from a slower tier stays in
// memory. It never exceeds the snapshot TTL the slower tiers were written with.
func promoteTTL(memory, snapshot time.Duration) time.Duration {
	if snapshot > 0 && (memory <= 0 || memory > snapshot) {
		return snapshot
	}
	return memory
}

// Close releases backends in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		a.logger.WarnContext(ctx, "shutdown errors", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
