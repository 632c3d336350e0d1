package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Layer is one named tier of a Layered cache.
type Layer struct {
	Name    string
	Backend Backend
	// PromoteTTL is the TTL used when a value found in a lower tier is copied
	// into this one. Zero stores without expiry.
	PromoteTTL time.Duration
}

// Layered chains backends from fastest to slowest. Reads stop at the first
// hit and promote the value into the faster tiers; writes go to every tier.
type Layered struct {
	layers []Layer
	logger *slog.Logger
	counters
}

func NewLayered(logger *slog.Logger, layers ...Layer) *Layered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layered{layers: layers, logger: logger.With("component", "cache")}
}

func (l *Layered) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	for i, layer := range l.layers {
		v, ok, err := layer.Backend.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		l.hits.Add(1)
		for _, upper := range l.layers[:i] {
			if err := upper.Backend.Set(ctx, key, v, upper.PromoteTTL); err != nil {
				l.logger.WarnContext(ctx, "cache promotion failed", "layer", upper.Name, "key", key, "error", err)
			}
		}
		return v, true, nil
	}
	l.misses.Add(1)
	return nil, false, nil
}

func (l *Layered) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	err := l.each(ctx, "set", key, func(b Backend) error { return b.Set(ctx, key, value, ttl) })
	if err == nil {
		l.sets.Add(1)
	}
	return err
}

func (l *Layered) Delete(ctx context.Context, key string) error {
	err := l.each(ctx, "delete", key, func(b Backend) error { return b.Delete(ctx, key) })
	if err == nil {
		l.deletes.Add(1)
	}
	return err
}

func (l *Layered) Clear(ctx context.Context) error {
	return l.each(ctx, "clear", "", func(b Backend) error { return b.Clear(ctx) })
}

// each applies fn to every tier, logging and joining per-tier failures.
func (l *Layered) each(ctx context.Context, op, key string, fn func(Backend) error) error {
	var errs []error
	for _, layer := range l.layers {
		if err := fn(layer.Backend); err != nil {
			l.logger.WarnContext(ctx, "cache layer failed", "op", op, "layer", layer.Name, "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports the layered hit/miss counters; Entries is that of the first tier.
func (l *Layered) Stats() Stats {
	var entries int64
	if len(l.layers) > 0 {
		entries = l.layers[0].Backend.Stats().Entries
	}
	return l.snapshot("layered", entries)
}

// LayerStats returns per-tier statistics keyed by tier name.
func (l *Layered) LayerStats() map[string]Stats {
	out := make(map[string]Stats, len(l.layers))
	for _, layer := range l.layers {
		out[layer.Name] = layer.Backend.Stats()
	}
	return out
}
