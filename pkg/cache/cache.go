// Package cache provides the snapshot cache backends: an in-process memory
// tier, a Redis tier, a SQL tier (sqlite or postgres) and a layered manager
// that chains them.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Backend stores JSON values by key. Get reports a miss with ok == false and
// a nil error; errors are reserved for backend failures.
type Backend interface {
	Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats() Stats
}

// Stats are cumulative counters since the backend was created.
type Stats struct {
	Backend   string `json:"backend"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Sets      int64  `json:"sets"`
	Deletes   int64  `json:"deletes"`
	Evictions int64  `json:"evictions"`
	Entries   int64  `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits, misses, sets, deletes, evictions atomic.Int64
}

func (c *counters) snapshot(backend string, entries int64) Stats {
	return Stats{
		Backend:   backend,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Deletes:   c.deletes.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
	}
}
