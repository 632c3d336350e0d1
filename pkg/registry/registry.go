package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// ErrSubsystemNotFound is wrapped by every lookup or removal of an unknown id.
var ErrSubsystemNotFound = errors.New("subsystem not found")

// Registry is the source of truth for the subsystems taking part in resolution.
type Registry interface {
	Register(sub contracts.Subsystem) error
	Unregister(id string) error
	Get(id string) (contracts.Subsystem, bool)
	// ByPriority returns subsystems sorted by descending priority, ties in
	// registration order.
	ByPriority() []contracts.Subsystem
	ByPriorityRange(min, max int64) []contracts.Subsystem
	ValidateAll() error
	Count() int
	IsRegistered(id string) bool
	// Generation changes on every mutation.
	Generation() uint64
}

type entry struct {
	sub contracts.Subsystem
	seq uint64
}

// InMemoryRegistry is a thread-safe in-memory implementation.
type InMemoryRegistry struct {
	mu         sync.RWMutex
	subsystems map[string]entry
	nextSeq    uint64
	generation uint64
	logger     *slog.Logger
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		subsystems: make(map[string]entry),
		logger:     slog.Default().With("component", "registry"),
	}
}

// WithLogger replaces the registry logger and returns the registry.
func (r *InMemoryRegistry) WithLogger(l *slog.Logger) *InMemoryRegistry {
	r.logger = l
	return r
}

// Register adds sub. Replacing an existing id keeps its registration slot and
// logs a warning.
func (r *InMemoryRegistry) Register(sub contracts.Subsystem) error {
	if sub == nil {
		return contracts.Configurationf("register", "", "nil subsystem")
	}
	id := sub.SystemID()
	if id == "" {
		return contracts.Configurationf("register", "", "subsystem id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.subsystems[id]; ok {
		r.logger.Warn("overwriting registered subsystem",
			"system_id", id,
			"old_priority", prev.sub.Priority(),
			"new_priority", sub.Priority(),
		)
		r.subsystems[id] = entry{sub: sub, seq: prev.seq}
	} else {
		r.subsystems[id] = entry{sub: sub, seq: r.nextSeq}
		r.nextSeq++
	}
	r.generation++
	return nil
}

func (r *InMemoryRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subsystems[id]; !ok {
		return &contracts.Error{Kind: contracts.KindRegistry, Op: "unregister", Subject: id, Err: ErrSubsystemNotFound}
	}
	delete(r.subsystems, id)
	r.generation++
	return nil
}

func (r *InMemoryRegistry) Get(id string) (contracts.Subsystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subsystems[id]
	return e.sub, ok
}

func (r *InMemoryRegistry) ByPriority() []contracts.Subsystem {
	return r.filtered(func(int64) bool { return true })
}

// ByPriorityRange returns subsystems with min <= priority <= max.
func (r *InMemoryRegistry) ByPriorityRange(min, max int64) []contracts.Subsystem {
	return r.filtered(func(p int64) bool { return p >= min && p <= max })
}

func (r *InMemoryRegistry) filtered(keep func(int64) bool) []contracts.Subsystem {
	type ranked struct {
		entry
		prio int64
	}
	r.mu.RLock()
	list := make([]ranked, 0, len(r.subsystems))
	for _, e := range r.subsystems {
		if p := e.sub.Priority(); keep(p) {
			list = append(list, ranked{entry: e, prio: p})
		}
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].prio != list[j].prio {
			return list[i].prio > list[j].prio
		}
		return list[i].seq < list[j].seq
	})
	out := make([]contracts.Subsystem, len(list))
	for i, e := range list {
		out[i] = e.sub
	}
	return out
}

// ValidateAll fails on any negative priority.
func (r *InMemoryRegistry) ValidateAll() error {
	var errs []error
	for _, sub := range r.ByPriority() {
		if p := sub.Priority(); p < 0 {
			errs = append(errs, contracts.Configurationf("validate", sub.SystemID(), "negative priority %d", p))
		}
	}
	return errors.Join(errs...)
}

func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subsystems)
}

func (r *InMemoryRegistry) IsRegistered(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *InMemoryRegistry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}
