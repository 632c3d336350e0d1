package contracts

import (
	"time"
)

// SubsystemFailure records a subsystem that did not contribute to a snapshot.
type SubsystemFailure struct {
	SystemID string `json:"system_id"`
	Error    string `json:"error"`
}

// DimensionFailure records a dimension left out of a snapshot.
type DimensionFailure struct {
	Dimension string    `json:"dimension"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// SnapshotMetadata describes how a snapshot was produced.
type SnapshotMetadata struct {
	ResolutionID      string                    `json:"resolution_id"`
	CacheKey          string                    `json:"cache_key,omitempty"`
	FailedSubsystems  []SubsystemFailure        `json:"failed_subsystems,omitempty"`
	SkippedDimensions []DimensionFailure        `json:"skipped_dimensions,omitempty"`
	Contexts          map[string]map[string]any `json:"contexts,omitempty"`
}

// Snapshot is the immutable result of one resolution pass for one actor.
// A dimension that received any primary contribution is reported in Primary,
// otherwise in Derived.
type Snapshot struct {
	ActorID             string             `json:"actor_id"`
	ActorVersion        int64              `json:"actor_version"`
	Primary             map[string]float64 `json:"primary"`
	Derived             map[string]float64 `json:"derived"`
	CapsUsed            map[string]Caps    `json:"caps_used"`
	SubsystemsProcessed []string           `json:"subsystems_processed"`
	ProcessingTime      time.Duration      `json:"processing_time_ns"`
	CreatedAt           time.Time          `json:"created_at"`
	Metadata            SnapshotMetadata   `json:"metadata"`
}

// Value returns the resolved value of dim from either map.
func (s *Snapshot) Value(dim string) (float64, bool) {
	if v, ok := s.Primary[dim]; ok {
		return v, true
	}
	v, ok := s.Derived[dim]
	return v, ok
}

// Partial reports whether any subsystem or dimension was dropped.
func (s *Snapshot) Partial() bool {
	return len(s.Metadata.FailedSubsystems) > 0 || len(s.Metadata.SkippedDimensions) > 0
}
