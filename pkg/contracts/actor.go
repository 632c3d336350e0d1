package contracts

import (
	"context"
	"time"
)

// Actor is the entity whose stats are resolved. Version increases on every
// mutation; a zero Version means the actor is fingerprinted by its Data.
type Actor struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Race       string         `json:"race,omitempty"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data,omitempty"`
	Subsystems []string       `json:"subsystems,omitempty"`
}

// Validate requires an identifier.
func (a *Actor) Validate() error {
	if a == nil {
		return Validationf("actor", "", "actor must not be nil")
	}
	if a.ID == "" {
		return Validationf("actor", "", "id must not be empty")
	}
	return nil
}

// Subsystem is a producer of contributions. Implementations must be safe for
// concurrent use by multiple resolutions.
type Subsystem interface {
	SystemID() string
	Priority() int64
	Contribute(ctx context.Context, actor *Actor) (*SubsystemOutput, error)
}

// SubsystemMeta identifies the producer of an output.
type SubsystemMeta struct {
	SystemID  string    `json:"system_id"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SubsystemOutput is everything one subsystem contributes for one actor.
type SubsystemOutput struct {
	Primary []Contribution    `json:"primary,omitempty"`
	Derived []Contribution    `json:"derived,omitempty"`
	Caps    []CapContribution `json:"caps,omitempty"`
	Context map[string]any    `json:"context,omitempty"`
	Meta    SubsystemMeta     `json:"meta"`
}

// NewSubsystemOutput returns an empty output stamped with systemID.
func NewSubsystemOutput(systemID string) *SubsystemOutput {
	return &SubsystemOutput{Meta: SubsystemMeta{SystemID: systemID, CreatedAt: time.Now().UTC()}}
}

func (o *SubsystemOutput) AddPrimary(c Contribution) { o.Primary = append(o.Primary, c) }

func (o *SubsystemOutput) AddDerived(c Contribution) { o.Derived = append(o.Derived, c) }

func (o *SubsystemOutput) AddCap(c CapContribution) { o.Caps = append(o.Caps, c) }
