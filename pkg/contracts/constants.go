package contracts

import "time"

const (
	// CacheKeyPrefix namespaces snapshot cache entries.
	CacheKeyPrefix = "actor_snapshot:"

	DefaultSnapshotTTL      = 300 * time.Second
	DefaultSubsystemTimeout = 2 * time.Second
	DefaultBatchConcurrency = 100
	DefaultSubsystemPrio    = int64(100)
)

// Default capacity layers, outermost first.
const (
	LayerRealm = "realm"
	LayerWorld = "world"
	LayerEvent = "event"
	LayerGuild = "guild"
	LayerTotal = "total"
)

// DefaultLayers returns the default layer order.
func DefaultLayers() []string {
	return []string{LayerRealm, LayerWorld, LayerEvent, LayerGuild, LayerTotal}
}

// Primary stat dimensions.
var PrimaryDimensions = []string{"strength", "agility", "intelligence", "vitality", "spirit", "luck"}

// Derived stat dimensions.
var DerivedDimensions = []string{
	"health", "mana", "stamina", "attack_power", "defense",
	"critical_chance", "critical_damage", "attack_speed", "move_speed", "level",
}
