package caps

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// maxRememberedActors bounds the per-actor introspection map.
const maxRememberedActors = 10_000

// Resolution is the across-layer result. Conflicting dimensions are listed in
// Conflicts and absent from Caps.
type Resolution struct {
	Caps      map[string]contracts.Caps
	Conflicts []contracts.DimensionFailure
}

// Err joins the conflicts as configuration errors.
func (r Resolution) Err() error {
	errs := make([]error, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		errs = append(errs, contracts.Configurationf("caps", c.Dimension, "%s", c.Reason))
	}
	return errors.Join(errs...)
}

// Statistics summarises provider activity since construction.
type Statistics struct {
	TotalCalculations  int64         `json:"total_calculations"`
	SharedResolutions  int64         `json:"shared_resolutions"`
	DimensionsWithCaps int           `json:"dimensions_with_caps"`
	Conflicts          int64         `json:"conflicts"`
	AvgCalculationTime time.Duration `json:"avg_calculation_time_ns"`
	MaxCalculationTime time.Duration `json:"max_calculation_time_ns"`
}

// Provider computes effective capacities. It is safe for concurrent use.
type Provider struct {
	layers *LayerRegistry
	logger *slog.Logger

	mu         sync.RWMutex
	signed     map[string]bool
	last       map[string]map[string]contracts.Caps
	dimensions map[string]struct{}
	stats      Statistics
	totalTime  time.Duration
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithSignedDimensions allows negative minimums for the named dimensions.
func WithSignedDimensions(dims ...string) Option {
	return func(p *Provider) {
		for _, d := range dims {
			p.signed[d] = true
		}
	}
}

func NewProvider(layers *LayerRegistry, opts ...Option) *Provider {
	if layers == nil {
		layers = NewLayerRegistry()
	}
	p := &Provider{
		layers:     layers,
		logger:     slog.Default().With("component", "caps"),
		signed:     make(map[string]bool),
		last:       make(map[string]map[string]contracts.Caps),
		dimensions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Layers() *LayerRegistry { return p.layers }

// SetSigned marks or unmarks a dimension as allowing negative minimums.
func (p *Provider) SetSigned(dimension string, signed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if signed {
		p.signed[dimension] = true
	} else {
		delete(p.signed, dimension)
	}
}

// layerBounds tracks which bounds a layer actually defined.
type layerBounds struct {
	caps   contracts.Caps
	hasMin bool
	hasMax bool
}

func boundKind(c contracts.CapContribution) string {
	if c.Kind != "" {
		return c.Kind
	}
	switch c.Mode {
	case contracts.CapHardMin:
		return contracts.CapKindMin
	case contracts.CapHardMax, contracts.CapSoftMax:
		return contracts.CapKindMax
	}
	return ""
}

func actorRealm(actor *contracts.Actor) string {
	if actor == nil {
		return ""
	}
	realm, _ := actor.Data["realm"].(string)
	return realm
}

func (p *Provider) withinLayer(actor *contracts.Actor, outputs []*contracts.SubsystemOutput, layer string) (map[string]*layerBounds, error) {
	realm := actorRealm(actor)
	bounds := make(map[string]*layerBounds)
	var errs []error
	for _, out := range outputs {
		if out == nil {
			continue
		}
		for _, c := range out.Caps {
			if err := c.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
			if !c.AppliesTo(layer) {
				continue
			}
			if c.Realm != "" && c.Realm != realm {
				continue
			}
			b, ok := bounds[c.Dimension]
			if !ok {
				b = &layerBounds{caps: contracts.Unbounded()}
				bounds[c.Dimension] = b
			}
			switch boundKind(c) {
			case contracts.CapKindMin:
				if !b.hasMin || c.Value > b.caps.Min {
					b.caps.Min = c.Value
				}
				b.hasMin = true
			case contracts.CapKindMax:
				if !b.hasMax || c.Value < b.caps.Max {
					b.caps.Max = c.Value
				}
				b.hasMax = true
			}
		}
	}
	return bounds, errors.Join(errs...)
}

// EffectiveCapsWithinLayer returns the caps each dimension gets from the
// contributions applying to layer. Unscoped contributions apply to every
// layer. A dimension whose bounds cross within the layer is an error.
func (p *Provider) EffectiveCapsWithinLayer(actor *contracts.Actor, outputs []*contracts.SubsystemOutput, layer string) (map[string]contracts.Caps, error) {
	bounds, err := p.withinLayer(actor, outputs, layer)
	if err != nil {
		return nil, err
	}
	out := make(map[string]contracts.Caps, len(bounds))
	var errs []error
	for dim, b := range bounds {
		if b.caps.Min > b.caps.Max {
			errs = append(errs, contracts.Configurationf("caps", dim, "layer %q min %v exceeds max %v", layer, b.caps.Min, b.caps.Max))
			continue
		}
		out[dim] = b.caps
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// EffectiveCapsAcrossLayers combines every layer's caps with the registry
// policy. Malformed contributions fail the call; range conflicts are reported
// per dimension in the Resolution.
func (p *Provider) EffectiveCapsAcrossLayers(actor *contracts.Actor, outputs []*contracts.SubsystemOutput) (Resolution, error) {
	start := time.Now()
	order := p.layers.Order()
	policy := p.layers.Policy()

	perLayer := make([]map[string]*layerBounds, len(order))
	dimSet := make(map[string]struct{})
	for i, layer := range order {
		bounds, err := p.withinLayer(actor, outputs, layer)
		if err != nil {
			return Resolution{}, err
		}
		perLayer[i] = bounds
		for d := range bounds {
			dimSet[d] = struct{}{}
		}
	}
	dims := make([]string, 0, len(dimSet))
	for d := range dimSet {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	res := Resolution{Caps: make(map[string]contracts.Caps, len(dims))}
	for _, dim := range dims {
		caps, reason := combine(policy, order, perLayer, dim)
		if reason != "" {
			res.Conflicts = append(res.Conflicts, contracts.DimensionFailure{
				Dimension: dim,
				Kind:      contracts.KindConfiguration,
				Reason:    reason,
			})
			p.logger.Warn("capacity conflict", "dimension", dim, "policy", policy, "reason", reason)
			continue
		}
		res.Caps[dim] = caps
	}

	p.record(actor, res, time.Since(start))
	return res, nil
}

func combine(policy Policy, order []string, perLayer []map[string]*layerBounds, dim string) (contracts.Caps, string) {
	for i, bounds := range perLayer {
		if b, ok := bounds[dim]; ok && b.caps.Min > b.caps.Max {
			return contracts.Caps{}, "layer " + order[i] + " has min above max"
		}
	}

	var acc contracts.Caps
	switch policy {
	case PolicyUnion:
		first := true
		for _, bounds := range perLayer {
			b, ok := bounds[dim]
			if !ok {
				continue
			}
			if first {
				acc, first = b.caps, false
				continue
			}
			acc = acc.Union(b.caps)
		}
	case PolicyPrioritizedOverride:
		acc = contracts.Unbounded()
		minSet, maxSet := false, false
		for _, bounds := range perLayer {
			b, ok := bounds[dim]
			if !ok {
				continue
			}
			if !minSet && b.hasMin {
				acc.Min, minSet = b.caps.Min, true
			}
			if !maxSet && b.hasMax {
				acc.Max, maxSet = b.caps.Max, true
			}
		}
		if acc.Min > acc.Max {
			return contracts.Caps{}, "prioritized bounds cross"
		}
	default:
		acc = contracts.Unbounded()
		for _, bounds := range perLayer {
			if b, ok := bounds[dim]; ok {
				acc = acc.Intersect(b.caps)
			}
		}
		if acc.Min > acc.Max {
			return contracts.Caps{}, "layer intersection is empty"
		}
	}
	return acc, ""
}

func (p *Provider) record(actor *contracts.Actor, res Resolution, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalCalculations++
	p.stats.Conflicts += int64(len(res.Conflicts))
	p.totalTime += elapsed
	p.stats.AvgCalculationTime = p.totalTime / time.Duration(p.stats.TotalCalculations)
	if elapsed > p.stats.MaxCalculationTime {
		p.stats.MaxCalculationTime = elapsed
	}
	p.rememberLocked(actor, res)
}

// Remember records res as the latest resolution for actor without counting
// a calculation. Callers that reuse one resolution across actors use it so
// per-actor introspection stays complete.
func (p *Provider) Remember(actor *contracts.Actor, res Resolution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.SharedResolutions++
	p.rememberLocked(actor, res)
}

func (p *Provider) rememberLocked(actor *contracts.Actor, res Resolution) {
	for d := range res.Caps {
		p.dimensions[d] = struct{}{}
	}
	p.stats.DimensionsWithCaps = len(p.dimensions)

	if actor == nil || actor.ID == "" {
		return
	}
	if _, ok := p.last[actor.ID]; !ok && len(p.last) >= maxRememberedActors {
		p.last = make(map[string]map[string]contracts.Caps)
	}
	snapshot := make(map[string]contracts.Caps, len(res.Caps))
	for d, c := range res.Caps {
		snapshot[d] = c
	}
	p.last[actor.ID] = snapshot
}

// ValidateCaps rejects inverted ranges and, unless the dimension is signed,
// negative minimums.
func (p *Provider) ValidateCaps(dimension string, c contracts.Caps) error {
	if err := c.Validate(); err != nil {
		return &contracts.Error{Kind: contracts.KindValidation, Op: "validate_caps", Subject: dimension, Err: err}
	}
	p.mu.RLock()
	signed := p.signed[dimension]
	p.mu.RUnlock()
	if c.Min < 0 && !signed {
		return contracts.Validationf("validate_caps", dimension, "min %v is negative", c.Min)
	}
	return nil
}

// Validate checks the layer registry.
func (p *Provider) Validate() error {
	return p.layers.Validate()
}

// GetCapsForDimension returns the caps last resolved for actor.
func (p *Provider) GetCapsForDimension(dimension string, actor *contracts.Actor) (contracts.Caps, bool) {
	if actor == nil {
		return contracts.Caps{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.last[actor.ID][dimension]
	return c, ok
}

// SupportedDimensions lists the standard dimensions plus any seen with caps.
func (p *Provider) SupportedDimensions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := make(map[string]struct{}, len(p.dimensions)+len(contracts.PrimaryDimensions)+len(contracts.DerivedDimensions))
	for _, d := range contracts.PrimaryDimensions {
		set[d] = struct{}{}
	}
	for _, d := range contracts.DerivedDimensions {
		set[d] = struct{}{}
	}
	for d := range p.dimensions {
		set[d] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) Statistics() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
