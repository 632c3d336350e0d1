package bucket

import (
	"errors"
	"sort"

	"github.com/letuhao/chaos-backend-service-sub003/pkg/contracts"
)

// Input is the resolution input for one dimension.
type Input struct {
	Contributions []contracts.Contribution
	Base          float64
	Clamp         *contracts.Caps
}

// ProcessAll resolves every dimension in inputs. Errors from all dimensions
// are joined; no values are returned when any dimension fails.
func (p *Processor) ProcessAll(actor map[string]any, inputs map[string]Input) (map[string]float64, error) {
	dims := make([]string, 0, len(inputs))
	for d := range inputs {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	out := make(map[string]float64, len(inputs))
	var errs []error
	for _, d := range dims {
		in := inputs[d]
		v, err := p.ProcessActor(actor, in.Contributions, in.Base, in.Clamp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[d] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
