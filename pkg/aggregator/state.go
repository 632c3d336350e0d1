package aggregator

import "fmt"

// State is the lifecycle label of one resolution pass.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateProcessing State = "processing"
	StateCaching    State = "caching"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// TransitionHook observes every state change of a resolution pass.
type TransitionHook func(actorID string, from, to State)

// IsTransitionAllowed reports whether a resolution may move from one state to
// another.
func IsTransitionAllowed(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateCollecting
	case StateCollecting:
		return to == StateProcessing || to == StateFailed
	case StateProcessing:
		return to == StateCaching || to == StateFailed
	case StateCaching:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}

// pass tracks the state of one resolution.
type pass struct {
	actorID string
	state   State
	hook    TransitionHook
}

func newPass(actorID string, hook TransitionHook) *pass {
	return &pass{actorID: actorID, state: StateIdle, hook: hook}
}

func (p *pass) to(next State) error {
	if !IsTransitionAllowed(p.state, next) {
		return fmt.Errorf("invalid resolution transition %s -> %s", p.state, next)
	}
	prev := p.state
	p.state = next
	if p.hook != nil {
		p.hook(p.actorID, prev, next)
	}
	return nil
}

// fail moves to Failed when the current state allows it.
func (p *pass) fail() {
	if IsTransitionAllowed(p.state, StateFailed) {
		_ = p.to(StateFailed)
	}
}
