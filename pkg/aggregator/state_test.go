package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateCollecting, true},
		{StateIdle, StateProcessing, false},
		{StateIdle, StateFailed, false},
		{StateCollecting, StateProcessing, true},
		{StateCollecting, StateFailed, true},
		{StateCollecting, StateDone, false},
		{StateProcessing, StateCaching, true},
		{StateProcessing, StateFailed, true},
		{StateCaching, StateDone, true},
		{StateCaching, StateFailed, true},
		{StateDone, StateIdle, false},
		{StateFailed, StateCollecting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransitionAllowed(tt.from, tt.to))
		})
	}
}

func TestPass_RejectsSkippedStates(t *testing.T) {
	var hops []State
	p := newPass("a", func(_ string, _, to State) { hops = append(hops, to) })

	require.NoError(t, p.to(StateCollecting))
	assert.Error(t, p.to(StateDone))
	require.NoError(t, p.to(StateProcessing))
	p.fail()
	p.fail()
	assert.Equal(t, []State{StateCollecting, StateProcessing, StateFailed}, hops)
}
