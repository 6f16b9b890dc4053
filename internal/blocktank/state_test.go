package blocktank

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateCreated, StatePaid, StateReadyToFinalize, StateOpening, StateConnecting,
	StateGivenUp, StateExpired, StateClosed, StateOpen,
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateCreated, StatePaid},
		{StateCreated, StateOpen},
		{StatePaid, StateReadyToFinalize},
		{StatePaid, StateConnecting},
		{StateReadyToFinalize, StateOpening},
		{StateOpening, StateConnecting},
		{StateConnecting, StateOpen},
		{StateOpen, StateClosed},
		{StateCreated, StateExpired},
		{StateOpening, StateGivenUp},
	}
	for _, tt := range allowed {
		require.True(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	rejected := []struct{ from, to State }{
		{StatePaid, StateCreated},
		{StateOpen, StateConnecting},
		{StateOpen, StateGivenUp},
		{StateOpening, StateExpired},
		{StateExpired, StatePaid},
		{StateGivenUp, StateOpen},
		{StateClosed, StateOpen},
		{StateCreated, StateClosed},
		{StateOpen, StateOpen},
	}
	for _, tt := range rejected {
		require.False(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

// No state can reach itself, so transitions never cycle.
func TestGraphIsAcyclic(t *testing.T) {
	for _, s := range allStates {
		require.False(t, s.CanTransition(s), s.String())
		for _, to := range allStates {
			if s.CanTransition(to) {
				require.False(t, to.CanTransition(s), "%s <-> %s", s, to)
			}
		}
	}
}

func TestStateFlags(t *testing.T) {
	require.True(t, StateGivenUp.Terminal())
	require.True(t, StateExpired.Terminal())
	require.True(t, StateClosed.Terminal())
	require.False(t, StateOpen.Terminal())
	require.True(t, StateOpen.Settled())
	require.False(t, StateConnecting.Settled())
	require.True(t, StateExpired.Failed())
	require.False(t, StateClosed.Failed())
	require.False(t, State(123).Valid())
	require.Equal(t, "state(123)", State(123).String())
}

func TestStateJSON(t *testing.T) {
	b, err := json.Marshal(StateConnecting)
	require.NoError(t, err)
	require.Equal(t, "350", string(b))

	var s State
	require.NoError(t, json.Unmarshal([]byte(`500`), &s))
	require.Equal(t, StateOpen, s)
	require.NoError(t, json.Unmarshal([]byte(`"ready_to_finalize"`), &s))
	require.Equal(t, StateReadyToFinalize, s)
	require.Error(t, json.Unmarshal([]byte(`123`), &s))
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))

	parsed, err := ParseState("410")
	require.NoError(t, err)
	require.Equal(t, StateExpired, parsed)
}
