// Package blocktank buys inbound Lightning channels from the Blocktank LSP
// and follows each order until its channel is open.
package blocktank

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// State is the LSP order state. The numeric values are the LSP's wire codes.
type State int

const (
	StateCreated         State = 0
	StatePaid            State = 100
	StateReadyToFinalize State = 200
	StateOpening         State = 300
	StateConnecting      State = 350
	StateGivenUp         State = 400
	StateExpired         State = 410
	StateClosed          State = 450
	StateOpen            State = 500
)

var stateNames = map[State]string{
	StateCreated:         "created",
	StatePaid:            "paid",
	StateReadyToFinalize: "ready_to_finalize",
	StateOpening:         "opening",
	StateConnecting:      "connecting",
	StateGivenUp:         "given_up",
	StateExpired:         "expired",
	StateClosed:          "closed",
	StateOpen:            "open",
}

// next holds the direct edges of the order graph.
var next = map[State][]State{
	StateCreated:         {StatePaid, StateExpired, StateGivenUp},
	StatePaid:            {StateReadyToFinalize, StateExpired, StateGivenUp},
	StateReadyToFinalize: {StateOpening, StateExpired, StateGivenUp},
	StateOpening:         {StateConnecting, StateGivenUp},
	StateConnecting:      {StateOpen, StateGivenUp},
	StateOpen:            {StateClosed},
}

// reachable[s] is the set of states reachable from s in one or more steps.
var reachable = func() map[State]map[State]bool {
	out := make(map[State]map[State]bool, len(stateNames))
	for s := range stateNames {
		seen := make(map[State]bool)
		stack := append([]State(nil), next[s]...)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[n] {
				continue
			}
			seen[n] = true
			stack = append(stack, next[n]...)
		}
		out[s] = seen
	}
	return out
}()

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s.Valid() && len(next[s]) == 0
}

// Settled reports whether a watch loop has nothing left to wait for.
func (s State) Settled() bool {
	return s == StateOpen || s.Terminal()
}

// Failed reports whether the order ended without a channel.
func (s State) Failed() bool {
	return s == StateGivenUp || s == StateExpired
}

// CanTransition reports whether to is reachable from s. Staying in the same
// state is not a transition.
func (s State) CanTransition(to State) bool {
	return reachable[s][to]
}

// ParseState accepts a state name or its numeric code.
func ParseState(v string) (State, error) {
	for s, name := range stateNames {
		if name == v {
			return s, nil
		}
	}
	if n, err := strconv.Atoi(v); err == nil && State(n).Valid() {
		return State(n), nil
	}
	return 0, fmt.Errorf("unknown order state %q", v)
}

// MarshalJSON encodes the numeric code.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON accepts the numeric code or the state name.
func (s *State) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if !State(n).Valid() {
			return fmt.Errorf("unknown order state %d", n)
		}
		*s = State(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("order state: %w", err)
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PaymentState is the state of the order's payment.
type PaymentState string

const (
	PaymentCreated  PaymentState = "created"
	PaymentPaid     PaymentState = "paid"
	PaymentRefunded PaymentState = "refunded"
	PaymentCanceled PaymentState = "canceled"
)
