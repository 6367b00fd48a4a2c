package session

import (
	"errors"
	"fmt"
)

// State is a session's backend connection state.
type State string

// Connection states.
const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	AwaitingLogin State = "AWAITING_LOGIN"
)

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected},
	Connected:     {AwaitingLogin, Disconnected},
	AwaitingLogin: {Connected, Disconnected},
}

// String returns the wire value of the state.
func (s State) String() string { return string(s) }

// CanTransition reports whether from → to is a defined transition.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// checkTransition returns a wrapped ErrInvalidTransition for undefined moves.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// linked reports whether the state implies an open backend link.
func (s State) linked() bool {
	return s == Connected || s == AwaitingLogin
}
