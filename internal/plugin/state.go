package plugin

import "fmt"

// State is a plugin's lifecycle position. Transitions outside the table
// below are programming errors and are rejected.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

var stateTransitions = map[State][]State{
	StateUnloaded: {StateLoaded, StateStarting},
	StateLoaded:   {StateStarting, StateUnloaded},
	StateStarting: {StateRunning, StateFailed, StateStopped},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting, StateUnloaded},
	StateCrashed:  {StateStarting, StateStopped, StateFailed},
	StateFailed:   {StateStarting, StateUnloaded},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range stateTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state requires operator intervention to leave.
func (s State) Terminal() bool {
	return s == StateFailed
}

// Live reports whether a child process may exist in this state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

func invalidTransition(id string, from, to State) error {
	return fmt.Errorf("%w: plugin %q cannot move %s -> %s", ErrInvalidTransition, id, from, to)
}
