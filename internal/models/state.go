package models

import (
	"fmt"
	"strings"
)

// State is the classified payment intent of a debtor.
type State string

const (
	// StateGray is the initial state: no clear intent observed yet.
	StateGray State = "GRIS"
	// StateGreen means the debtor is willing to pay or is already paying.
	StateGreen State = "VERDE"
	// StateYellow means the debtor is hesitant or negotiating.
	StateYellow State = "AMARILLO"
	// StateRed means the debtor refuses or is hostile.
	StateRed State = "ROJO"
)

// AllStates lists every valid state in display order.
var AllStates = []State{StateGray, StateGreen, StateYellow, StateRed}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StateGray, StateGreen, StateYellow, StateRed:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState normalizes raw (trim + upper-case) and validates it.
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}
