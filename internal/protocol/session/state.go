package session

import "fmt"

type State int

const (
	StateClosed State = iota
	StateJoining
	StateOpen
	// StateLeft is the terminal closed state reached by Leave or Revoke.
	StateLeft
)

var stateNames = [...]string{
	StateClosed:  "closed",
	StateJoining: "joining",
	StateOpen:    "open",
	StateLeft:    "left",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateClosed:  {StateJoining, StateLeft},
	StateJoining: {StateOpen, StateClosed, StateLeft},
	StateOpen:    {StateLeft},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
