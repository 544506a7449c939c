package agent

import (
	"fmt"
	"strings"
)

// State is the agent lifecycle state.
type State int

const (
	Idle State = iota
	Moving
	Waiting
	Charging
)

var stateNames = [...]string{"idle", "moving", "waiting", "charging"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState converts a state name back to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown agent state %q", name)
}

// allowed[from][to] lists every legal transition. moving->moving is a segment
// advance; idle->waiting covers a first segment that is not granted; any
// state may enter charging once the agent stands on a station.
var allowed = [len(stateNames)][len(stateNames)]bool{
	Idle:     {Moving: true, Waiting: true, Charging: true},
	Moving:   {Moving: true, Waiting: true, Idle: true, Charging: true},
	Waiting:  {Moving: true, Idle: true, Charging: true},
	Charging: {Idle: true},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from < 0 || int(from) >= len(allowed) || to < 0 || int(to) >= len(allowed) {
		return false
	}
	return allowed[from][to]
}

// TransitionError is returned for an illegal state change.
type TransitionError struct {
	Agent    string
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: illegal transition %s -> %s", e.Agent, e.From, e.To)
}
