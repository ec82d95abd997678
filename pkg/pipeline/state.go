package pipeline

import "fmt"

// State is a pagination driver state.
type State int

const (
	// StateStart resolves the endpoint and starts at page 1.
	StateStart State = iota
	// StateFetching requests the current page.
	StateFetching
	// StateLoading stores the current page and decides whether to continue.
	StateLoading
	// StateDone is terminal: the walk ended normally.
	StateDone
	// StateFailed is terminal: the period/entity was abandoned.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetching:
		return "fetching"
	case StateLoading:
		return "loading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// MarshalText renders the state name in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
