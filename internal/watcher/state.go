package watcher

import "fmt"

// State is the watcher loop's position in a cycle.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateSettling
	StateDeciding
	StateInjecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateSettling:
		return "settling"
	case StateDeciding:
		return "deciding"
	case StateInjecting:
		return "injecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name; API clients decode snapshots with it.
func (s *State) UnmarshalText(text []byte) error {
	for c := StateIdle; c <= StateStopped; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown watcher state %q", text)
}
