// Package state holds the runtime state table of an orchestration run.
package state

import (
	"fmt"
	"strings"
)

// State is a service's lifecycle state.
type State int

const (
	Pending State = iota
	Starting
	Running
	Degraded
	Failed
	Blocked
	Stopped
)

var stateNames = [...]string{"Pending", "Starting", "Running", "Degraded", "Failed", "Blocked", "Stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// Parse maps a state name (case-insensitive) to a State.
func Parse(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return Pending, fmt.Errorf("unknown state %q", name)
}

// Settled reports whether s will not change without a health result or an
// operator action: anything except Pending and Starting.
func (s State) Settled() bool { return s != Pending && s != Starting }

// Terminal reports whether s needs operator action to leave.
func (s State) Terminal() bool { return s == Failed || s == Blocked || s == Stopped }

// Writer identifies the component class issuing a transition.
type Writer int

const (
	// Engine issues Starting, Stopped, Blocked, Pending resets, and Failed
	// for launches that fail to spawn or exit immediately.
	Engine Writer = iota
	// Poller issues Running, Degraded and Failed.
	Poller
)

func (w Writer) String() string {
	if w == Poller {
		return "poller"
	}
	return "engine"
}

// allowed reports whether writer w may move a service from one state to another.
func allowed(w Writer, from, to State) bool {
	switch w {
	case Engine:
		switch to {
		case Starting:
			return from == Pending || from == Failed || from == Stopped || from == Blocked
		case Stopped:
			return true
		case Blocked:
			return from == Pending || from == Blocked || from == Stopped
		case Pending:
			return true
		case Failed:
			// launch failure, before Starting is ever entered
			return from == Pending || from == Failed || from == Stopped || from == Blocked
		}
	case Poller:
		switch to {
		case Running:
			return from == Starting || from == Degraded || from == Running
		case Degraded:
			return from == Running
		case Failed:
			return from == Starting || from == Running || from == Degraded
		}
	}
	return false
}
