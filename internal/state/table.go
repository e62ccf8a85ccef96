package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/registry"
)

// ServiceState is a point-in-time copy of one service's runtime state.
type ServiceState struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Since               time.Time `json:"since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Restarts            int       `json:"restarts"`
	PID                 int       `json:"pid,omitempty"`
	LastError           error     `json:"-"`
	LastProbe           time.Time `json:"last_probe,omitempty"`
}

// ErrorText returns LastError as a string, or "".
func (s ServiceState) ErrorText() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}

// Transition is delivered to observers for every accepted state change.
type Transition struct {
	Service string
	From    State
	To      State
	At      time.Time
	Err     error
	Writer  Writer
}

// Observer is notified after each transition, outside the table lock.
type Observer func(Transition)

type entry struct {
	ServiceState
	changed chan struct{} // closed and replaced on every change
}

// Table is the mutex-guarded state map for every service in a registry.
type Table struct {
	mu        sync.Mutex
	entries   []*entry
	observers []Observer
	now       func() time.Time
}

// NewTable creates a table with every service Pending.
func NewTable(reg *registry.Registry) *Table {
	t := &Table{now: time.Now}
	t.entries = make([]*entry, reg.Len())
	for i := range t.entries {
		t.entries[i] = &entry{
			ServiceState: ServiceState{Name: reg.At(registry.Index(i)).Name, State: Pending, Since: t.now()},
			changed:      make(chan struct{}),
		}
	}
	return t
}

// Observe registers fn for every future transition.
func (t *Table) Observe(fn Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Len returns the number of services tracked.
func (t *Table) Len() int { return len(t.entries) }

// Get returns a copy of service i's state.
func (t *Table) Get(i registry.Index) ServiceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[i].ServiceState
}

// State returns service i's current state.
func (t *Table) State(i registry.Index) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[i].State
}

// All returns a copy of every service's state, in registry order.
func (t *Table) All() []ServiceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ServiceState, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.ServiceState
	}
	return out
}

// Transition moves service i to state to on behalf of writer w. err is
// recorded as the last error when non-nil; a transition to Running clears it.
// Transitions outside the writer's class, or not reachable from the current
// state, are rejected.
func (t *Table) Transition(w Writer, i registry.Index, to State, err error) error {
	t.mu.Lock()
	e := t.entries[i]
	from := e.State
	if !allowed(w, from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%s: %s may not move %s to %s", e.Name, w, from, to)
	}
	tr := Transition{Service: e.Name, From: from, To: to, At: t.now(), Err: err, Writer: w}
	e.State = to
	e.Since = tr.At
	switch {
	case err != nil:
		e.LastError = err
	case to == Running:
		e.LastError = nil
	}
	switch to {
	case Running, Starting, Pending:
		e.ConsecutiveFailures = 0
	}
	if to != Starting && to != Running && to != Degraded {
		e.PID = 0
	}
	t.notifyLocked(e)
	obs := t.observers
	t.mu.Unlock()

	if from != to {
		for _, fn := range obs {
			fn(tr)
		}
	}
	return nil
}

// RecordProbe records a probe outcome and returns the consecutive failure
// count after it.
func (t *Table) RecordProbe(i registry.Index, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[i]
	e.LastProbe = t.now()
	if err == nil {
		e.ConsecutiveFailures = 0
	} else {
		e.ConsecutiveFailures++
		e.LastError = err
	}
	return e.ConsecutiveFailures
}

// SetPID records the pid of the running process.
func (t *Table) SetPID(i registry.Index, pid int) {
	t.mu.Lock()
	t.entries[i].PID = pid
	t.mu.Unlock()
}

// IncRestarts bumps and returns the restart counter.
func (t *Table) IncRestarts(i registry.Index) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[i].Restarts++
	return t.entries[i].Restarts
}

// ResetRestarts clears the restart counter, used when an operator starts the
// service again.
func (t *Table) ResetRestarts(i registry.Index) {
	t.mu.Lock()
	t.entries[i].Restarts = 0
	t.mu.Unlock()
}

// Wait blocks until pred accepts service i's state or ctx is done. It
// returns the last state seen.
func (t *Table) Wait(ctx context.Context, i registry.Index, pred func(State) bool) (State, error) {
	for {
		t.mu.Lock()
		e := t.entries[i]
		s, ch := e.State, e.changed
		t.mu.Unlock()
		if pred(s) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Notify wakes waiters on service i without changing its state, so they
// re-evaluate conditions that live outside the table.
func (t *Table) Notify(i registry.Index) {
	t.mu.Lock()
	t.notifyLocked(t.entries[i])
	t.mu.Unlock()
}

// notifyLocked wakes waiters on e; caller holds mu.
func (t *Table) notifyLocked(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}
