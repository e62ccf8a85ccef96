// Package status derives system-wide views from the state table. Nothing
// here mutates state.
package status

import (
	"math"
	"sort"
	"time"

	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/state"
)

// ServiceStatus is one row of a snapshot.
type ServiceStatus struct {
	Name                string      `json:"name"`
	State               state.State `json:"state"`
	Since               time.Time   `json:"since"`
	Tags                []string    `json:"tags,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Restarts            int         `json:"restarts"`
	PID                 int         `json:"pid,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
}

// SystemSnapshot is the aggregate view at one instant.
type SystemSnapshot struct {
	Timestamp     time.Time                `json:"timestamp"`
	Services      map[string]ServiceStatus `json:"services"`
	HealthPercent float64                  `json:"health_percent"`
	Ready         bool                     `json:"ready"`
	TagReady      map[string]bool          `json:"tag_ready"`
}

// Names returns the snapshot's service names, sorted.
func (s SystemSnapshot) Names() []string {
	out := make([]string, 0, len(s.Services))
	for n := range s.Services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NotReady returns the names of services that are not Running, sorted.
func (s SystemSnapshot) NotReady() []string {
	var out []string
	for _, n := range s.Names() {
		if s.Services[n].State != state.Running {
			out = append(out, n)
		}
	}
	return out
}

// Aggregator computes snapshots over a registry and its state table.
type Aggregator struct {
	Registry *registry.Registry
	Table    *state.Table
	now      func() time.Time
}

func NewAggregator(reg *registry.Registry, tb *state.Table) *Aggregator {
	return &Aggregator{Registry: reg, Table: tb, now: time.Now}
}

// Snapshot covers the targeted services; nil targets means every service.
// Health is Running/total*100; readiness holds iff every targeted service is
// Running. Each tag's readiness only looks at targeted services carrying it.
func (a *Aggregator) Snapshot(targets []registry.Index) SystemSnapshot {
	if targets == nil {
		targets = make([]registry.Index, a.Registry.Len())
		for i := range targets {
			targets[i] = registry.Index(i)
		}
	}
	states := a.Table.All()
	snap := SystemSnapshot{
		Timestamp: a.now(),
		Services:  make(map[string]ServiceStatus, len(targets)),
		TagReady:  map[string]bool{},
		Ready:     true,
	}
	running := 0
	for _, i := range targets {
		d := a.Registry.At(i)
		st := states[i]
		snap.Services[d.Name] = ServiceStatus{
			Name:                d.Name,
			State:               st.State,
			Since:               st.Since,
			Tags:                d.Tags,
			ConsecutiveFailures: st.ConsecutiveFailures,
			Restarts:            st.Restarts,
			PID:                 st.PID,
			LastError:           st.ErrorText(),
		}
		ok := st.State == state.Running
		if ok {
			running++
		} else {
			snap.Ready = false
		}
		for _, t := range d.Tags {
			prev, seen := snap.TagReady[t]
			snap.TagReady[t] = ok && (!seen || prev)
		}
	}
	if len(targets) > 0 {
		snap.HealthPercent = math.Round(float64(running)/float64(len(targets))*10000) / 100
	}
	return snap
}
