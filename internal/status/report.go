package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"
)

// Exit codes of a start operation.
const (
	ExitReady       = 0
	ExitPartial     = 1
	ExitConfigError = 2
)

// StartReport is the outcome of a start: the final state of every targeted
// service plus the overall exit intent.
type StartReport struct {
	Mode     string         `json:"mode,omitempty"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Tiers    [][]string     `json:"tiers,omitempty"`
	Launched []string       `json:"launched,omitempty"`
	Skipped  []string       `json:"skipped,omitempty"`
	Snapshot SystemSnapshot `json:"snapshot"`
	TimedOut bool           `json:"timed_out"`
	Error    string         `json:"error,omitempty"`
	ExitCode int            `json:"exit_code"`
}

// Finalize fills ExitCode and Finished from the snapshot.
func (r *StartReport) Finalize(snap SystemSnapshot, timedOut bool) {
	r.Snapshot = snap
	r.TimedOut = timedOut && !snap.Ready
	r.Finished = snap.Timestamp
	if snap.Ready {
		r.ExitCode = ExitReady
	} else {
		r.ExitCode = ExitPartial
	}
}

// WriteFile stores the report as indented JSON, creating parent directories.
func (r StartReport) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PrintTable writes a per-service summary: name, state, last error.
func PrintTable(w io.Writer, snap SystemSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tSTATE\tSINCE\tRESTARTS\tLAST ERROR")
	for _, n := range snap.Names() {
		s := snap.Services[n]
		since := "-"
		if !s.Since.IsZero() {
			since = s.Since.Format(time.TimeOnly)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.State, since, s.Restarts, s.LastError)
	}
	_, _ = fmt.Fprintf(tw, "\nhealth %.0f%%  ready=%t\n", snap.HealthPercent, snap.Ready)
	return tw.Flush()
}
