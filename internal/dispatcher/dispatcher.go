// Package dispatcher turns operator commands into engine operations and
// waits on the aggregated status to decide readiness.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/engine"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/status"
)

// ErrNoOutput is returned when following a service that never produced a
// capture buffer.
var ErrNoOutput = errors.New("no output captured")

// Options configure a Dispatcher.
type Options struct {
	Modes          Modes
	DefaultTimeout time.Duration
	PollInterval   time.Duration // readiness poll while waiting on a start
	ReportPath     string        // last-run report; empty disables it
	Recorder       *history.Recorder
}

func (o Options) withDefaults() Options {
	if o.Modes == nil {
		o.Modes = DefaultModes()
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// StartRequest describes one start command. Names, when set, take
// precedence over Mode.
type StartRequest struct {
	Mode    string        `json:"mode,omitempty"`
	Names   []string      `json:"names,omitempty"`
	Force   bool          `json:"force,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Dispatcher serialises start, stop and restart commands against one
// engine. Status and Logs never block on them.
type Dispatcher struct {
	eng  *engine.Engine
	oc   *engine.OrchestratorContext
	agg  *status.Aggregator
	opts Options
	log  *slog.Logger
	cmd  sync.Mutex
}

// New wires a dispatcher to eng. Every state transition is forwarded to the
// history recorder, if any.
func New(eng *engine.Engine, opts Options) *Dispatcher {
	oc := eng.Context()
	d := &Dispatcher{
		eng:  eng,
		oc:   oc,
		agg:  status.NewAggregator(oc.Registry, oc.Table),
		opts: opts.withDefaults(),
		log:  oc.Logger.With("component", "dispatcher"),
	}
	if rec := d.opts.Recorder; rec != nil {
		oc.Table.Observe(func(tr state.Transition) {
			e := history.Event{
				Type:       history.EventTransition,
				OccurredAt: tr.At.UTC(),
				Service:    tr.Service,
				From:       tr.From.String(),
				To:         tr.To.String(),
			}
			if tr.Err != nil {
				e.Error = tr.Err.Error()
			}
			rec.Record(e)
		})
	}
	return d
}

// Modes returns the mode table in use.
func (d *Dispatcher) Modes() Modes { return d.opts.Modes }

// Registry returns the service registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.oc.Registry }

// Start launches the services selected by req and waits until they are all
// Running, nothing further can change, or the timeout passes. The returned
// report always covers every targeted service. An error is returned only for
// configuration problems, in which case nothing was launched.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (status.StartReport, error) {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	return d.start(ctx, req)
}

func (d *Dispatcher) start(ctx context.Context, req StartRequest) (status.StartReport, error) {
	sel, label, err := d.selection(req)
	if err != nil {
		rep := status.StartReport{Mode: label, Started: time.Now(), Finished: time.Now(), Error: err.Error(), ExitCode: status.ExitConfigError}
		return rep, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.log.Info("start", "mode", label, "force", req.Force, "timeout", timeout)
	rep, err := d.eng.Start(sctx, engine.StartOptions{Selection: sel, Force: req.Force, Timeout: timeout, Mode: label})
	if err != nil {
		return rep, err
	}

	targets := d.oc.Registry.Select(sel)
	snap := d.awaitSettled(sctx, targets)
	rep.Finalize(snap, sctx.Err() != nil)
	if rep.TimedOut {
		rep.Error = (&orcherr.StartTimeoutError{Timeout: timeout, NotReady: snap.NotReady()}).Error()
	}
	d.publish(snap)
	d.finish(rep)
	return rep, nil
}

func (d *Dispatcher) selection(req StartRequest) (registry.Selection, string, error) {
	if len(req.Names) > 0 {
		for _, n := range req.Names {
			if _, err := d.oc.Registry.Lookup(n); err != nil {
				return registry.Selection{}, "", err
			}
		}
		return registry.Selection{Names: req.Names}, req.Mode, nil
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeFull
	}
	sel, err := d.opts.Modes.Resolve(mode)
	return sel, mode, err
}

// awaitSettled polls the aggregator until the targets are ready, every one
// of them is settled, or ctx is done.
func (d *Dispatcher) awaitSettled(ctx context.Context, targets []registry.Index) status.SystemSnapshot {
	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()
	for {
		snap := d.agg.Snapshot(targets)
		if snap.Ready || d.allSettled(targets) {
			return snap
		}
		select {
		case <-ctx.Done():
			return d.agg.Snapshot(targets)
		case <-t.C:
		}
	}
}

func (d *Dispatcher) allSettled(targets []registry.Index) bool {
	for _, i := range targets {
		if !d.eng.Settled(i) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) finish(rep status.StartReport) {
	lvl := slog.LevelInfo
	if rep.ExitCode != status.ExitReady {
		lvl = slog.LevelWarn
	}
	d.log.Log(context.Background(), lvl, "start finished",
		"mode", rep.Mode, "health_percent", rep.Snapshot.HealthPercent,
		"ready", rep.Snapshot.Ready, "timed_out", rep.TimedOut, "not_ready", rep.Snapshot.NotReady())
	if p := d.opts.ReportPath; p != "" {
		if err := rep.WriteFile(p); err != nil {
			d.log.Warn("write start report", "path", p, "error", err)
		}
	}
	d.opts.Recorder.Record(history.Event{
		Type:          history.EventStartReport,
		OccurredAt:    rep.Finished.UTC(),
		Mode:          rep.Mode,
		HealthPercent: rep.Snapshot.HealthPercent,
		Ready:         rep.Snapshot.Ready,
		ExitCode:      rep.ExitCode,
		Error:         rep.Error,
	})
}

func (d *Dispatcher) publish(snap status.SystemSnapshot) {
	metrics.SetReadiness(snap.HealthPercent, snap.Ready, snap.TagReady)
}

// Stop stops the named services together with everything that depends on
// them, dependents first. With all set, every service is stopped.
func (d *Dispatcher) Stop(ctx context.Context, names []string, all bool) error {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	if all {
		d.log.Info("stop all")
		err := d.eng.StopAll(ctx)
		d.publish(d.agg.Snapshot(nil))
		return err
	}
	set, err := d.withDependents(names, false)
	if err != nil {
		return err
	}
	d.log.Info("stop", "services", names, "with_dependents", len(set)-len(names))
	err = d.eng.Stop(ctx, set)
	d.publish(d.agg.Snapshot(nil))
	return err
}

// Restart stops and starts the named services and their dependents that had
// been started. With all set, every service that is not Pending is
// restarted, or everything if none has been started yet.
func (d *Dispatcher) Restart(ctx context.Context, names []string, all bool, timeout time.Duration) (status.StartReport, error) {
	d.cmd.Lock()
	defer d.cmd.Unlock()

	var set []registry.Index
	if all {
		for i := range d.oc.Registry.Len() {
			if d.oc.Table.State(registry.Index(i)) != state.Pending {
				set = append(set, registry.Index(i))
			}
		}
		if len(set) == 0 {
			return d.start(ctx, StartRequest{Mode: ModeFull, Timeout: timeout})
		}
	} else {
		var err error
		if set, err = d.withDependents(names, true); err != nil {
			return status.StartReport{Error: err.Error(), ExitCode: status.ExitConfigError}, err
		}
	}
	d.log.Info("restart", "services", d.names(set))
	if err := d.eng.Stop(ctx, set); err != nil {
		d.log.Warn("restart: stop reported errors", "error", err)
	}
	return d.start(ctx, StartRequest{Names: d.names(set), Timeout: timeout})
}

// withDependents resolves names and adds their transitive dependents. With
// startedOnly, dependents that were never started are left out.
func (d *Dispatcher) withDependents(names []string, startedOnly bool) ([]registry.Index, error) {
	reg := d.oc.Registry
	seen := map[registry.Index]bool{}
	var out []registry.Index
	add := func(i registry.Index) {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	for _, n := range names {
		i, ok := reg.Index(n)
		if !ok {
			return nil, fmt.Errorf("%w: %s", orcherr.ErrUnknownService, n)
		}
		add(i)
	}
	for _, n := range names {
		i, _ := reg.Index(n)
		for _, dep := range reg.TransitiveDependents(i) {
			if startedOnly && d.oc.Table.State(dep) == state.Pending {
				continue
			}
			add(dep)
		}
	}
	return out, nil
}

func (d *Dispatcher) names(set []registry.Index) []string {
	out := make([]string, len(set))
	for k, i := range set {
		out[k] = d.oc.Registry.At(i).Name
	}
	return out
}

// Status returns the snapshot of every service and refreshes the readiness
// gauges.
func (d *Dispatcher) Status() status.SystemSnapshot {
	snap := d.agg.Snapshot(nil)
	d.publish(snap)
	return snap
}

// Logs writes the last tail lines of a service's output to w (tail <= 0
// writes everything buffered). With follow it then streams new lines until
// ctx is done.
func (d *Dispatcher) Logs(ctx context.Context, service string, tail int, follow bool, w io.Writer) error {
	i, ok := d.oc.Registry.Index(service)
	if !ok {
		return fmt.Errorf("%w: %s", orcherr.ErrUnknownService, service)
	}
	buf := d.eng.Output(i)
	if buf == nil {
		if err := d.fileTail(i, tail, w); err != nil {
			return err
		}
		if follow {
			return fmt.Errorf("%s: %w", service, ErrNoOutput)
		}
		return nil
	}

	var (
		head  []string
		lines <-chan string
	)
	if follow {
		var cancel func()
		head, lines, cancel = buf.TailAndSubscribe(tail)
		defer cancel()
	} else {
		head = buf.Tail(tail)
	}
	for _, l := range head {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	flush(w)
	if !follow {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(w, l); err != nil {
				return err
			}
			flush(w)
		}
	}
}

// fileTail serves logs from the capture file when nothing was captured in
// memory by this process.
func (d *Dispatcher) fileTail(i registry.Index, tail int, w io.Writer) error {
	path := d.eng.LogPath(i)
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func flush(w io.Writer) {
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Shutdown stops every service, then stops the engine's pollers and drains
// the history recorder.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	err := d.eng.StopAll(ctx)
	d.eng.Close()
	if cerr := d.opts.Recorder.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
