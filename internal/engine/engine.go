package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/loykin/stackup/internal/health"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/resolver"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/status"
)

// run is one live instance of a service and the poller watching it. The
// poller survives relaunches; handle and capture are swapped underneath it.
type run struct {
	handle     Handle
	capture    *logger.Capture
	cancel     context.CancelFunc
	pollerDone chan struct{}
}

func (r *run) polling() bool {
	if r == nil || r.pollerDone == nil {
		return false
	}
	select {
	case <-r.pollerDone:
		return false
	default:
		return true
	}
}

// StartOptions select what a Start launches.
type StartOptions struct {
	Selection registry.Selection
	// Force restarts services that are already active.
	Force bool
	// Timeout is reported in errors when ctx expires; the deadline itself
	// comes from ctx.
	Timeout time.Duration
	Mode    string
}

// Engine launches and stops services in dependency order.
type Engine struct {
	oc       *OrchestratorContext
	launcher Launcher
	ports    *PortTable
	log      *slog.Logger
	// slots caps concurrent spawns, from Start and from poller relaunches.
	slots *semaphore.Weighted

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runs    []*run
	buffers []*logger.RingBuffer
	// svc serialises launch, relaunch and teardown per service. A channel is
	// used so a relaunch can give up when its poller is cancelled.
	svc []chan struct{}
}

// New creates an engine. A nil launcher spawns real processes.
func New(oc *OrchestratorContext, launcher Launcher) *Engine {
	if launcher == nil {
		launcher = ProcessLauncher{}
	}
	n := oc.Registry.Len()
	e := &Engine{
		oc:       oc,
		launcher: launcher,
		ports:    NewPortTable(oc.Settings.CheckHostPorts),
		log:      oc.Logger.With("component", "engine"),
		slots:    semaphore.NewWeighted(int64(max(1, oc.Settings.MaxConcurrency))),
		runs:     make([]*run, n),
		buffers:  make([]*logger.RingBuffer, n),
		svc:      make([]chan struct{}, n),
	}
	for i := range e.svc {
		e.svc[i] = make(chan struct{}, 1)
	}
	e.base, e.cancel = context.WithCancel(context.Background())
	oc.Table.Observe(func(tr state.Transition) {
		metrics.RecordStateTransition(tr.Service, tr.From.String(), tr.To.String())
	})
	return e
}

// Context returns the shared orchestrator context.
func (e *Engine) Context() *OrchestratorContext { return e.oc }

// Ports exposes the port reservation table.
func (e *Engine) Ports() *PortTable { return e.ports }

// Start launches the selected services and their dependencies tier by tier.
// It returns once every targeted service has been issued, blocked or skipped;
// readiness is the caller's concern. Only a cycle is returned as an error,
// in which case nothing was launched.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (status.StartReport, error) {
	reg, tb := e.oc.Registry, e.oc.Table
	report := status.StartReport{Mode: opts.Mode, Started: time.Now()}

	targets := reg.Select(opts.Selection)
	tiers, err := resolver.Tiers(reg.Graph(), targets)
	if err != nil {
		report.Error = err.Error()
		report.ExitCode = status.ExitConfigError
		return report, err
	}
	for _, t := range tiers {
		names := make([]string, len(t))
		for k, i := range t {
			names[k] = reg.At(i).Name
		}
		report.Tiers = append(report.Tiers, names)
	}

	skip := make(map[registry.Index]bool)
	for _, i := range targets {
		if e.active(i) {
			if !opts.Force {
				skip[i] = true
				report.Skipped = append(report.Skipped, reg.At(i).Name)
				continue
			}
			e.teardown(ctx, i)
		} else if e.current(i) != nil {
			e.teardown(ctx, i)
		}
		if tb.State(i) != state.Pending {
			_ = tb.Transition(state.Engine, i, state.Pending, nil)
		}
		tb.ResetRestarts(i)
	}

	// Each service waits on its own dependencies only, so a slow branch
	// does not hold back an independent one. Tiers still gate issuance.
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for ti, tier := range tiers {
		issued := 0
		for _, i := range tier {
			if skip[i] {
				continue
			}
			issued++
			g.Go(func() error {
				if dep, cause := e.awaitDeps(ctx, i, opts.Timeout); dep != "" {
					e.block(i, dep, cause)
					return nil
				}
				if !e.launch(ctx, i) {
					e.expire(i, opts.Timeout)
					return nil
				}
				mu.Lock()
				report.Launched = append(report.Launched, reg.At(i).Name)
				mu.Unlock()
				return nil
			})
		}
		if issued > 0 && ti < len(tiers)-1 {
			sleepCtx(ctx, e.oc.Settings.IssuedGrace)
		}
	}
	_ = g.Wait()

	snap := status.NewAggregator(reg, tb).Snapshot(targets)
	report.Finalize(snap, ctx.Err() != nil)
	return report, nil
}

// awaitDeps waits until every dependency of i is Running. It returns the
// name of the first dependency that cannot become Running, with the cause.
func (e *Engine) awaitDeps(ctx context.Context, i registry.Index, timeout time.Duration) (string, error) {
	reg, tb := e.oc.Registry, e.oc.Table
	for _, d := range reg.Deps(i) {
		s, err := tb.Wait(ctx, d, func(s state.State) bool {
			return s == state.Running || e.hopeless(d, s)
		})
		name := reg.At(d).Name
		if err != nil {
			return name, &orcherr.StartTimeoutError{Timeout: timeout, NotReady: []string{name}}
		}
		if s != state.Running {
			if cause := tb.Get(d).LastError; cause != nil {
				return name, cause
			}
			return name, fmt.Errorf("dependency %s is %s", name, s)
		}
	}
	return "", nil
}

// hopeless reports whether a dependency in state s will not reach Running
// without operator action.
func (e *Engine) hopeless(i registry.Index, s state.State) bool {
	switch s {
	case state.Blocked, state.Stopped:
		return true
	case state.Failed:
		return !e.current(i).polling()
	}
	return false
}

// Settled reports whether service i is Running or will not get there
// without operator action.
func (e *Engine) Settled(i registry.Index) bool {
	s := e.oc.Table.State(i)
	return s == state.Running || e.hopeless(i, s)
}

func (e *Engine) block(i registry.Index, dep string, cause error) {
	name := e.oc.Registry.At(i).Name
	err := &orcherr.DependencyBlockedError{Service: name, Dependency: dep, Cause: cause}
	if terr := e.oc.Table.Transition(state.Engine, i, state.Blocked, err); terr != nil {
		e.log.Debug("block rejected", "service", name, "error", terr)
		return
	}
	e.log.Warn("service blocked", "service", name, "dependency", dep, "error", cause)
}

// expire marks service i Blocked because the start deadline passed before
// it could be launched.
func (e *Engine) expire(i registry.Index, timeout time.Duration) {
	name := e.oc.Registry.At(i).Name
	err := &orcherr.StartTimeoutError{Timeout: timeout, NotReady: []string{name}}
	if terr := e.oc.Table.Transition(state.Engine, i, state.Blocked, err); terr != nil {
		e.log.Debug("expire rejected", "service", name, "error", terr)
		return
	}
	e.log.Warn("service not launched before deadline", "service", name)
}

// launch spawns service i and hands it to a poller. It returns false without
// launching when ctx ends before a launch slot is free. Launch failures are
// recorded on the service.
func (e *Engine) launch(ctx context.Context, i registry.Index) bool {
	d := e.oc.Registry.At(i)
	tb := e.oc.Table
	e.svc[i] <- struct{}{}
	defer func() { <-e.svc[i] }()

	if ctx.Err() != nil {
		return false
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	r, err := e.spawn(i)
	e.slots.Release(1)
	if err != nil {
		lerr := &orcherr.LaunchError{Service: d.Name, Err: err}
		_ = tb.Transition(state.Engine, i, state.Failed, lerr)
		e.log.Error("launch failed", "service", d.Name, "error", err)
		return true
	}
	if err := tb.Transition(state.Engine, i, state.Starting, nil); err != nil {
		e.log.Warn("launch raced with a state change", "service", d.Name, "error", err)
	}
	tb.SetPID(i, r.handle.PID())
	e.log.Info("service launched", "service", d.Name, "pid", r.handle.PID(), "launch", d.Launch.String())

	pctx, cancel := context.WithCancel(e.base)
	r.cancel = cancel
	r.pollerDone = make(chan struct{})
	e.setRun(i, r)

	p := &health.Poller{
		Index:    i,
		Name:     d.Name,
		Checker:  health.NewChecker(d.Health, e.oc.HTTPClient),
		Policy:   d.Restart,
		Table:    tb,
		Target:   &serviceTarget{e: e, i: i},
		Settings: e.oc.Settings.Health,
		Logger:   e.oc.Logger,
	}
	if d.Health != nil {
		p.Timeout = d.Health.Timeout
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		p.Run(pctx)
		close(r.pollerDone)
		// dependents waiting on a Failed service re-check whether a restart
		// is still pending
		tb.Notify(i)
	}()
	return true
}

// spawn starts one process for service i. A non-zero exit inside the launch
// check window is a launch failure.
func (e *Engine) spawn(i registry.Index) (*run, error) {
	d := e.oc.Registry.At(i)
	kind := string(d.Launch.Kind())
	if err := e.ports.Reserve(i, d.Ports); err != nil {
		metrics.IncLaunch(d.Name, kind, false)
		return nil, err
	}
	lc := d.Log.Merge(e.oc.Settings.Log)
	if err := ensureLogDirs(lc, d.Name); err != nil {
		e.ports.Release(i)
		metrics.IncLaunch(d.Name, kind, false)
		return nil, err
	}
	capt := lc.Writers(d.Name, e.buffer(i, lc))
	opts := process.Options{
		Name:    d.Name,
		WorkDir: d.WorkDir,
		Env:     e.oc.Env.Merge(d.Env),
		Stdout:  capt.Stdout,
		Stderr:  capt.Stderr,
	}
	h, err := e.launcher.Launch(d, opts)
	if err != nil {
		_ = capt.Close()
		e.ports.Release(i)
		metrics.IncLaunch(d.Name, kind, false)
		return nil, err
	}
	if wait := e.oc.Settings.LaunchCheck; wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-h.Done():
			t.Stop()
			if code := h.ExitCode(); code != 0 {
				_ = capt.Close()
				e.ports.Release(i)
				metrics.IncLaunch(d.Name, kind, false)
				return nil, fmt.Errorf("%w with code %d", orcherr.ErrProcessExited, code)
			}
		case <-t.C:
		}
	}
	metrics.IncLaunch(d.Name, kind, true)
	return &run{handle: h, capture: capt}, nil
}

func ensureLogDirs(c logger.Config, name string) error {
	for _, p := range []string{c.FilePath(name), c.StderrPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("log dir for %s: %w", name, err)
		}
	}
	return nil
}

// relaunch replaces the current instance of service i. It is called by the
// service's poller after a failure.
func (e *Engine) relaunch(ctx context.Context, i registry.Index) error {
	select {
	case e.svc[i] <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.svc[i] }()
	if err := ctx.Err(); err != nil {
		return err
	}
	d := e.oc.Registry.At(i)
	tb := e.oc.Table

	cur := e.current(i)
	if cur != nil && cur.handle != nil {
		if _, err := cur.handle.Stop(e.grace(d)); err != nil {
			e.log.Warn("stop before restart", "service", d.Name, "error", err)
		}
		_ = cur.capture.Close()
		e.ports.Release(i)
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	nr, err := e.spawn(i)
	e.slots.Release(1)
	if err != nil {
		lerr := &orcherr.LaunchError{Service: d.Name, Err: err}
		_ = tb.Transition(state.Engine, i, state.Failed, lerr)
		e.log.Error("relaunch failed", "service", d.Name, "error", err)
		return lerr
	}
	e.mu.Lock()
	if cur != nil {
		cur.handle, cur.capture = nr.handle, nr.capture
	} else {
		e.runs[i] = nr
	}
	e.mu.Unlock()
	if err := tb.Transition(state.Engine, i, state.Starting, nil); err != nil {
		e.log.Warn("relaunch raced with a state change", "service", d.Name, "error", err)
	}
	tb.SetPID(i, nr.handle.PID())
	e.log.Info("service relaunched", "service", d.Name, "pid", nr.handle.PID())
	return nil
}

// Stop stops the given services, dependents before their dependencies, and
// leaves each one Stopped. Stopping an already stopped service is a no-op.
func (e *Engine) Stop(ctx context.Context, indices []registry.Index) error {
	tiers, err := resolver.Tiers(e.oc.Registry.Graph(), indices)
	if err != nil {
		return err
	}
	limit := max(1, e.oc.Settings.MaxConcurrency)
	var mu sync.Mutex
	var errs []error
	for t := len(tiers) - 1; t >= 0; t-- {
		var g errgroup.Group
		g.SetLimit(limit)
		for _, i := range tiers[t] {
			g.Go(func() error {
				if err := e.stopOne(ctx, i); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return errors.Join(errs...)
}

// StopAll stops every registered service and clears restart counters.
func (e *Engine) StopAll(ctx context.Context) error {
	all := make([]registry.Index, e.oc.Registry.Len())
	for i := range all {
		all[i] = registry.Index(i)
	}
	err := e.Stop(ctx, all)
	for _, i := range all {
		e.oc.Table.ResetRestarts(i)
	}
	return err
}

func (e *Engine) stopOne(ctx context.Context, i registry.Index) error {
	d := e.oc.Registry.At(i)
	had, forced, err := e.teardown(ctx, i)
	if had {
		metrics.IncStop(d.Name, forced)
		if forced {
			e.log.Warn("service killed after grace period", "service", d.Name)
		} else {
			e.log.Info("service stopped", "service", d.Name)
		}
	}
	if e.oc.Table.State(i) != state.Stopped {
		_ = e.oc.Table.Transition(state.Engine, i, state.Stopped, nil)
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", d.Name, err)
	}
	return nil
}

// teardown cancels the poller of service i, then stops its process.
func (e *Engine) teardown(ctx context.Context, i registry.Index) (had, forced bool, err error) {
	e.cancelPoller(i)
	e.svc[i] <- struct{}{}
	defer func() { <-e.svc[i] }()
	// a launch may have finished while we waited for the lock
	e.cancelPoller(i)

	e.mu.Lock()
	r := e.runs[i]
	e.runs[i] = nil
	e.mu.Unlock()
	if r == nil || r.handle == nil {
		return false, false, nil
	}
	grace := e.grace(e.oc.Registry.At(i))
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(0, time.Until(dl)))
	}
	forced, err = r.handle.Stop(grace)
	_ = r.capture.Close()
	e.ports.Release(i)
	return true, forced, err
}

func (e *Engine) cancelPoller(i registry.Index) {
	r := e.current(i)
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
	<-r.pollerDone
}

func (e *Engine) grace(d registry.Descriptor) time.Duration {
	if d.StopGrace > 0 {
		return d.StopGrace
	}
	return e.oc.Settings.StopGrace
}

// active reports whether service i has a live instance under supervision.
func (e *Engine) active(i registry.Index) bool {
	switch e.oc.Table.State(i) {
	case state.Running, state.Starting, state.Degraded:
		return true
	}
	return e.current(i).polling()
}

func (e *Engine) current(i registry.Index) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[i]
}

func (e *Engine) setRun(i registry.Index, r *run) {
	e.mu.Lock()
	e.runs[i] = r
	e.mu.Unlock()
}

func (e *Engine) buffer(i registry.Index, c logger.Config) *logger.RingBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buffers[i] == nil {
		n := c.TailLines
		if n <= 0 {
			n = logger.DefaultTailLines
		}
		e.buffers[i] = logger.NewRingBuffer(n)
	}
	return e.buffers[i]
}

// Output returns the captured output buffer of a service, or nil if it was
// never launched.
func (e *Engine) Output(i registry.Index) *logger.RingBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[i]
}

// LogPath returns the file a service's stdout is written to, or "".
func (e *Engine) LogPath(i registry.Index) string {
	d := e.oc.Registry.At(i)
	return d.Log.Merge(e.oc.Settings.Log).FilePath(d.Name)
}

// Close stops every poller. Processes are left alone; call StopAll first to
// stop them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
