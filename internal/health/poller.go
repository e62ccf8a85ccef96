package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/state"
)

// Settings are the poller defaults; per-service values override them.
type Settings struct {
	Interval     time.Duration `json:"interval"`
	MaxInterval  time.Duration `json:"max_interval"`
	Timeout      time.Duration `json:"timeout"`
	DegradeAfter int           `json:"degrade_after"` // N
	FailAfter    int           `json:"fail_after"`    // M, >= N
	RestartBase  time.Duration `json:"restart_base"`
	RestartCap   time.Duration `json:"restart_cap"`
}

// DefaultSettings returns the built-in poller defaults.
func DefaultSettings() Settings {
	return Settings{
		Interval:     2 * time.Second,
		MaxInterval:  30 * time.Second,
		Timeout:      5 * time.Second,
		DegradeAfter: 3,
		FailAfter:    6,
		RestartBase:  time.Second,
		RestartCap:   30 * time.Second,
	}
}

// Validate checks threshold ordering.
func (s Settings) Validate() error {
	if s.DegradeAfter < 1 {
		return fmt.Errorf("degrade_after must be >= 1, got %d", s.DegradeAfter)
	}
	if s.FailAfter < s.DegradeAfter {
		return fmt.Errorf("fail_after (%d) must be >= degrade_after (%d)", s.FailAfter, s.DegradeAfter)
	}
	if s.Interval <= 0 || s.Timeout <= 0 {
		return errors.New("probe interval and timeout must be positive")
	}
	return nil
}

// Target is the running instance a poller watches. Exited is replaced after
// each relaunch, so the poller asks for it on every wait.
type Target interface {
	// Exited returns a channel closed when the current process exits, and
	// its exit code (valid once closed).
	Exited() (<-chan struct{}, func() int)
	// Relaunch stops what is left of the current run and starts a new one.
	// The engine writes Starting, or Failed if the launch fails.
	Relaunch(ctx context.Context) error
}

// Poller drives one service through Starting, Running, Degraded and Failed.
type Poller struct {
	Index    registry.Index
	Name     string
	Checker  Checker // nil: Running as soon as the launch succeeded
	Timeout  time.Duration
	Policy   registry.RestartPolicy
	Table    *state.Table
	Target   Target
	Settings Settings
	Logger   *slog.Logger
}

// Run polls until ctx is cancelled or the service reaches a terminal Failed.
// It owns no state other than the interval; everything else lives in Table.
func (p *Poller) Run(ctx context.Context) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", p.Name)
	interval := p.Settings.Interval
	var cleanExit <-chan struct{}

	for {
		if ctx.Err() != nil {
			return
		}
		exited, code := p.Target.Exited()
		if exited == cleanExit {
			// exited with code 0 earlier; health alone decides from here
			exited = nil
		}

		if p.Checker == nil {
			if p.Table.State(p.Index) == state.Starting {
				p.transition(log, state.Running, nil)
			}
			select {
			case <-ctx.Done():
				return
			case <-exited:
				if c := code(); c != 0 {
					if !p.fail(ctx, log, fmt.Errorf("%w with code %d", orcherr.ErrProcessExited, c)) {
						return
					}
					continue
				}
				// a zero exit is a detached launcher; nothing else to watch
				<-ctx.Done()
				return
			}
		}

		err := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		cur := p.Table.State(p.Index)
		if err == nil {
			p.Table.RecordProbe(p.Index, nil)
			interval = p.Settings.Interval
			if cur == state.Starting || cur == state.Degraded {
				p.transition(log, state.Running, nil)
			}
		} else {
			n := p.Table.RecordProbe(p.Index, err)
			log.Debug("health probe failed", "failures", n, "error", err)
			switch {
			case n >= p.Settings.FailAfter:
				if !p.fail(ctx, log, err) {
					return
				}
				interval = p.Settings.Interval
				continue
			case n >= p.Settings.DegradeAfter && cur == state.Running:
				p.transition(log, state.Degraded, err)
			}
			if n >= p.Settings.DegradeAfter {
				interval = min(interval*2, p.Settings.MaxInterval)
			}
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-exited:
			if c := code(); c != 0 {
				t.Stop()
				if !p.fail(ctx, log, fmt.Errorf("%w with code %d", orcherr.ErrProcessExited, c)) {
					return
				}
				interval = p.Settings.Interval
				continue
			}
			cleanExit = exited
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		case <-t.C:
		}
	}
}

func (p *Poller) probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = p.Settings.Timeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := p.Checker.Check(pctx)
	metrics.ObserveProbe(p.Name, err == nil, time.Since(start).Seconds())
	if err != nil {
		var he *orcherr.HealthCheckError
		if errors.As(err, &he) {
			he.Service = p.Name
			return he
		}
		return &orcherr.HealthCheckError{Service: p.Name, Target: p.Checker.Describe(), Err: err}
	}
	return nil
}

func (p *Poller) transition(log *slog.Logger, to state.State, err error) bool {
	if terr := p.Table.Transition(state.Poller, p.Index, to, err); terr != nil {
		log.Debug("transition rejected", "to", to, "error", terr)
		return false
	}
	if err != nil {
		log.Warn("service "+to.String(), "error", err)
	} else {
		log.Info("service " + to.String())
	}
	return true
}

// fail records Failed and applies the restart policy. It returns true when a
// relaunch was issued and polling should continue.
func (p *Poller) fail(ctx context.Context, log *slog.Logger, cause error) bool {
	for {
		if !p.transition(log, state.Failed, cause) && p.Table.State(p.Index) != state.Failed {
			return false
		}
		attempt := p.Table.Get(p.Index).Restarts
		if attempt >= p.Policy.MaxRetries {
			log.Error("restart budget exhausted", "restarts", attempt, "max_retries", p.Policy.MaxRetries)
			return false
		}
		p.Table.IncRestarts(p.Index)
		delay := p.Policy.Backoff(attempt, p.Settings.RestartBase, p.Settings.RestartCap)
		log.Info("restarting", "attempt", attempt+1, "backoff", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		metrics.IncRestart(p.Name)
		err := p.Target.Relaunch(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		// the engine recorded Failed with the launch error
		cause = err
	}
}
