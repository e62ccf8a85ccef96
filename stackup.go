// Package stackup is the embedding facade over the orchestrator: load a
// configuration, then start, stop and watch the declared service stack.
package stackup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/dispatcher"
	"github.com/loykin/stackup/internal/engine"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/history/factory"
	"github.com/loykin/stackup/internal/metrics"
	iapi "github.com/loykin/stackup/internal/server"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/status"
)

// Re-export core types for external consumers.

type Config = config.Config

type StartRequest = dispatcher.StartRequest

type StartReport = status.StartReport

type Snapshot = status.SystemSnapshot

type HistorySink = history.Sink

type ResourceUsage = metrics.Usage

// Exit codes carried by StartReport.ExitCode.
const (
	ExitReady       = status.ExitReady
	ExitPartial     = status.ExitPartial
	ExitConfigError = status.ExitConfigError
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type options struct {
	launcher engine.Launcher
	logger   *slog.Logger
	sinks    []history.Sink
}

type Option func(*options)

// WithLauncher replaces the OS process launcher.
func WithLauncher(l engine.Launcher) Option { return func(o *options) { o.launcher = l } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHistorySinks adds sinks next to those named by the configuration.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// Stack is one running orchestrator.
type Stack struct {
	cfg       *Config
	d         *dispatcher.Dispatcher
	resources *metrics.ResourceCollector
	log       *slog.Logger
}

// Open loads the configuration at path and builds a Stack over it.
func Open(path string, opts ...Option) (*Stack, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New builds a Stack. Nothing is launched until Start.
func New(cfg *Config, opts ...Option) (*Stack, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	sinks, err := factory.NewSinks(cfg.HistoryDSNs)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	sinks = append(sinks, o.sinks...)
	var rec *history.Recorder
	if len(sinks) > 0 {
		rec = history.NewRecorder(cfg.HistoryQueue, o.logger.With("component", "history"), sinks...)
	}
	oc := engine.NewContext(cfg.Registry, cfg.Engine, cfg.Env, o.logger)
	dopts := cfg.Dispatcher()
	dopts.Recorder = rec
	d := dispatcher.New(engine.New(oc, o.launcher), dopts)
	s := &Stack{cfg: cfg, d: d, log: o.logger}
	if cfg.Resources {
		s.resources = metrics.NewResourceCollector(cfg.ResourceInterval, s.livePIDs)
		if cfg.Metrics {
			if err := s.resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				o.logger.Warn("register resource metrics", "error", err)
			}
		}
		s.resources.Start(context.Background())
	}
	return s, nil
}

// livePIDs lists the main process of every service that is up.
func (s *Stack) livePIDs() map[string]int32 {
	out := make(map[string]int32)
	for name, st := range s.d.Status().Services {
		if st.PID <= 0 {
			continue
		}
		switch st.State {
		case state.Starting, state.Running, state.Degraded:
			out[name] = int32(st.PID)
		}
	}
	return out
}

// Resources returns the latest resource samples; empty unless
// [metrics].resources is set.
func (s *Stack) Resources() []ResourceUsage {
	if s.resources == nil {
		return nil
	}
	return s.resources.Latest()
}

func (s *Stack) Config() *Config                   { return s.cfg }
func (s *Stack) Dispatcher() *dispatcher.Dispatcher { return s.d }

func (s *Stack) Start(ctx context.Context, req StartRequest) (StartReport, error) {
	return s.d.Start(ctx, req)
}

func (s *Stack) Stop(ctx context.Context, names []string, all bool) error {
	return s.d.Stop(ctx, names, all)
}

func (s *Stack) Restart(ctx context.Context, names []string, all bool, timeout time.Duration) (StartReport, error) {
	return s.d.Restart(ctx, names, all, timeout)
}

func (s *Stack) Status() Snapshot { return s.d.Status() }

func (s *Stack) Logs(ctx context.Context, service string, tail int, follow bool, w io.Writer) error {
	return s.d.Logs(ctx, service, tail, follow, w)
}

// Shutdown stops every service and flushes history.
func (s *Stack) Shutdown(ctx context.Context) error {
	if s.resources != nil {
		s.resources.Stop()
	}
	return s.d.Shutdown(ctx)
}

// Serve starts the HTTP API on the configured listen address.
func (s *Stack) Serve() (*http.Server, error) {
	return NewHTTPServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s, s.cfg.Metrics)
}

// NewHTTPServer starts an HTTP API for s on addr.
func NewHTTPServer(addr, basePath string, s *Stack, withMetrics bool) (*http.Server, error) {
	return iapi.Serve(addr, iapi.NewRouter(s.d, basePath, withMetrics).WithResources(s.resources))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
