package engine

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/health"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
	"github.com/loykin/stackup/internal/state"
)

// Settings tune the engine.
type Settings struct {
	MaxConcurrency int           `json:"max_concurrency"`
	IssuedGrace    time.Duration `json:"issued_grace"` // wait after issuing a tier
	LaunchCheck    time.Duration `json:"launch_check"` // window in which an exit counts as a launch failure
	StopGrace      time.Duration `json:"stop_grace"`
	CheckHostPorts bool          `json:"check_host_ports"`
	Health         health.Settings
	Log            logger.Config // defaults merged under each service's log settings
}

// DefaultSettings returns the built-in engine defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrency: 8,
		IssuedGrace:    500 * time.Millisecond,
		LaunchCheck:    250 * time.Millisecond,
		StopGrace:      10 * time.Second,
		CheckHostPorts: true,
		Health:         health.DefaultSettings(),
	}
}

// OrchestratorContext is everything the components of one orchestrator share.
// It is built once and passed explicitly; nothing is package-global.
type OrchestratorContext struct {
	Registry   *registry.Registry
	Table      *state.Table
	Settings   Settings
	Env        *env.Env
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewContext builds a context with a fresh state table.
func NewContext(reg *registry.Registry, settings Settings, e *env.Env, log *slog.Logger) *OrchestratorContext {
	if e == nil {
		e = env.New(true)
	}
	if log == nil {
		log = slog.Default()
	}
	return &OrchestratorContext{
		Registry:   reg,
		Table:      state.NewTable(reg),
		Settings:   settings,
		Env:        e,
		HTTPClient: &http.Client{},
		Logger:     log,
	}
}

// Handle is one launched instance of a service.
type Handle interface {
	PID() int
	Done() <-chan struct{}
	ExitCode() int
	Stop(grace time.Duration) (forced bool, err error)
}

// Launcher spawns services. Tests substitute a counting fake.
type Launcher interface {
	Launch(d registry.Descriptor, opts process.Options) (Handle, error)
}

// ProcessLauncher spawns real OS processes.
type ProcessLauncher struct{}

func (ProcessLauncher) Launch(d registry.Descriptor, opts process.Options) (Handle, error) {
	return process.Start(d.Launch, opts)
}
