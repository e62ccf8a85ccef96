// Package config loads a stackup configuration file (TOML, YAML or JSON) into
// validated registry descriptors and orchestrator settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackup/internal/dispatcher"
	"github.com/loykin/stackup/internal/engine"
	"github.com/loykin/stackup/internal/env"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STACKUP"

// FileConfig is the raw shape of a configuration file.
type FileConfig struct {
	Env          []string              `toml:"env" mapstructure:"env"`
	EnvFiles     []string              `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv     bool                  `toml:"use_os_env" mapstructure:"use_os_env"`
	Orchestrator OrchestratorConfig    `toml:"orchestrator" mapstructure:"orchestrator"`
	Health       HealthConfig          `toml:"health" mapstructure:"health"`
	Log          *LogConfig            `toml:"log" mapstructure:"log"`
	Server       *ServerConfig         `toml:"server" mapstructure:"server"`
	Metrics      MetricsConfig         `toml:"metrics" mapstructure:"metrics"`
	History      HistoryConfig         `toml:"history" mapstructure:"history"`
	Modes        map[string]ModeConfig `toml:"modes" mapstructure:"modes"`
	Services     []ServiceConfig       `toml:"services" mapstructure:"services"`
}

type OrchestratorConfig struct {
	MaxConcurrency int           `toml:"max_concurrency" mapstructure:"max_concurrency"`
	IssuedGrace    time.Duration `toml:"issued_grace" mapstructure:"issued_grace"`
	LaunchCheck    time.Duration `toml:"launch_check" mapstructure:"launch_check"`
	StopGrace      time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	CheckHostPorts *bool         `toml:"check_host_ports" mapstructure:"check_host_ports"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"` // default start timeout
	ReportPath     string        `toml:"report_path" mapstructure:"report_path"`
}

// HealthConfig holds poller-wide settings; per-service checks live on the
// service.
type HealthConfig struct {
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	MaxInterval  time.Duration `toml:"max_interval" mapstructure:"max_interval"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	DegradeAfter int           `toml:"degrade_after" mapstructure:"degrade_after"`
	FailAfter    int           `toml:"fail_after" mapstructure:"fail_after"`
	RestartBase  time.Duration `toml:"restart_base" mapstructure:"restart_base"`
	RestartCap   time.Duration `toml:"restart_cap" mapstructure:"restart_cap"`
}

// LogConfig covers both the operator log and the default output capture
// settings for services.
type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	ShowTime   bool   `toml:"show_time" mapstructure:"show_time"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	TailLines  int    `toml:"tail_lines" mapstructure:"tail_lines"`
}

func (l *LogConfig) capture() logger.Config {
	if l == nil {
		return logger.Config{}
	}
	return logger.Config{
		Dir:        l.Dir,
		StdoutPath: l.Stdout,
		StderrPath: l.Stderr,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
		TailLines:  l.TailLines,
	}
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	// Resources samples CPU and memory of each service's main process.
	Resources        bool          `toml:"resources" mapstructure:"resources"`
	ResourceInterval time.Duration `toml:"resource_interval" mapstructure:"resource_interval"`
}

// HistoryConfig lists history sink DSNs (sqlite://, postgres://,
// clickhouse://, opensearch://).
type HistoryConfig struct {
	DSNs      []string `toml:"dsns" mapstructure:"dsns"`
	QueueSize int      `toml:"queue_size" mapstructure:"queue_size"`
}

// ModeConfig defines or overrides a start mode.
type ModeConfig struct {
	Services []string `toml:"services" mapstructure:"services"`
	Tags     []string `toml:"tags" mapstructure:"tags"`
	Exclude  []string `toml:"exclude" mapstructure:"exclude"`
}

type ServiceConfig struct {
	Name      string                    `toml:"name" mapstructure:"name"`
	Kind      string                    `toml:"kind" mapstructure:"kind"` // compose|script|exec
	Command   string                    `toml:"command" mapstructure:"command"`
	Compose   process.ComposeInvocation `toml:"compose" mapstructure:"compose"`
	Script    process.PackageScript     `toml:"script" mapstructure:"script"`
	WorkDir   string                    `toml:"workdir" mapstructure:"workdir"`
	Env       []string                  `toml:"env" mapstructure:"env"`
	DependsOn []string                  `toml:"depends_on" mapstructure:"depends_on"`
	Priority  int                       `toml:"priority" mapstructure:"priority"`
	Tags      []string                  `toml:"tags" mapstructure:"tags"`
	Ports     []int                     `toml:"ports" mapstructure:"ports"`
	StopGrace time.Duration             `toml:"stop_grace" mapstructure:"stop_grace"`
	Health    *HealthCheckConfig        `toml:"health" mapstructure:"health"`
	Restart   RestartConfig             `toml:"restart" mapstructure:"restart"`
	Log       *LogConfig                `toml:"log" mapstructure:"log"`
}

type HealthCheckConfig struct {
	Kind           string        `toml:"kind" mapstructure:"kind"` // http|tcp|command
	URL            string        `toml:"url" mapstructure:"url"`
	ExpectedStatus []int         `toml:"expected_status" mapstructure:"expected_status"`
	BodyContains   string        `toml:"body_contains" mapstructure:"body_contains"`
	JSONStatus     bool          `toml:"json_status" mapstructure:"json_status"`
	Address        string        `toml:"address" mapstructure:"address"`
	Command        string        `toml:"command" mapstructure:"command"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type RestartConfig struct {
	MaxRetries  int           `toml:"max_retries" mapstructure:"max_retries"`
	BackoffBase time.Duration `toml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap  time.Duration `toml:"backoff_cap" mapstructure:"backoff_cap"`
}

// Config is a loaded, validated configuration.
type Config struct {
	Path     string
	Registry *registry.Registry
	Engine   engine.Settings
	Env      *env.Env
	Modes    dispatcher.Modes
	Log      logger.Options

	DefaultTimeout time.Duration
	ReportPath     string

	Server           ServerConfig
	Metrics          bool
	Resources        bool
	ResourceInterval time.Duration

	HistoryDSNs  []string
	HistoryQueue int
}

// Dispatcher returns dispatcher options derived from the configuration. The
// recorder is left for the caller to attach.
func (c *Config) Dispatcher() dispatcher.Options {
	return dispatcher.Options{
		Modes:          c.Modes,
		DefaultTimeout: c.DefaultTimeout,
		ReportPath:     c.ReportPath,
	}
}

// Load reads the file at path and builds a Config. Every problem with the
// service table is reported in one *orcherr.ConfigError.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("toml")
	}
	bindEnv(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, &orcherr.ConfigError{Problems: []string{fmt.Sprintf("read %s: %v", path, err)}}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, &orcherr.ConfigError{Problems: []string{fmt.Sprintf("decode %s: %v", path, err)}}
	}
	cfg, err := Build(fc, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// bindEnv maps the short STACKUP_* variables onto their config keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("orchestrator.max_concurrency", EnvPrefix+"_MAX_CONCURRENCY")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL")
	_ = v.BindEnv("log.format", EnvPrefix+"_LOG_FORMAT")
	_ = v.BindEnv("server.listen", EnvPrefix+"_LISTEN")
}

// Build converts a decoded FileConfig. Relative paths resolve against baseDir.
func Build(fc FileConfig, baseDir string) (*Config, error) {
	cerr := &orcherr.ConfigError{}
	cfg := &Config{
		Engine:           engine.DefaultSettings(),
		DefaultTimeout:   DefaultStartTimeout,
		Server:           ServerConfig{Listen: DefaultListen, BasePath: DefaultBasePath},
		Metrics:          fc.Metrics.Enabled,
		Resources:        fc.Metrics.Resources,
		ResourceInterval: fc.Metrics.ResourceInterval,
		HistoryQueue:     fc.History.QueueSize,
	}
	applyOrchestrator(&cfg.Engine, fc.Orchestrator)
	applyHealth(&cfg.Engine, fc.Health)
	if err := cfg.Engine.Health.Validate(); err != nil {
		cerr.Add("health: %v", err)
	}
	if cfg.Engine.MaxConcurrency < 1 {
		cerr.Add("orchestrator: max_concurrency must be >= 1, got %d", cfg.Engine.MaxConcurrency)
	}
	if fc.Orchestrator.Timeout > 0 {
		cfg.DefaultTimeout = fc.Orchestrator.Timeout
	}
	if fc.Orchestrator.ReportPath != "" {
		cfg.ReportPath = resolve(baseDir, fc.Orchestrator.ReportPath)
	}

	if fc.Log != nil {
		cfg.Log = logger.Options{Level: fc.Log.Level, Format: fc.Log.Format, ShowTime: fc.Log.ShowTime}
		if _, err := logger.NewHandler(cfg.Log); err != nil {
			cerr.Add("log: %v", err)
		}
	}
	cfg.Engine.Log = resolveLog(baseDir, fc.Log.capture())

	if fc.Server != nil {
		if fc.Server.Listen != "" {
			cfg.Server.Listen = fc.Server.Listen
		}
		if fc.Server.BasePath != "" {
			cfg.Server.BasePath = fc.Server.BasePath
		}
	}

	for _, dsn := range fc.History.DSNs {
		if dsn = strings.TrimSpace(dsn); dsn != "" {
			cfg.HistoryDSNs = append(cfg.HistoryDSNs, dsn)
		}
	}

	e := env.New(fc.UseOSEnv)
	for _, f := range fc.EnvFiles {
		if err := e.LoadFile(resolve(baseDir, f)); err != nil {
			cerr.Add("env_files: %v", err)
		}
	}
	e.Apply(fc.Env)
	cfg.Env = e

	descs := make([]registry.Descriptor, 0, len(fc.Services))
	for _, sc := range fc.Services {
		d, err := buildDescriptor(sc, baseDir)
		if err != nil {
			cerr.Add("service %q: %v", sc.Name, err)
			continue
		}
		descs = append(descs, applyServiceEnv(d))
	}
	if len(fc.Services) == 0 {
		cerr.Add("no services declared")
	}

	overrides := make(dispatcher.Modes, len(fc.Modes))
	for name, m := range fc.Modes {
		overrides[name] = registry.Selection{Names: m.Services, Tags: m.Tags, Exclude: m.Exclude}
	}
	cfg.Modes = dispatcher.DefaultModes().With(overrides)

	reg, err := registry.Load(descs)
	if err != nil {
		var ce *orcherr.ConfigError
		if errors.As(err, &ce) {
			cerr.Problems = append(cerr.Problems, ce.Problems...)
			cerr.Cycle = ce.Cycle
		} else {
			cerr.Add("%v", err)
		}
	}
	declared := make(map[string]bool, len(fc.Services))
	for _, sc := range fc.Services {
		declared[sc.Name] = true
	}
	for _, name := range cfg.Modes.Names() {
		for _, n := range overrides[name].Names {
			if !declared[n] {
				cerr.Add("mode %q names unknown service %q", name, n)
			}
		}
	}
	if err := cerr.OrNil(); err != nil {
		return nil, err
	}
	cfg.Registry = reg
	return cfg, nil
}

func applyOrchestrator(s *engine.Settings, o OrchestratorConfig) {
	if o.MaxConcurrency != 0 {
		s.MaxConcurrency = o.MaxConcurrency
	}
	if o.IssuedGrace > 0 {
		s.IssuedGrace = o.IssuedGrace
	}
	if o.LaunchCheck > 0 {
		s.LaunchCheck = o.LaunchCheck
	}
	if o.StopGrace > 0 {
		s.StopGrace = o.StopGrace
	}
	if o.CheckHostPorts != nil {
		s.CheckHostPorts = *o.CheckHostPorts
	}
}

func applyHealth(s *engine.Settings, h HealthConfig) {
	hs := &s.Health
	if h.Interval > 0 {
		hs.Interval = h.Interval
	}
	if h.MaxInterval > 0 {
		hs.MaxInterval = h.MaxInterval
	}
	if h.Timeout > 0 {
		hs.Timeout = h.Timeout
	}
	if h.DegradeAfter != 0 {
		hs.DegradeAfter = h.DegradeAfter
	}
	if h.FailAfter != 0 {
		hs.FailAfter = h.FailAfter
	}
	if h.RestartBase > 0 {
		hs.RestartBase = h.RestartBase
	}
	if h.RestartCap > 0 {
		hs.RestartCap = h.RestartCap
	}
}

func buildDescriptor(sc ServiceConfig, baseDir string) (registry.Descriptor, error) {
	kind := sc.Kind
	if kind == "" {
		kind = inferKind(sc)
	}
	l, err := process.Parse(kind, sc.Compose, sc.Script, sc.Command)
	if err != nil {
		return registry.Descriptor{}, err
	}
	d := registry.Descriptor{
		Name:      sc.Name,
		Launch:    l,
		WorkDir:   resolve(baseDir, sc.WorkDir),
		Env:       sc.Env,
		DependsOn: sc.DependsOn,
		Priority:  sc.Priority,
		Ports:     sc.Ports,
		Tags:      sc.Tags,
		StopGrace: sc.StopGrace,
		Restart: registry.RestartPolicy{
			MaxRetries:  sc.Restart.MaxRetries,
			BackoffBase: sc.Restart.BackoffBase,
			BackoffCap:  sc.Restart.BackoffCap,
		},
		Log: resolveLog(baseDir, sc.Log.capture()),
	}
	if h := sc.Health; h != nil {
		d.Health = &registry.HealthCheck{
			Kind:           registry.CheckKind(strings.ToLower(h.Kind)),
			URL:            h.URL,
			ExpectedStatus: h.ExpectedStatus,
			BodyContains:   h.BodyContains,
			JSONStatus:     h.JSONStatus,
			Address:        h.Address,
			Command:        h.Command,
			Timeout:        h.Timeout,
		}
		if d.Health.Kind == "" {
			d.Health.Kind = inferCheck(h)
		}
	}
	return d, nil
}

func inferKind(sc ServiceConfig) string {
	switch {
	case sc.Compose.File != "":
		return string(process.KindCompose)
	case sc.Script.Script != "":
		return string(process.KindScript)
	default:
		return string(process.KindExec)
	}
}

func inferCheck(h *HealthCheckConfig) registry.CheckKind {
	switch {
	case h.Address != "":
		return registry.CheckTCP
	case h.Command != "":
		return registry.CheckCommand
	default:
		return registry.CheckHTTP
	}
}

// applyServiceEnv applies STACKUP_<NAME>_PORT and STACKUP_<NAME>_WORKDIR.
// A port override replaces the first declared port and rewrites it in the
// health target.
func applyServiceEnv(d registry.Descriptor) registry.Descriptor {
	key := EnvPrefix + "_" + envName(d.Name)
	if wd, ok := os.LookupEnv(key + "_WORKDIR"); ok && wd != "" {
		d.WorkDir = wd
	}
	raw, ok := os.LookupEnv(key + "_PORT")
	if !ok || raw == "" {
		return d
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		// left for registry validation to reject
		port = -1
	}
	var old int
	if len(d.Ports) > 0 {
		old = d.Ports[0]
		d.Ports = append([]int{port}, d.Ports[1:]...)
	} else {
		d.Ports = []int{port}
	}
	if old > 0 && port > 0 && d.Health != nil {
		h := *d.Health
		from, to := ":"+strconv.Itoa(old), ":"+strconv.Itoa(port)
		h.URL = replacePort(h.URL, from, to)
		h.Address = replacePort(h.Address, from, to)
		d.Health = &h
	}
	return d
}

// replacePort swaps a ":<port>" occurrence that is not followed by another
// digit.
func replacePort(s, from, to string) string {
	for i := 0; i+len(from) <= len(s); i++ {
		if s[i:i+len(from)] != from {
			continue
		}
		end := i + len(from)
		if end < len(s) && s[end] >= '0' && s[end] <= '9' {
			continue
		}
		return s[:i] + to + s[end:]
	}
	return s
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func resolveLog(baseDir string, c logger.Config) logger.Config {
	c.Dir = resolve(baseDir, c.Dir)
	c.StdoutPath = resolve(baseDir, c.StdoutPath)
	c.StderrPath = resolve(baseDir, c.StderrPath)
	return c
}
