package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadMinimal(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "stackup.toml", `
[[services]]
name = "demo"
command = "sleep 1"
`)
	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, file, cfg.Path)
	require.Equal(t, 1, cfg.Registry.Len())
	d := cfg.Registry.At(0)
	assert.Equal(t, "demo", d.Name)
	assert.Equal(t, process.DirectExecutable{Command: "sleep 1"}, d.Launch)
	assert.Nil(t, d.Health)
	assert.Equal(t, DefaultStartTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Contains(t, cfg.Modes, "minimal")
}

func TestLoadFull(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "global.env", "SHARED=from-file\n# comment\n")
	file := writeFile(t, dir, "stackup.toml", `
env = ["REGION=eu"]
env_files = ["global.env"]

[orchestrator]
max_concurrency = 3
issued_grace = "100ms"
launch_check = "50ms"
stop_grace = "2s"
check_host_ports = false
timeout = "90s"
report_path = "reports/last.json"

[health]
interval = "1s"
degrade_after = 2
fail_after = 4

[log]
level = "debug"
format = "json"
dir = "logs"
max_size_mb = 5

[server]
listen = "0.0.0.0:9000"

[metrics]
enabled = true

[history]
dsns = ["sqlite://history.db", " "]

[modes.ml]
tags = ["ai"]

[[services]]
name = "db"
compose = { file = "docker-compose.yml", services = ["postgres"] }
ports = [5432]
tags = ["core"]
health = { address = "127.0.0.1:5432" }

[[services]]
name = "api"
command = "./api --serve"
workdir = "api"
depends_on = ["db"]
priority = 2
tags = ["core"]
env = ["PORT=8000"]
stop_grace = "3s"
restart = { max_retries = 2, backoff_base = "500ms" }
  [services.health]
  url = "http://localhost:8000/health"
  expected_status = [200, 204]
  json_status = true
  timeout = "2s"

[[services]]
name = "web"
kind = "script"
script = { manager = "pnpm", script = "dev" }
depends_on = ["api"]
tags = ["dev"]
log = { dir = "/var/log/web" }
`)
	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.IssuedGrace)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.LaunchCheck)
	assert.Equal(t, 2*time.Second, cfg.Engine.StopGrace)
	assert.False(t, cfg.Engine.CheckHostPorts)
	assert.Equal(t, time.Second, cfg.Engine.Health.Interval)
	assert.Equal(t, 2, cfg.Engine.Health.DegradeAfter)
	assert.Equal(t, 4, cfg.Engine.Health.FailAfter)
	assert.Equal(t, 90*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, filepath.Join(dir, "reports/last.json"), cfg.ReportPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.Engine.Log.Dir)
	assert.Equal(t, 5, cfg.Engine.Log.MaxSizeMB)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, DefaultBasePath, cfg.Server.BasePath)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, []string{"sqlite://history.db"}, cfg.HistoryDSNs)
	assert.Equal(t, registry.Selection{Tags: []string{"ai"}}, cfg.Modes["ml"])

	merged := cfg.Env.Merge(nil)
	assert.Contains(t, merged, "SHARED=from-file")
	assert.Contains(t, merged, "REGION=eu")

	db, err := cfg.Registry.Lookup("db")
	require.NoError(t, err)
	assert.Equal(t, process.ComposeInvocation{File: "docker-compose.yml", Services: []string{"postgres"}}, db.Launch)
	require.NotNil(t, db.Health)
	assert.Equal(t, registry.CheckTCP, db.Health.Kind)

	api, err := cfg.Registry.Lookup("api")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "api"), api.WorkDir)
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.Equal(t, 2, api.Priority)
	assert.Equal(t, 3*time.Second, api.StopGrace)
	assert.Equal(t, 2, api.Restart.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, api.Restart.BackoffBase)
	require.NotNil(t, api.Health)
	assert.Equal(t, registry.CheckHTTP, api.Health.Kind)
	assert.Equal(t, []int{200, 204}, api.Health.ExpectedStatus)
	assert.True(t, api.Health.JSONStatus)
	assert.Equal(t, 2*time.Second, api.Health.Timeout)

	web, err := cfg.Registry.Lookup("web")
	require.NoError(t, err)
	assert.Equal(t, process.PackageScript{Manager: "pnpm", Script: "dev"}, web.Launch)
	assert.Equal(t, "/var/log/web", web.Log.Dir)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "stackup.yaml", `
services:
  - name: cache
    command: redis-server
    ports: [6379]
    tags: [core]
`)
	cfg, err := Load(file)
	require.NoError(t, err)
	d, err := cfg.Registry.Lookup("cache")
	require.NoError(t, err)
	assert.Equal(t, []int{6379}, d.Ports)
}

func TestLoadCollectsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "bad.toml", `
[health]
degrade_after = 5
fail_after = 2

[modes.broken]
services = ["ghost"]

[[services]]
name = "a"
kind = "rocket"

[[services]]
name = "b"
command = "run-b"
depends_on = ["missing"]

[[services]]
name = "c"
command = "run-c"
ports = [70000]
`)
	_, err := Load(file)
	require.Error(t, err)
	var ce *orcherr.ConfigError
	require.True(t, errors.As(err, &ce))
	msg := err.Error()
	assert.Contains(t, msg, "fail_after")
	assert.Contains(t, msg, `unknown launch kind "rocket"`)
	assert.Contains(t, msg, `unknown service "missing"`)
	assert.Contains(t, msg, "invalid port 70000")
	assert.Contains(t, msg, `mode "broken" names unknown service "ghost"`)
}

func TestLoadCycle(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "cycle.toml", `
[[services]]
name = "a"
command = "run-a"
depends_on = ["b"]

[[services]]
name = "b"
command = "run-b"
depends_on = ["a"]
`)
	_, err := Load(file)
	var ce *orcherr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.NotEmpty(t, ce.Cycle)
	assert.True(t, orcherr.IsConfig(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.True(t, orcherr.IsConfig(err))
}

func TestLoadNoServices(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "empty.toml", "[orchestrator]\nmax_concurrency = 2\n")
	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no services declared")
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "stackup.toml", `
[orchestrator]
max_concurrency = 3

[[services]]
name = "api-gw"
command = "gw"
ports = [8000, 8001]
health = { url = "http://localhost:8000/health" }
`)
	t.Setenv("STACKUP_MAX_CONCURRENCY", "12")
	t.Setenv("STACKUP_LOG_LEVEL", "warn")
	t.Setenv("STACKUP_API_GW_PORT", "9100")
	t.Setenv("STACKUP_API_GW_WORKDIR", "/srv/gw")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "warn", cfg.Log.Level)

	d, err := cfg.Registry.Lookup("api-gw")
	require.NoError(t, err)
	assert.Equal(t, []int{9100, 8001}, d.Ports)
	assert.Equal(t, "/srv/gw", d.WorkDir)
	assert.Equal(t, "http://localhost:9100/health", d.Health.URL)
}

func TestEnvOverrideBadPort(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "stackup.toml", `
[[services]]
name = "api"
command = "api"
`)
	t.Setenv("STACKUP_API_PORT", "eighty")
	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestReplacePort(t *testing.T) {
	assert.Equal(t, "http://h:9/x", replacePort("http://h:80/x", ":80", ":9"))
	assert.Equal(t, "http://h:8080/x", replacePort("http://h:8080/x", ":80", ":9"))
	assert.Equal(t, "h:9", replacePort("h:80", ":80", ":9"))
}
