package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/stackup"
	"github.com/loykin/stackup/internal/logger"
	iapi "github.com/loykin/stackup/internal/server"
	"github.com/loykin/stackup/internal/status"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// withCode returns nil for code 0 so a ready start exits cleanly.
func withCode(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

type command struct {
	stdout io.Writer
	stderr io.Writer
	opts   []stackup.Option
	// signals ends foreground runs; tests replace it
	signals func(context.Context) (context.Context, context.CancelFunc)
}

func newCommand() *command {
	return &command{
		stdout: os.Stdout,
		stderr: os.Stderr,
		signals: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		},
	}
}

func (c *command) client(f APIFlags) *APIClient {
	u := f.APIUrl
	if u == "" {
		u = os.Getenv("STACKUP_API_URL")
	}
	return NewAPIClient(u, f.APITimeout)
}

// daemon returns a client when a daemon answers, nil otherwise.
func (c *command) daemon(f APIFlags) *APIClient {
	cl := c.client(f)
	if !cl.IsReachable() {
		return nil
	}
	return cl
}

// open loads the configuration and installs the operator logger.
func (c *command) open(g GlobalFlags) (*stackup.Stack, error) {
	cfg, err := stackup.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, withCode(stackup.ExitConfigError, err)
	}
	opts := cfg.Log
	if g.LogLevel != "" {
		opts.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		opts.Format = g.LogFormat
	}
	opts.Output = c.stderr
	h, err := logger.NewHandler(opts)
	if err != nil {
		return nil, withCode(stackup.ExitConfigError, err)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	if cfg.Metrics {
		if err := stackup.RegisterMetricsDefault(); err != nil {
			log.Warn("register metrics", "error", err)
		}
	}
	s, err := stackup.New(cfg, append([]stackup.Option{stackup.WithLogger(log)}, c.opts...)...)
	if err != nil {
		return nil, withCode(stackup.ExitConfigError, err)
	}
	return s, nil
}

// Serve runs the daemon until a signal arrives. With StartMode set it starts
// that mode once the API is up.
func (c *command) Serve(f ServeFlags) error {
	s, err := c.open(f.Global)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		s.Config().Server.Listen = f.Listen
	}
	srv, err := s.Serve()
	if err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}
	cfg := s.Config()
	_, _ = fmt.Fprintf(c.stdout, "stackup API listening on http://%s%s\n", srv.Addr, cfg.Server.BasePath)

	ctx, stop := c.signals(context.Background())
	defer stop()
	if f.StartMode != "" {
		go func() {
			rep, err := s.Start(ctx, stackup.StartRequest{Mode: f.StartMode})
			if err != nil {
				slog.Error("initial start", "mode", f.StartMode, "error", err)
				return
			}
			slog.Info("initial start", "mode", f.StartMode, "exit_code", rep.ExitCode, "health_percent", rep.Snapshot.HealthPercent)
		}()
	}
	<-ctx.Done()

	_, _ = fmt.Fprintln(c.stdout, "Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), f.ShutdownTimeout)
	defer cancel()
	err = s.Shutdown(sctx)
	_ = srv.Close()
	return err
}

// Start starts a mode or services through the daemon. Without a daemon it
// runs the stack in the foreground, serving the API, until interrupted.
func (c *command) Start(f StartFlags) error {
	if cl := c.daemon(f.API); cl != nil {
		rep, err := cl.Start(iapi.StartBody{
			Mode:     f.Mode,
			Services: f.Services,
			Force:    f.Force,
			Timeout:  durationString(f.Timeout),
		}, apiWait(f.Timeout))
		if err != nil && rep.Error == "" {
			return err
		}
		return c.finishReport(rep, err, f.JSON)
	}
	return c.startLocal(f)
}

func (c *command) startLocal(f StartFlags) error {
	s, err := c.open(f.Global)
	if err != nil {
		return err
	}
	ctx, stop := c.signals(context.Background())
	defer stop()

	rep, err := s.Start(ctx, stackup.StartRequest{Mode: f.Mode, Names: f.Services, Force: f.Force, Timeout: f.Timeout})
	if err != nil {
		_ = s.Shutdown(context.Background())
		return c.finishReport(rep, err, f.JSON)
	}
	_ = c.finishReport(rep, nil, f.JSON)
	if f.Once {
		return c.shutdown(s, rep.ExitCode, f.Global.ShutdownTimeout)
	}

	srv, serr := s.Serve()
	if serr != nil {
		slog.Warn("API not served; other commands cannot reach this stack", "error", serr)
	} else {
		defer func() { _ = srv.Close() }()
	}
	_, _ = fmt.Fprintln(c.stderr, "supervising; press Ctrl+C to stop")
	<-ctx.Done()
	return c.shutdown(s, rep.ExitCode, f.Global.ShutdownTimeout)
}

func (c *command) shutdown(s *stackup.Stack, code int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
	return withCode(code, nil)
}

// finishReport prints rep and turns it into the command's exit status. The
// error is already printed as part of the report.
func (c *command) finishReport(rep stackup.StartReport, err error, asJSON bool) error {
	if err != nil {
		if rep.Error == "" {
			rep.Error = err.Error()
		}
		if rep.ExitCode == 0 {
			rep.ExitCode = stackup.ExitConfigError
		}
	}
	if asJSON {
		printJSON(c.stdout, rep)
	} else {
		c.printReport(rep)
	}
	return withCode(rep.ExitCode, nil)
}

func (c *command) printReport(rep stackup.StartReport) {
	if len(rep.Snapshot.Services) > 0 {
		_ = status.PrintTable(c.stdout, rep.Snapshot)
	}
	verdict := "ready"
	switch rep.ExitCode {
	case stackup.ExitPartial:
		verdict = "partial"
	case stackup.ExitConfigError:
		verdict = "config error"
	}
	mode := rep.Mode
	if mode == "" {
		mode = "-"
	}
	_, _ = fmt.Fprintf(c.stdout, "\nmode=%s result=%s health=%.0f%%", mode, verdict, rep.Snapshot.HealthPercent)
	if len(rep.Skipped) > 0 {
		_, _ = fmt.Fprintf(c.stdout, " already-running=%s", strings.Join(rep.Skipped, ","))
	}
	_, _ = fmt.Fprintln(c.stdout)
	if rep.Error != "" {
		_, _ = fmt.Fprintf(c.stderr, "error: %s\n", rep.Error)
	}
}

// Stop stops services through the daemon.
func (c *command) Stop(f StopFlags) error {
	if f.All == (len(f.Services) > 0) {
		return errors.New("name services to stop or pass --all")
	}
	cl := c.daemon(f.API)
	if cl == nil {
		return fmt.Errorf("daemon not reachable at %s - start one with 'stackup serve' or 'stackup start'", c.client(f.API).baseURL)
	}
	if err := cl.Stop(iapi.StopBody{Services: f.Services, All: f.All}); err != nil {
		return err
	}
	snap, err := cl.Status()
	if err != nil {
		return err
	}
	return status.PrintTable(c.stdout, snap)
}

// Restart restarts services through the daemon.
func (c *command) Restart(f RestartFlags) error {
	if f.All == (len(f.Services) > 0) {
		return errors.New("name services to restart or pass --all")
	}
	cl := c.daemon(f.API)
	if cl == nil {
		return fmt.Errorf("daemon not reachable at %s - start one with 'stackup serve' or 'stackup start'", c.client(f.API).baseURL)
	}
	rep, err := cl.Restart(iapi.RestartBody{Services: f.Services, All: f.All, Timeout: durationString(f.Timeout)}, apiWait(f.Timeout))
	if err != nil && rep.Error == "" {
		return err
	}
	return c.finishReport(rep, err, f.JSON)
}

// Status prints the daemon's snapshot.
func (c *command) Status(f StatusFlags) error {
	cl := c.daemon(f.API)
	if cl == nil {
		return fmt.Errorf("daemon not reachable at %s - start one with 'stackup serve' or 'stackup start'", c.client(f.API).baseURL)
	}
	snap, err := cl.Status()
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.stdout, snap)
	} else {
		if err := status.PrintTable(c.stdout, snap); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.stdout, "\nhealth=%.0f%% ready=%t\n", snap.HealthPercent, snap.Ready)
	}
	return nil
}

// Logs prints (and optionally follows) a service's output.
func (c *command) Logs(f LogsFlags) error {
	cl := c.daemon(f.API)
	if cl == nil {
		return fmt.Errorf("daemon not reachable at %s - start one with 'stackup serve' or 'stackup start'", c.client(f.API).baseURL)
	}
	return cl.Logs(f.Service, f.Tail, f.Follow, c.stdout)
}

// apiWait bounds a blocking start request; the daemon applies its own
// default when timeout is zero.
func apiWait(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return timeout + 30*time.Second
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
