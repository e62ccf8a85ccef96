package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	err := root.Execute()
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(exitCode(err))
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// APIFlags select the daemon a command talks to
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Global          GlobalFlags
	Listen          string
	StartMode       string
	Daemonize       bool
	PidFile         string
	LogFile         string
	ShutdownTimeout time.Duration
}

// StartFlags holds flags for the start command
type StartFlags struct {
	Global   GlobalFlags
	API      APIFlags
	Mode     string
	Services []string
	Force    bool
	Timeout  time.Duration
	Once     bool
	JSON     bool
}

// StopFlags holds flags for the stop command
type StopFlags struct {
	API      APIFlags
	Services []string
	All      bool
}

// RestartFlags holds flags for the restart command
type RestartFlags struct {
	API      APIFlags
	Services []string
	All      bool
	Timeout  time.Duration
	JSON     bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	API  APIFlags
	JSON bool
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	API     APIFlags
	Service string
	Tail    int
	Follow  bool
}

// buildRoot creates the root command with every subcommand attached
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags, apiFlags)
	root.AddCommand(
		createServeCommand(c, globalFlags),
		createStartCommand(c, globalFlags, apiFlags),
		createStopCommand(c, apiFlags),
		createRestartCommand(c, apiFlags),
		createStatusCommand(c, apiFlags),
		createLogsCommand(c, apiFlags),
	)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackup",
		Short: "Start, supervise and health-check a multi-service stack",
		Long: `stackup starts a declared set of services in dependency order, keeps
polling their health, restarts what fails within its budget and reports
whether the stack is ready.

Examples:
  stackup start --mode core        # start core services and wait for readiness
  stackup status                   # show every service
  stackup logs api --follow        # stream a service's output
  stackup serve                    # run the daemon other commands talk to`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "stackup.toml", "path to config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format: text|json (overrides config)")
	root.PersistentFlags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed to stop everything on exit")
	root.PersistentFlags().StringVar(&api.APIUrl, "api-url", "", "daemon URL (default $STACKUP_API_URL or "+defaultAPIURL+")")
	root.PersistentFlags().DurationVar(&api.APITimeout, "api-timeout", 10*time.Second, "request timeout for short daemon calls")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stackup daemon",
		Long: `Run the daemon that owns the services and exposes the HTTP API used by
the other commands (and /metrics when enabled).

Examples:
  stackup serve                          # API on [server].listen
  stackup serve --start core             # also start the core mode
  stackup serve --daemonize --pidfile stackup.pid --logfile stackup.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.Global = *globalFlags
			serveFlags.ShutdownTimeout = globalFlags.ShutdownTimeout
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			if serveFlags.PidFile != "" {
				if err := writePidFile(serveFlags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("failed to write PID file: %w", err)
				}
				defer func() { _ = removePidFile(serveFlags.PidFile) }()
			}
			return c.Serve(*serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "API listen address (overrides config)")
	cmd.Flags().StringVar(&serveFlags.StartMode, "start", "", "mode to start once the API is up")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(c *command, globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	startFlags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [service...]",
		Short: "Start a mode or services and wait for readiness",
		Long: `Start the services of a mode (or the named services) in dependency order
and wait until they are healthy, settled, or the timeout passes.

Exit status: 0 all ready, 1 partially ready, 2 configuration error.
Without a running daemon the stack runs in the foreground until Ctrl+C.

Examples:
  stackup start                        # mode full
  stackup start --mode minimal --timeout 2m
  stackup start api worker --force     # relaunch even if running
  stackup start --mode core --once     # CI: report, stop, exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			startFlags.Global = *globalFlags
			startFlags.API = *apiFlags
			startFlags.Services = args
			return c.Start(*startFlags)
		},
	}
	cmd.Flags().StringVar(&startFlags.Mode, "mode", "", "mode to start: full|core|minimal|dev|prod or a configured mode")
	cmd.Flags().BoolVar(&startFlags.Force, "force", false, "relaunch services that are already running")
	cmd.Flags().DurationVar(&startFlags.Timeout, "timeout", 0, "readiness timeout (default from config)")
	cmd.Flags().BoolVar(&startFlags.Once, "once", false, "foreground only: stop everything after the report")
	cmd.Flags().BoolVar(&startFlags.JSON, "json", false, "print the report as JSON")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command, apiFlags *APIFlags) *cobra.Command {
	stopFlags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop services and everything that depends on them",
		Long: `Stop the named services, dependents first, or every service with --all.

Examples:
  stackup stop api
  stackup stop --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stopFlags.API = *apiFlags
			stopFlags.Services = args
			return c.Stop(*stopFlags)
		},
	}
	cmd.Flags().BoolVar(&stopFlags.All, "all", false, "stop every service")
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command, apiFlags *APIFlags) *cobra.Command {
	restartFlags := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart [service...]",
		Short: "Restart services and their started dependents",
		Long: `Stop then start the named services together with dependents that were
running, or every started service with --all. Exit status follows start.

Examples:
  stackup restart api
  stackup restart --all --timeout 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			restartFlags.API = *apiFlags
			restartFlags.Services = args
			return c.Restart(*restartFlags)
		},
	}
	cmd.Flags().BoolVar(&restartFlags.All, "all", false, "restart every started service")
	cmd.Flags().DurationVar(&restartFlags.Timeout, "timeout", 0, "readiness timeout (default from config)")
	cmd.Flags().BoolVar(&restartFlags.JSON, "json", false, "print the report as JSON")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, apiFlags *APIFlags) *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service states and readiness",
		Long: `Show every service's state, restarts and last error plus the overall
health percentage.

Examples:
  stackup status
  stackup status --json
  stackup status --api-url=http://remote:8787/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlags.API = *apiFlags
			return c.Status(*statusFlags)
		},
	}
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print the snapshot as JSON")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command, apiFlags *APIFlags) *cobra.Command {
	logsFlags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print a service's captured output",
		Long: `Print the last lines a service wrote to stdout/stderr, optionally
following new output.

Examples:
  stackup logs api
  stackup logs api --tail 500 --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logsFlags.API = *apiFlags
			logsFlags.Service = args[0]
			return c.Logs(*logsFlags)
		},
	}
	cmd.Flags().IntVarP(&logsFlags.Tail, "tail", "n", 100, "number of lines to show (0 for all buffered)")
	cmd.Flags().BoolVarP(&logsFlags.Follow, "follow", "f", false, "stream new output")
	return cmd
}
