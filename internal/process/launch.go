package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Kind names one of the supported ways of launching a service.
type Kind string

const (
	KindCompose Kind = "compose"
	KindScript  Kind = "script"
	KindExec    Kind = "exec"
)

// Launch is a closed set of launch descriptions. Each kind knows how to build
// its start command and which graceful-stop strategy applies to it.
type Launch interface {
	Kind() Kind
	Validate() error
	String() string

	command() *exec.Cmd
	// graceful asks the running process to stop. It must not block longer
	// than the grace period it is given.
	graceful(p *Process) error
}

// ComposeInvocation runs `docker compose up` in the foreground for a compose
// file, optionally limited to some of its services. Graceful stop runs
// `docker compose stop` for the same services before signalling the group.
type ComposeInvocation struct {
	Binary   string   `json:"binary,omitempty" mapstructure:"binary"` // default "docker"
	File     string   `json:"file" mapstructure:"file"`
	Project  string   `json:"project,omitempty" mapstructure:"project"`
	Services []string `json:"services,omitempty" mapstructure:"services"`
}

func (ComposeInvocation) Kind() Kind { return KindCompose }

func (c ComposeInvocation) Validate() error {
	if strings.TrimSpace(c.File) == "" {
		return errors.New("compose launch requires a file")
	}
	return nil
}

func (c ComposeInvocation) String() string {
	return strings.Join(append([]string{c.binary()}, c.args("up")...), " ")
}

func (c ComposeInvocation) binary() string {
	if c.Binary == "" {
		return "docker"
	}
	return c.Binary
}

func (c ComposeInvocation) args(verb string) []string {
	args := []string{"compose", "-f", c.File}
	if c.Project != "" {
		args = append(args, "-p", c.Project)
	}
	args = append(args, verb)
	return append(args, c.Services...)
}

func (c ComposeInvocation) command() *exec.Cmd {
	// #nosec G204
	return exec.Command(c.binary(), c.args("up")...)
}

func (c ComposeInvocation) graceful(p *Process) error {
	// #nosec G204
	stop := exec.Command(c.binary(), c.args("stop")...)
	stop.Dir = p.workDir
	stop.Env = p.env
	if err := runBounded(stop, p.grace); err != nil {
		// fall back to the foreground `up`, which stops its containers on SIGTERM
		return signalGroup(p.PID(), syscall.SIGTERM)
	}
	return nil
}

// PackageScript runs a script through a JS package manager (npm, pnpm, yarn,
// bun). These runners forward SIGINT to their children cleanly, so graceful
// stop interrupts the group.
type PackageScript struct {
	Manager string   `json:"manager,omitempty" mapstructure:"manager"` // default "npm"
	Script  string   `json:"script" mapstructure:"script"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
}

func (PackageScript) Kind() Kind { return KindScript }

func (s PackageScript) Validate() error {
	if strings.TrimSpace(s.Script) == "" {
		return errors.New("script launch requires a script name")
	}
	switch s.manager() {
	case "npm", "pnpm", "yarn", "bun":
		return nil
	default:
		return fmt.Errorf("unsupported package manager %q", s.Manager)
	}
}

func (s PackageScript) String() string {
	return strings.Join(append([]string{s.manager()}, s.args()...), " ")
}

func (s PackageScript) manager() string {
	if s.Manager == "" {
		return "npm"
	}
	return s.Manager
}

func (s PackageScript) args() []string {
	args := []string{"run", s.Script}
	if len(s.Args) > 0 {
		if s.manager() == "npm" {
			args = append(args, "--")
		}
		args = append(args, s.Args...)
	}
	return args
}

func (s PackageScript) command() *exec.Cmd {
	// #nosec G204
	return exec.Command(s.manager(), s.args()...)
}

func (PackageScript) graceful(p *Process) error {
	return signalGroup(p.PID(), syscall.SIGINT)
}

// DirectExecutable runs a command line. A shell is used only when the line
// contains shell metacharacters or is already an explicit `sh -c` invocation.
type DirectExecutable struct {
	Command string `json:"command" mapstructure:"command"`
}

func (DirectExecutable) Kind() Kind { return KindExec }

func (d DirectExecutable) Validate() error {
	if strings.TrimSpace(d.Command) == "" {
		return errors.New("exec launch requires a command")
	}
	return nil
}

func (d DirectExecutable) String() string { return d.Command }

func (d DirectExecutable) command() *exec.Cmd {
	cmdStr := strings.TrimSpace(d.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

func (DirectExecutable) graceful(p *Process) error {
	return signalGroup(p.PID(), syscall.SIGTERM)
}

// CommandContext builds a one-off command for line with the same shell
// detection as DirectExecutable, killed when ctx is done.
func CommandContext(ctx context.Context, line string) *exec.Cmd {
	c := DirectExecutable{Command: line}.command()
	// #nosec G204
	cc := exec.CommandContext(ctx, c.Path, c.Args[1:]...)
	cc.Args = c.Args
	return cc
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after "-c", with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// Parse builds a Launch from its kind name and raw fields, as decoded from
// configuration.
func Parse(kind string, compose ComposeInvocation, script PackageScript, command string) (Launch, error) {
	var l Launch
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindCompose:
		l = compose
	case KindScript:
		l = script
	case KindExec, "":
		l = DirectExecutable{Command: command}
	default:
		return nil, fmt.Errorf("unknown launch kind %q", kind)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}
