// Package process spawns service processes in their own process group and
// stops them gracefully, escalating to a forced kill after a grace period.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killWait bounds how long Stop waits for the group to be reaped after SIGKILL.
const killWait = 2 * time.Second

// Options carries the per-run environment of a launch.
type Options struct {
	Name    string
	WorkDir string
	Env     []string // full child environment; nil inherits the parent's
	Stdout  io.Writer
	Stderr  io.Writer
}

// Process is one running instance of a Launch.
type Process struct {
	name    string
	launch  Launch
	workDir string
	env     []string
	cmd     *exec.Cmd

	mu        sync.Mutex
	startedAt time.Time
	exitedAt  time.Time
	exitErr   error
	grace     time.Duration
	done      chan struct{}
}

// Start spawns l. The returned process is monitored by a goroutine that reaps
// it; Done is closed once it has exited.
func Start(l Launch, opts Options) (*Process, error) {
	if l == nil {
		return nil, errors.New("nil launch")
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	cmd := l.command()
	cmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	// nil writers go to the null device; exec opens and closes it
	cmd.Stdout, cmd.Stderr = opts.Stdout, opts.Stderr
	// orphaned grandchildren may hold the output pipes open
	cmd.WaitDelay = killWait
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", l, err)
	}
	p := &Process{
		name:      opts.Name,
		launch:    l,
		workDir:   opts.WorkDir,
		env:       cmd.Env,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.monitor()
	return p, nil
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Name() string   { return p.name }
func (p *Process) Launch() Launch { return p.launch }

// PID returns the pid of the group leader.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// WaitExit blocks until the process exits, d elapses or ctx is done. It
// reports whether the process exited.
func (p *Process) WaitExit(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return p.Exited()
	}
}

// Stop asks the process to terminate using its launch kind's graceful
// strategy, waits up to grace and then kills the whole process group.
// It reports whether the forced kill was needed. Stopping an exited process
// is a no-op.
func (p *Process) Stop(grace time.Duration) (forced bool, err error) {
	if p.Exited() {
		return false, nil
	}
	p.mu.Lock()
	p.grace = grace
	p.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	if gerr := p.launch.graceful(p); gerr != nil && !errors.Is(gerr, syscall.ESRCH) {
		err = fmt.Errorf("graceful stop %s: %w", p.name, gerr)
	}
	select {
	case <-p.done:
		return false, err
	case <-deadline.C:
	}

	if kerr := signalGroup(p.PID(), syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
		return true, fmt.Errorf("kill %s: %w", p.name, kerr)
	}
	select {
	case <-p.done:
	case <-time.After(killWait):
		return true, fmt.Errorf("kill %s: process did not exit", p.name)
	}
	return true, err
}

// runBounded runs cmd to completion, killing it if it outlives d.
func runBounded(cmd *exec.Cmd, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	go func() { ch <- cmd.Wait() }()
	select {
	case err := <-ch:
		return err
	case <-time.After(d):
		_ = cmd.Process.Kill()
		<-ch
		return fmt.Errorf("%s did not finish within %s", cmd.Path, d)
	}
}
