// Package enginetest provides an in-memory Launcher for tests of packages
// layered above the engine.
package enginetest

import (
	"io"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/engine"
	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
)

// Handle is a launched fake service. It runs until Stop or Exit.
type Handle struct {
	pid  int
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	code int
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
	default:
		return -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// Exit ends the fake process with code.
func (h *Handle) Exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) Stop(time.Duration) (bool, error) { h.Exit(0); return false, nil }

// Launcher records launches and can make a service exit immediately or
// print to its stdout.
type Launcher struct {
	mu       sync.Mutex
	pid      int
	calls    map[string]int
	exitWith map[string]int
	output   map[string]string
}

var _ engine.Launcher = (*Launcher)(nil)

func NewLauncher() *Launcher {
	return &Launcher{calls: map[string]int{}, exitWith: map[string]int{}, output: map[string]string{}}
}

func (l *Launcher) Launch(d registry.Descriptor, opts process.Options) (engine.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pid++
	l.calls[d.Name]++
	h := &Handle{pid: 1000 + l.pid, done: make(chan struct{})}
	if out, ok := l.output[d.Name]; ok && opts.Stdout != nil {
		_, _ = io.WriteString(opts.Stdout, out)
	}
	if code, ok := l.exitWith[d.Name]; ok {
		h.Exit(code)
	}
	return h, nil
}

// Calls returns how many times name was launched.
func (l *Launcher) Calls(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[name]
}

// Fail makes every later launch of name exit at once with code.
func (l *Launcher) Fail(name string, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exitWith[name] = code
}

// Heal undoes Fail.
func (l *Launcher) Heal(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.exitWith, name)
}

// Output makes later launches of name write s to stdout.
func (l *Launcher) Output(name, s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output[name] = s
}

// Settings returns engine settings tuned for fast tests.
func Settings() engine.Settings {
	s := engine.DefaultSettings()
	s.IssuedGrace = 5 * time.Millisecond
	s.LaunchCheck = 10 * time.Millisecond
	s.CheckHostPorts = false
	s.Health.Interval = 10 * time.Millisecond
	s.Health.MaxInterval = 20 * time.Millisecond
	s.Health.RestartBase = 5 * time.Millisecond
	s.Health.RestartCap = 20 * time.Millisecond
	s.Health.FailAfter = 100
	return s
}
