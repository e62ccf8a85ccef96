// Package orcherr holds the error taxonomy shared by the orchestration packages.
//
// Only ConfigError and CycleDetectedError are ever returned to a caller of a
// multi-service operation. The remaining types are recorded on the affected
// service's state and surface in reports.
package orcherr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMode    = errors.New("unknown mode")
	ErrPortInUse      = errors.New("port already in use")
	ErrProcessExited  = errors.New("process exited")
)

// ConfigError reports every problem found while loading service descriptors.
// It is fatal: no service is launched once one has been produced.
type ConfigError struct {
	Problems []string
	// Cycle lists the member names of a dependency cycle, in traversal order,
	// when one was found.
	Cycle []string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msgs := append([]string(nil), e.Problems...)
	if len(e.Cycle) > 0 {
		msgs = append(msgs, "dependency cycle: "+strings.Join(e.Cycle, " -> "))
	}
	if len(msgs) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Add records one problem.
func (e *ConfigError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it carries at least one problem.
func (e *ConfigError) OrNil() error {
	if e == nil || (len(e.Problems) == 0 && len(e.Cycle) == 0) {
		return nil
	}
	return e
}

// CycleDetectedError is raised by the resolver when nodes remain after
// topological peeling.
type CycleDetectedError struct {
	Members []string
}

func (e *CycleDetectedError) Error() string {
	return "cycle detected among: " + strings.Join(e.Members, ", ")
}

// LaunchError is recorded when a start command cannot be spawned or exits
// immediately with a non-zero status.
type LaunchError struct {
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HealthCheckError describes one failed probe.
type HealthCheckError struct {
	Service string
	Target  string
	Status  int
	Err     error
}

func (e *HealthCheckError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("health %s (%s): %v", e.Service, e.Target, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("health %s (%s): unexpected status %d", e.Service, e.Target, e.Status)
	default:
		return fmt.Sprintf("health %s (%s): unhealthy", e.Service, e.Target)
	}
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// DependencyBlockedError is recorded on a service that was never launched
// because Dependency failed or was itself blocked.
type DependencyBlockedError struct {
	Service    string
	Dependency string
	Cause      error
}

func (e *DependencyBlockedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s blocked by dependency %s: %v", e.Service, e.Dependency, e.Cause)
	}
	return fmt.Sprintf("%s blocked by dependency %s", e.Service, e.Dependency)
}

func (e *DependencyBlockedError) Unwrap() error { return e.Cause }

// StartTimeoutError marks a start operation whose deadline passed before
// every targeted service became ready.
type StartTimeoutError struct {
	Timeout  time.Duration
	NotReady []string
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("start timed out after %s; not ready: %s", e.Timeout, strings.Join(e.NotReady, ", "))
}

// IsConfig reports whether err is a configuration problem (including a cycle
// found by the resolver). Callers map it to exit code 2.
func IsConfig(err error) bool {
	var ce *ConfigError
	var cy *CycleDetectedError
	return errors.As(err, &ce) || errors.As(err, &cy) || errors.Is(err, ErrUnknownMode)
}
