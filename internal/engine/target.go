package engine

import (
	"context"

	"github.com/loykin/stackup/internal/registry"
)

// serviceTarget lets a poller watch and relaunch one service's current run.
type serviceTarget struct {
	e *Engine
	i registry.Index
}

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (t *serviceTarget) Exited() (<-chan struct{}, func() int) {
	r := t.e.current(t.i)
	if r == nil || r.handle == nil {
		return closedCh, func() int { return -1 }
	}
	h := r.handle
	return h.Done(), h.ExitCode
}

func (t *serviceTarget) Relaunch(ctx context.Context) error {
	return t.e.relaunch(ctx, t.i)
}
