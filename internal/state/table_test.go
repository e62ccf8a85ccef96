package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackup/internal/process"
	"github.com/loykin/stackup/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, names ...string) *Table {
	t.Helper()
	var descs []registry.Descriptor
	for _, n := range names {
		descs = append(descs, registry.Descriptor{Name: n, Launch: process.DirectExecutable{Command: "true"}})
	}
	reg, err := registry.Load(descs)
	require.NoError(t, err)
	return NewTable(reg)
}

func TestStateNamesRoundTrip(t *testing.T) {
	for s := Pending; s <= Stopped; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	_, err := Parse("exploded")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", State(42).String())

	b, err := json.Marshal(map[string]State{"db": Running})
	require.NoError(t, err)
	assert.JSONEq(t, `{"db":"Running"}`, string(b))
}

func TestWriterClassesAreEnforced(t *testing.T) {
	tb := newTable(t, "db")
	assert.Error(t, tb.Transition(Poller, 0, Starting, nil), "poller never issues Starting")
	assert.Error(t, tb.Transition(Engine, 0, Running, nil), "engine never issues Running")
	assert.Error(t, tb.Transition(Poller, 0, Degraded, nil), "Degraded requires Running")

	require.NoError(t, tb.Transition(Engine, 0, Starting, nil))
	require.NoError(t, tb.Transition(Poller, 0, Running, nil))
	require.NoError(t, tb.Transition(Poller, 0, Degraded, errors.New("probe")))
	require.NoError(t, tb.Transition(Poller, 0, Running, nil))
	assert.Nil(t, tb.Get(0).LastError, "Running clears the last error")
	assert.Error(t, tb.Transition(Engine, 0, Blocked, nil), "a launched service cannot become Blocked")
	require.NoError(t, tb.Transition(Engine, 0, Stopped, nil))
	require.NoError(t, tb.Transition(Engine, 0, Stopped, nil), "stop is idempotent")
}

func TestLaunchFailureGoesStraightToFailed(t *testing.T) {
	tb := newTable(t, "db")
	boom := errors.New("exit status 1")
	require.NoError(t, tb.Transition(Engine, 0, Failed, boom))
	st := tb.Get(0)
	assert.Equal(t, Failed, st.State)
	assert.Equal(t, boom, st.LastError)
	assert.Equal(t, "exit status 1", st.ErrorText())
}

func TestRecordProbeCountsConsecutiveFailures(t *testing.T) {
	tb := newTable(t, "api")
	assert.Equal(t, 1, tb.RecordProbe(0, errors.New("refused")))
	assert.Equal(t, 2, tb.RecordProbe(0, errors.New("refused")))
	assert.Equal(t, 0, tb.RecordProbe(0, nil))
	assert.Equal(t, 1, tb.RecordProbe(0, errors.New("refused")))
	require.NoError(t, tb.Transition(Engine, 0, Starting, nil))
	assert.Equal(t, 0, tb.Get(0).ConsecutiveFailures)
	assert.Equal(t, 1, tb.IncRestarts(0))
	tb.ResetRestarts(0)
	assert.Equal(t, 0, tb.Get(0).Restarts)
}

func TestWaitWakesOnTransition(t *testing.T) {
	tb := newTable(t, "db")
	done := make(chan State, 1)
	go func() {
		s, err := tb.Wait(context.Background(), 0, State.Settled)
		assert.NoError(t, err)
		done <- s
	}()
	require.NoError(t, tb.Transition(Engine, 0, Starting, nil))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tb.Transition(Poller, 0, Running, nil))
	select {
	case s := <-done:
		assert.Equal(t, Running, s)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	tb := newTable(t, "db")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s, err := tb.Wait(ctx, 0, func(s State) bool { return s == Running })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Pending, s)
}

func TestObserversSeeChangesOnly(t *testing.T) {
	tb := newTable(t, "db")
	var mu sync.Mutex
	var seen []Transition
	tb.Observe(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})
	require.NoError(t, tb.Transition(Engine, 0, Stopped, nil))
	require.NoError(t, tb.Transition(Engine, 0, Stopped, nil))
	require.NoError(t, tb.Transition(Engine, 0, Starting, nil))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, Pending, seen[0].From)
	assert.Equal(t, Stopped, seen[0].To)
	assert.Equal(t, "db", seen[1].Service)
	assert.Equal(t, Engine, seen[1].Writer)
}
