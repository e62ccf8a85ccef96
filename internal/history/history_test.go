package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
	block  chan struct{}
}

func (m *memSink) Send(_ context.Context, e Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) got() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecorderFansOutInOrder(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	r := NewRecorder(16, quiet(), a, b)
	r.Record(Event{Type: EventTransition, Service: "db", To: "Starting"})
	r.Record(Event{Type: EventTransition, Service: "db", To: "Running"})
	require.NoError(t, r.Close())

	for _, s := range []*memSink{a, b} {
		got := s.got()
		require.Len(t, got, 2)
		assert.Equal(t, "Starting", got[0].To)
		assert.Equal(t, "Running", got[1].To)
		assert.False(t, got[0].OccurredAt.IsZero())
		assert.True(t, s.closed)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	r := NewRecorder(1, quiet(), s)
	for range 10 {
		r.Record(Event{Type: EventTransition})
	}
	assert.Positive(t, r.Dropped())
	close(s.block)
	require.NoError(t, r.Close())
	assert.Less(t, len(s.got()), 10)
}

func TestRecorderIgnoresRecordAfterClose(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(4, quiet(), s)
	require.NoError(t, r.Close())
	r.Record(Event{Type: EventStartReport, OccurredAt: time.Now()})
	require.NoError(t, r.Close())
	assert.Empty(t, s.got())

	var nilRec *Recorder
	nilRec.Record(Event{})
	assert.NoError(t, nilRec.Close())
}

func TestSafeIdent(t *testing.T) {
	assert.True(t, SafeIdent("service_history"))
	assert.True(t, SafeIdent("stackup-events2"))
	assert.False(t, SafeIdent(""))
	assert.False(t, SafeIdent("a b"))
	assert.False(t, SafeIdent("t;drop"))
}
