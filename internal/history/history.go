package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	// EventTransition is one accepted service state change.
	EventTransition EventType = "transition"
	// EventStartReport summarises one start operation.
	EventStartReport EventType = "start_report"
)

// Event represents a lifecycle event to be exported to external systems.
// Transition events carry Service/From/To; report events carry Mode and the
// readiness outcome.
type Event struct {
	Type          EventType `json:"type"`
	OccurredAt    time.Time `json:"occurred_at"`
	Service       string    `json:"service,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Error         string    `json:"error,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	HealthPercent float64   `json:"health_percent,omitempty"`
	Ready         bool      `json:"ready,omitempty"`
	ExitCode      int       `json:"exit_code,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks from a single background goroutine so
// that slow sinks never stall the caller. Events are dropped when the queue
// is full.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewRecorder starts a recorder over sinks with a queue of size capacity.
func NewRecorder(capacity int, log *slog.Logger, sinks ...Sink) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, capacity),
		timeout: 5 * time.Second,
		log:     log,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues e. It never blocks.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "service", e.Service, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, then closes every sink that is an io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done

	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// SafeIdent reports whether s can be spliced into SQL as a table or index
// name: letters, digits, '_' and '-' only.
func SafeIdent(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
