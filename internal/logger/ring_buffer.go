package logger

import (
	"bytes"
	"sync"
)

// RingBuffer keeps the last N lines written to it and fans new lines out to
// subscribers. It is an io.Writer safe for concurrent use.
type RingBuffer struct {
	mu      sync.Mutex
	lines   []string
	start   int
	size    int
	partial []byte
	subs    map[chan string]struct{}
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultTailLines
	}
	return &RingBuffer{lines: make([]string, capacity), subs: make(map[chan string]struct{})}
}

func (b *RingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

// push appends a complete line; caller holds mu.
func (b *RingBuffer) push(line string) {
	capacity := len(b.lines)
	if b.size < capacity {
		b.lines[(b.start+b.size)%capacity] = line
		b.size++
	} else {
		b.lines[b.start] = line
		b.start = (b.start + 1) % capacity
	}
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
			// slow follower; drop rather than block the child's output
		}
	}
}

// Tail returns up to n of the most recent complete lines, oldest first.
// n <= 0 returns everything buffered.
func (b *RingBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail(n)
}

// tail is Tail with mu held.
func (b *RingBuffer) tail(n int) []string {
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]string, 0, n)
	capacity := len(b.lines)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.lines[(b.start+i)%capacity])
	}
	return out
}

// Subscribe returns a channel receiving every line written after the call,
// and a cancel func that must be called to release it.
func (b *RingBuffer) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe()
}

// TailAndSubscribe is Tail followed by Subscribe with no line lost or
// repeated in between.
func (b *RingBuffer) TailAndSubscribe(n int) ([]string, <-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.tail(n)
	ch, cancel := b.subscribe()
	return lines, ch, cancel
}

// subscribe registers a subscriber; caller holds mu.
func (b *RingBuffer) subscribe() (<-chan string, func()) {
	ch := make(chan string, 256)
	b.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
