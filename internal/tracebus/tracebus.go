// Package tracebus is the engine's diagnostic tap: a bounded ring buffer of
// structured events, gated by a runtime flag, with a zerolog fallback for
// error-level events so a write never blocks or fails the caller's real
// operation.
package tracebus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one diagnostic record emitted by Transport/SFTP/PTY/Supervisor.
type Event struct {
	At            time.Time
	Category      string
	Step          string
	ConnectionID  string
	CorrelationID string
	Message       string
	Detail        map[string]any
	IsError       bool
}

const defaultCapacity = 512

// Bus is a bounded, concurrency-safe ring buffer of Events with an
// atomic enable/disable flag and fan-out to live subscribers.
//
// Enabling/disabling is lock-free; a subscriber registered around a toggle
// may miss events straddling the toggle.
type Bus struct {
	enabled atomic.Bool

	mu   sync.Mutex
	cap  int
	ring []Event
	next int
	size int

	subs map[int]chan Event
	subN int
}

// New returns a Bus with the given ring capacity. Tracing starts disabled.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		cap:  capacity,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Enable turns on trace recording and fan-out.
func (b *Bus) Enable() { b.enabled.Store(true) }

// Disable turns off trace recording and fan-out.
func (b *Bus) Disable() { b.enabled.Store(false) }

// IsEnabled reports whether tracing is currently on.
func (b *Bus) IsEnabled() bool { return b.enabled.Load() }

// Emit records ev if tracing is enabled. It never blocks on a slow
// subscriber: delivery to subscriber channels is best-effort (non-blocking
// send), so a stalled reader can never back up a live operation.
func (b *Bus) Emit(ev Event) {
	if !b.enabled.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.IsError {
		log.Error().Str("category", ev.Category).Str("step", ev.Step).Str("connection_id", ev.ConnectionID).Msg(ev.Message)
	}

	b.mu.Lock()
	b.ring[b.next] = ev
	b.next = (b.next + 1) % b.cap
	if b.size < b.cap {
		b.size++
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot returns the events currently held in the ring, oldest first.
func (b *Bus) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.size)
	if b.size < b.cap {
		out = append(out, b.ring[:b.size]...)
		return out
	}
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribe registers a channel that receives future Emits while tracing
// is enabled; an event is dropped for this subscriber when its buffer is
// full (see Emit). The returned cancel func must be called to unregister.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.subN
	b.subN++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}
