// Package realtime propagates committed session changes to every participant.
//
// Two channels feed a watcher: an in-process Bus of session events (with a
// short replay history for late subscribers) and the store's change feed of
// full session records. Optionally a Relay carries events between processes.
// Delivery is at-least-once and unordered; consumers re-read state on every
// update instead of treating the update as state.
package realtime

import (
	"sync"
	"time"

	"quiz-session-engine/internal/domain"
)

const (
	// DefaultHistorySize is the number of recent events replayed to late subscribers.
	DefaultHistorySize = 50
	// DefaultIdleTTL is how long a topic without subscribers or events is kept.
	DefaultIdleTTL = 2 * time.Hour
)

// Bus is an in-process pub/sub of session events keyed by PIN.
type Bus struct {
	mu          sync.Mutex
	historySize int
	idleTTL     time.Duration
	now         func() time.Time
	lastSweep   time.Time
	topics      map[string]*topic
}

type topic struct {
	history    []domain.Event
	subs       map[chan domain.Event]struct{}
	lastActive time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithIdleTTL sets how long an unsubscribed topic survives without events.
// A non-positive ttl keeps the default.
func WithIdleTTL(ttl time.Duration) BusOption {
	return func(b *Bus) {
		if ttl > 0 {
			b.idleTTL = ttl
		}
	}
}

// WithClock replaces time.Now for idle bookkeeping.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBus(historySize int, opts ...BusOption) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	b := &Bus{
		historySize: historySize,
		idleTTL:     DefaultIdleTTL,
		now:         time.Now,
		topics:      make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastSweep = b.now()
	return b
}

func (b *Bus) topicLocked(pin string, now time.Time) *topic {
	t, ok := b.topics[pin]
	if !ok {
		t = &topic{subs: make(map[chan domain.Event]struct{})}
		b.topics[pin] = t
	}
	t.lastActive = now
	return t
}

// sweepLocked drops unsubscribed topics idle for longer than the TTL. It runs
// at most twice per TTL.
func (b *Bus) sweepLocked(now time.Time) {
	if now.Sub(b.lastSweep) < b.idleTTL/2 {
		return
	}
	b.lastSweep = now
	for pin, t := range b.topics {
		if len(t.subs) == 0 && now.Sub(t.lastActive) > b.idleTTL {
			delete(b.topics, pin)
		}
	}
}

// Publish records ev in the PIN's history and delivers it to every subscriber
// without blocking. An ended game with nobody listening is forgotten at once.
func (b *Bus) Publish(ev domain.Event) {
	pin := ev.Meta().PIN

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.sweepLocked(now)
	t := b.topicLocked(pin, now)
	t.history = append(t.history, ev)
	if over := len(t.history) - b.historySize; over > 0 {
		t.history = append([]domain.Event(nil), t.history[over:]...)
	}
	for ch := range t.subs {
		deliver(ch, ev)
	}
	if len(t.subs) == 0 && t.ended() {
		delete(b.topics, pin)
	}
}

// Subscribe returns a channel that first replays the recent history and then
// receives new events for pin. The caller must invoke the returned cancel
// function to avoid leaks.
func (b *Bus) Subscribe(pin string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, b.historySize+16)

	b.mu.Lock()
	now := b.now()
	b.sweepLocked(now)
	t := b.topicLocked(pin, now)
	t.subs[ch] = struct{}{}
	for _, ev := range t.history {
		deliver(ch, ev)
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			t, ok := b.topics[pin]
			if !ok {
				return
			}
			if _, ok := t.subs[ch]; ok {
				delete(t.subs, ch)
				close(ch)
			}
			t.lastActive = b.now()
			if len(t.subs) == 0 && t.ended() {
				delete(b.topics, pin)
			}
		})
	}
	return ch, cancel
}

// History returns a copy of the retained events for pin, oldest first.
func (b *Bus) History(pin string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[pin]
	if !ok {
		return nil
	}
	return append([]domain.Event(nil), t.history...)
}

// Topics reports how many PINs the bus currently retains.
func (b *Bus) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribers reports how many subscribers pin currently has.
func (b *Bus) Subscribers(pin string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[pin]; ok {
		return len(t.subs)
	}
	return 0
}

func (t *topic) ended() bool {
	if len(t.history) == 0 {
		return false
	}
	_, ok := t.history[len(t.history)-1].(domain.GameEnded)
	return ok
}

// deliver sends v without blocking, dropping the oldest queued item when the
// subscriber is full. Callers serialize sends per channel.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
