package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-session-engine/internal/domain"
)

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]chan domain.GameSession
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]chan domain.GameSession)}
}

func (f *fakeFeed) Subscribe(_ context.Context, pin string) (<-chan domain.GameSession, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.GameSession, 4)
	f.subs[pin] = ch
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (f *fakeFeed) push(s domain.GameSession) {
	f.mu.Lock()
	ch := f.subs[s.PIN]
	f.mu.Unlock()
	ch <- s
}

type loopRelay struct {
	mu        sync.Mutex
	handlers  map[string]func(string, domain.Event)
	published []string
	cancels   int
}

func newLoopRelay() *loopRelay {
	return &loopRelay{handlers: make(map[string]func(string, domain.Event))}
}

func (r *loopRelay) Publish(_ context.Context, origin string, ev domain.Event) error {
	r.mu.Lock()
	r.published = append(r.published, origin)
	fn := r.handlers[ev.Meta().PIN]
	r.mu.Unlock()
	if fn != nil {
		fn(origin, ev)
	}
	return nil
}

func (r *loopRelay) Subscribe(_ context.Context, pin string, fn func(string, domain.Event)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pin] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, pin)
		r.cancels++
	}, nil
}

func (r *loopRelay) deliver(origin string, ev domain.Event) {
	r.mu.Lock()
	fn := r.handlers[ev.Meta().PIN]
	r.mu.Unlock()
	if fn != nil {
		fn(origin, ev)
	}
}

func next(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("update stream closed")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestNotifierMergesEventsAndRecords(t *testing.T) {
	feed := newFakeFeed()
	n := NewNotifier(NewBus(10), feed, nil, nil)

	updates, cancel, err := n.Watch(context.Background(), "123456")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	n.Publish(context.Background(), joined("123456", 2, "alice"))
	if u := next(t, updates); u.Event == nil || u.Version() != 2 {
		t.Fatalf("expected event update, got %+v", u)
	}

	feed.push(domain.GameSession{PIN: "123456", Version: 3})
	if u := next(t, updates); u.Session == nil || u.Version() != 3 {
		t.Fatalf("expected record update, got %+v", u)
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatal("expected stream closed after cancel")
	}
}

func TestNotifierSkipsOwnRelayEchoes(t *testing.T) {
	relay := newLoopRelay()
	bus := NewBus(10)
	n := NewNotifier(bus, nil, relay, nil)

	updates, cancel, err := n.Watch(context.Background(), "123456")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	n.Publish(context.Background(), joined("123456", 2, "local"))
	next(t, updates)
	if len(bus.History("123456")) != 1 {
		t.Fatalf("expected own echo skipped, history=%d", len(bus.History("123456")))
	}

	relay.deliver("other-process", joined("123456", 3, "remote"))
	u := next(t, updates)
	if ev, ok := u.Event.(domain.PlayerJoined); !ok || ev.Name != "remote" {
		t.Fatalf("expected remote event, got %+v", u)
	}
}

func TestNotifierSharesRelaySubscriptionPerPIN(t *testing.T) {
	relay := newLoopRelay()
	n := NewNotifier(NewBus(10), nil, relay, nil)
	ctx := context.Background()

	_, cancelA, err := n.Watch(ctx, "123456")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	_, cancelB, err := n.Watch(ctx, "123456")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	cancelA()
	if relay.cancels != 0 {
		t.Fatalf("expected relay kept while a watcher remains")
	}
	cancelB()
	if relay.cancels != 1 {
		t.Fatalf("expected relay released once, got %d", relay.cancels)
	}
}

func TestFromSnapshots(t *testing.T) {
	src := make(chan domain.GameSession, 1)
	out := FromSnapshots(src)
	src <- domain.GameSession{PIN: "123456", Version: 7}
	close(src)

	if u := next(t, out); u.Session == nil || u.Version() != 7 {
		t.Fatalf("unexpected update %+v", u)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected closed output")
	}
}
