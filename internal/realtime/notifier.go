package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/ident"
)

// Update is one change hint for a session: either an event from the bus or a
// committed record from the store's change feed.
type Update struct {
	Event   domain.Event
	Session *domain.GameSession
}

// Version returns the session version the update refers to.
func (u Update) Version() int64 {
	if u.Session != nil {
		return u.Session.Version
	}
	if u.Event != nil {
		return u.Event.Meta().Version
	}
	return 0
}

// ChangeFeed streams committed session records for a PIN.
type ChangeFeed interface {
	Subscribe(ctx context.Context, pin string) (<-chan domain.GameSession, func(), error)
}

// Relay carries events between processes. origin identifies the publishing
// notifier so it can skip its own echoes.
type Relay interface {
	Publish(ctx context.Context, origin string, ev domain.Event) error
	Subscribe(ctx context.Context, pin string, fn func(origin string, ev domain.Event)) (func(), error)
}

// Notifier combines the local bus, the store's change feed and an optional
// cross-process relay.
type Notifier struct {
	bus    *Bus
	feed   ChangeFeed
	relay  Relay
	origin string
	buffer int
	log    *zap.Logger

	mu     sync.Mutex
	relays map[string]*relayRef
}

type relayRef struct {
	refs   int
	cancel func()
}

func NewNotifier(bus *Bus, feed ChangeFeed, relay Relay, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		bus:    bus,
		feed:   feed,
		relay:  relay,
		origin: ident.NewID(),
		buffer: 64,
		log:    log.Named("notifier"),
		relays: make(map[string]*relayRef),
	}
}

// Origin identifies this notifier on the relay.
func (n *Notifier) Origin() string { return n.origin }

// Publish delivers events locally and, when configured, to other processes.
// Relay failures are logged; watchers still reconcile through the change feed.
func (n *Notifier) Publish(ctx context.Context, events ...domain.Event) {
	for _, ev := range events {
		n.bus.Publish(ev)
		if n.relay == nil {
			continue
		}
		if err := n.relay.Publish(ctx, n.origin, ev); err != nil {
			n.log.Warn("relay publish failed",
				zap.String("pin", ev.Meta().PIN), zap.String("kind", string(ev.Kind())), zap.Error(err))
		}
	}
}

// Watch merges bus events and change-feed records for pin into one stream.
// The stream closes when ctx ends or cancel is called; callers must call cancel.
func (n *Notifier) Watch(ctx context.Context, pin string) (<-chan Update, func(), error) {
	if err := n.acquireRelay(ctx, pin); err != nil {
		return nil, nil, err
	}

	var (
		feedCh     <-chan domain.GameSession
		feedCancel = func() {}
	)
	if n.feed != nil {
		ch, cancel, err := n.feed.Subscribe(ctx, pin)
		if err != nil {
			n.releaseRelay(pin)
			return nil, nil, err
		}
		feedCh, feedCancel = ch, cancel
	}
	busCh, busCancel := n.bus.Subscribe(pin)

	out := make(chan Update, n.buffer)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer close(out)
		events, snapshots := busCh, feedCh
		for events != nil || snapshots != nil {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				deliver(out, Update{Event: ev})
			case s, ok := <-snapshots:
				if !ok {
					snapshots = nil
					continue
				}
				session := s
				deliver(out, Update{Session: &session})
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			busCancel()
			feedCancel()
			n.releaseRelay(pin)
			<-exited
		})
	}
	return out, cancel, nil
}

func (n *Notifier) acquireRelay(ctx context.Context, pin string) error {
	if n.relay == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if ref, ok := n.relays[pin]; ok {
		ref.refs++
		return nil
	}
	// The relay subscription outlives the first watcher's context.
	cancel, err := n.relay.Subscribe(context.WithoutCancel(ctx), pin, func(origin string, ev domain.Event) {
		if origin == n.origin {
			return
		}
		n.bus.Publish(ev)
	})
	if err != nil {
		return err
	}
	n.relays[pin] = &relayRef{refs: 1, cancel: cancel}
	return nil
}

func (n *Notifier) releaseRelay(pin string) {
	if n.relay == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.relays[pin]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		ref.cancel()
		delete(n.relays, pin)
	}
}

// FromSnapshots adapts a bare change feed into an update stream.
func FromSnapshots(snapshots <-chan domain.GameSession) <-chan Update {
	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for s := range snapshots {
			session := s
			deliver(out, Update{Session: &session})
		}
	}()
	return out
}
