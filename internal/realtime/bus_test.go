package realtime

import (
	"fmt"
	"testing"
	"time"

	"quiz-session-engine/internal/domain"
)

func joined(pin string, version int64, name string) domain.PlayerJoined {
	return domain.PlayerJoined{
		EventMeta: domain.EventMeta{ID: name, PIN: pin, OccurredAt: time.Now(), Version: version},
		PlayerID:  name,
		Name:      name,
	}
}

func TestBusReplaysHistoryToLateSubscribers(t *testing.T) {
	bus := NewBus(3)
	for i, name := range []string{"a", "b", "c", "d"} {
		bus.Publish(joined("123456", int64(i+1), name))
	}

	if got := len(bus.History("123456")); got != 3 {
		t.Fatalf("expected history capped at 3, got %d", got)
	}

	ch, cancel := bus.Subscribe("123456")
	defer cancel()
	for _, want := range []string{"b", "c", "d"} {
		ev := <-ch
		if ev.(domain.PlayerJoined).Name != want {
			t.Fatalf("expected replay of %s, got %+v", want, ev)
		}
	}

	bus.Publish(joined("123456", 5, "e"))
	select {
	case ev := <-ch:
		if ev.(domain.PlayerJoined).Name != "e" {
			t.Fatalf("expected live event e, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestBusIsolatesPINs(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe("111111")
	defer cancel()

	bus.Publish(joined("222222", 1, "other"))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for another pin: %+v", ev)
	default:
	}
}

func TestBusCancelClosesAndForgetsEndedTopic(t *testing.T) {
	bus := NewBus(10)
	ch, cancel := bus.Subscribe("123456")
	if bus.Subscribers("123456") != 1 {
		t.Fatalf("expected one subscriber")
	}

	bus.Publish(domain.GameEnded{EventMeta: domain.EventMeta{PIN: "123456", Version: 9}})
	<-ch
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}
	if bus.History("123456") != nil {
		t.Fatal("expected ended topic dropped once unsubscribed")
	}
}

func TestBusForgetsEndedGameWithoutSubscribers(t *testing.T) {
	bus := NewBus(10)
	for i := 0; i < 1000; i++ {
		pin := fmt.Sprintf("%06d", 100000+i)
		_, cancel := bus.Subscribe(pin)
		cancel()
		bus.Publish(joined(pin, 1, "a"))
		bus.Publish(domain.GameEnded{EventMeta: domain.EventMeta{PIN: pin, Version: 2}})
	}
	if got := bus.Topics(); got != 0 {
		t.Fatalf("expected ended games released, %d topics retained", got)
	}
}

func TestBusEvictsIdleTopics(t *testing.T) {
	now := time.Unix(1700000000, 0)
	bus := NewBus(10, WithIdleTTL(time.Minute), WithClock(func() time.Time { return now }))

	bus.Publish(joined("111111", 1, "abandoned"))
	ch, cancel := bus.Subscribe("222222")
	defer cancel()
	bus.Publish(joined("222222", 1, "watched"))
	<-ch

	now = now.Add(2 * time.Minute)
	bus.Publish(joined("333333", 1, "fresh"))

	if bus.History("111111") != nil {
		t.Fatal("expected idle unsubscribed topic evicted")
	}
	if bus.Subscribers("222222") != 1 || len(bus.History("222222")) != 1 {
		t.Fatal("expected subscribed topic kept")
	}
	if got := bus.Topics(); got != 2 {
		t.Fatalf("expected 2 topics, got %d", got)
	}
}

func TestBusDropsOldestForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe("123456")
	defer cancel()

	total := cap(ch) + 5
	for i := 1; i <= total; i++ {
		bus.Publish(joined("123456", int64(i), "p"))
	}

	if len(ch) != cap(ch) {
		t.Fatalf("expected full buffer, got %d/%d", len(ch), cap(ch))
	}
	var last int64
	for len(ch) > 0 {
		last = (<-ch).Meta().Version
	}
	if last != int64(total) {
		t.Fatalf("expected newest event retained, got version %d", last)
	}
}
