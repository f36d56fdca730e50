package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quiz-session-engine/internal/domain"
)

// EventRelay carries session events between processes over Redis pub/sub on
// quiz:events:{pin}.
type EventRelay struct {
	client *redis.Client
	log    *zap.Logger
}

type relayMessage struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

func NewEventRelay(client *redis.Client, log *zap.Logger) *EventRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventRelay{client: client, log: log.Named("redis_relay")}
}

func (r *EventRelay) Publish(ctx context.Context, origin string, ev domain.Event) error {
	encoded, err := domain.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	raw, err := json.Marshal(relayMessage{Origin: origin, Event: encoded})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(ev.Meta().PIN), raw).Err()
}

// Subscribe invokes fn for every event published for pin until the returned
// cancel function is called or ctx ends.
func (r *EventRelay) Subscribe(ctx context.Context, pin string, fn func(origin string, ev domain.Event)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("event callback required")
	}
	sub := r.client.Subscribe(ctx, r.channel(pin))
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg relayMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.log.Warn("bad relay payload", zap.String("pin", pin), zap.Error(err))
					continue
				}
				ev, err := domain.DecodeEvent(msg.Event)
				if err != nil {
					r.log.Warn("bad relay event", zap.String("pin", pin), zap.Error(err))
					continue
				}
				fn(msg.Origin, ev)
			}
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (r *EventRelay) channel(pin string) string {
	return "quiz:events:" + pin
}
