package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/domain"
)

// SessionStore keeps session records in Redis as JSON under quiz:session:{pin}.
// Updates are compare-and-set through WATCH/MULTI on the record version, and
// every committed record is published on quiz:session:{pin}:changes.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewSessionStore(client *redis.Client, ttl time.Duration, log *zap.Logger) *SessionStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionStore{client: client, ttl: ttl, log: log.Named("redis_sessions")}
}

func (s *SessionStore) Create(ctx context.Context, session domain.GameSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := s.key(session.PIN)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current domain.GameSession
			if err := json.Unmarshal(existing, &current); err == nil && current.IsActive() {
				return app.ErrPINInUse
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return app.ErrPINInUse
	}
	if err != nil {
		return err
	}
	s.publish(ctx, session.PIN, raw)
	return nil
}

func (s *SessionStore) Get(ctx context.Context, pin string) (domain.GameSession, error) {
	raw, err := s.client.Get(ctx, s.key(pin)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GameSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.GameSession{}, err
	}
	var session domain.GameSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.GameSession{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (s *SessionStore) CompareAndSwap(ctx context.Context, expected int64, next domain.GameSession) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := s.key(next.PIN)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var current domain.GameSession
		if err := json.Unmarshal(existing, &current); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if current.Version != expected {
			return app.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return app.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	s.publish(ctx, next.PIN, raw)
	return nil
}

// Subscribe streams committed records for pin from the Redis change channel.
// The caller must invoke the returned cancel function.
func (s *SessionStore) Subscribe(ctx context.Context, pin string) (<-chan domain.GameSession, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.changesChannel(pin))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe session changes: %w", err)
	}

	out := make(chan domain.GameSession, 8)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var session domain.GameSession
			if err := json.Unmarshal([]byte(msg.Payload), &session); err != nil {
				s.log.Warn("bad session change payload", zap.String("pin", pin), zap.Error(err))
				continue
			}
			select {
			case out <- session:
			default:
				// drop the stale record so slow readers see the latest one
				select {
				case <-out:
				default:
				}
				out <- session
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

func (s *SessionStore) publish(ctx context.Context, pin string, raw []byte) {
	if err := s.client.Publish(ctx, s.changesChannel(pin), raw).Err(); err != nil {
		s.log.Warn("publish session change", zap.String("pin", pin), zap.Error(err))
	}
}

func (s *SessionStore) key(pin string) string {
	return "quiz:session:" + pin
}

func (s *SessionStore) changesChannel(pin string) string {
	return "quiz:session:" + pin + ":changes"
}
