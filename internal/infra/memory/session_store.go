package memory

import (
	"context"
	"sync"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository with
// version checked updates and a per-PIN change feed.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]domain.GameSession
	subscribers map[string]map[chan domain.GameSession]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]domain.GameSession),
		subscribers: make(map[string]map[chan domain.GameSession]struct{}),
	}
}

// Create stores a new session unless an active session already holds its PIN.
// A finished session under the same PIN is replaced.
func (s *SessionStore) Create(_ context.Context, session domain.GameSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.PIN]; ok && existing.IsActive() {
		return app.ErrPINInUse
	}
	s.sessions[session.PIN] = session.Clone()
	s.broadcastLocked(session)
	return nil
}

func (s *SessionStore) Get(_ context.Context, pin string) (domain.GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[pin]
	if !ok {
		return domain.GameSession{}, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *SessionStore) CompareAndSwap(_ context.Context, expected int64, next domain.GameSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[next.PIN]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if current.Version != expected {
		return app.ErrVersionConflict
	}
	s.sessions[next.PIN] = next.Clone()
	s.broadcastLocked(next)
	return nil
}

// Subscribe returns a channel that receives every committed record for pin.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *SessionStore) Subscribe(_ context.Context, pin string) (<-chan domain.GameSession, func(), error) {
	ch := make(chan domain.GameSession, 8)

	s.mu.Lock()
	if s.subscribers[pin] == nil {
		s.subscribers[pin] = make(map[chan domain.GameSession]struct{})
	}
	s.subscribers[pin][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subscribers[pin][ch]; ok {
				delete(s.subscribers[pin], ch)
				close(ch)
			}
			if len(s.subscribers[pin]) == 0 {
				delete(s.subscribers, pin)
			}
		})
	}
	return ch, cancel, nil
}

// Delete drops a session record.
func (s *SessionStore) Delete(_ context.Context, pin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, pin)
}

func (s *SessionStore) broadcastLocked(session domain.GameSession) {
	for ch := range s.subscribers[session.PIN] {
		snapshot := session.Clone()
		select {
		case ch <- snapshot:
		default:
			// drop the stale record so slow readers see the latest one
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}
