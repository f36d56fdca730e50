package app

import (
	"context"
	"errors"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/realtime"
)

var (
	// ErrVersionConflict is returned by CompareAndSwap when the stored record
	// moved past the expected version.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrPINInUse is returned by Create when an active session holds the PIN.
	ErrPINInUse = errors.New("pin held by an active session")
)

// QuizRepository stores authored quizzes (cache, Postgres, memory).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	SaveQuiz(ctx context.Context, quiz domain.Quiz) error
}

// SessionRepository is the store of record for game sessions, keyed by PIN.
// Implementations publish every committed record on their change feed.
type SessionRepository interface {
	Create(ctx context.Context, session domain.GameSession) error
	Get(ctx context.Context, pin string) (domain.GameSession, error)
	// CompareAndSwap stores next only if the stored version equals expected.
	CompareAndSwap(ctx context.Context, expected int64, next domain.GameSession) error
	realtime.ChangeFeed
}

// Propagator fans committed changes out to every participant of a session.
type Propagator interface {
	Publish(ctx context.Context, events ...domain.Event)
	Watch(ctx context.Context, pin string) (<-chan realtime.Update, func(), error)
}

// ResultArchive keeps final standings of finished sessions.
type ResultArchive interface {
	Archive(ctx context.Context, session domain.GameSession, quiz domain.Quiz, board []domain.LeaderboardEntry) error
}
