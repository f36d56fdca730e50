package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/ident"
	"quiz-session-engine/internal/realtime"
	"quiz-session-engine/internal/scoring"
)

const maxNameLength = 32

// Options tunes the session service. Zero values fall back to defaults.
type Options struct {
	// RetryAttempts bounds attempts against transient store failures.
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	// ConflictRetries bounds immediate re-reads after a lost compare-and-set.
	ConflictRetries int
	// PINAttempts bounds PIN regeneration on collision.
	PINAttempts int

	Clock   func() time.Time
	PINs    *ident.PINGenerator
	Archive ResultArchive
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 50 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Second
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 32
	}
	if o.PINAttempts <= 0 {
		o.PINAttempts = 20
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.PINs == nil {
		o.PINs = ident.NewPINGenerator()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// SessionService owns the game session lifecycle. It is the only writer of
// session records.
type SessionService struct {
	sessions   SessionRepository
	quizzes    QuizRepository
	propagator Propagator
	opts       Options
	log        *zap.Logger
}

func NewSessionService(sessions SessionRepository, quizzes QuizRepository, propagator Propagator, opts Options) *SessionService {
	opts = opts.withDefaults()
	return &SessionService{
		sessions:   sessions,
		quizzes:    quizzes,
		propagator: propagator,
		opts:       opts,
		log:        opts.Logger.Named("session"),
	}
}

// CreateQuiz validates an authored quiz, assigns missing ids and stores it.
func (s *SessionService) CreateQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error) {
	quiz.Title = strings.TrimSpace(quiz.Title)
	if quiz.Title == "" {
		return domain.Quiz{}, domain.Validation(domain.CodeInvalidQuiz, "quiz title is required")
	}
	if len(quiz.Questions) == 0 {
		return domain.Quiz{}, domain.Validation(domain.CodeInvalidQuiz, "quiz needs at least one question")
	}
	if quiz.ID == "" {
		quiz.ID = ident.NewID()
	}
	if quiz.CreatedAt.IsZero() {
		quiz.CreatedAt = s.opts.Clock()
	}

	questions := make([]domain.Question, len(quiz.Questions))
	for i, q := range quiz.Questions {
		q, err := normalizeQuestion(q)
		if err != nil {
			return domain.Quiz{}, err
		}
		if n := q.CorrectCount(); n != 1 {
			s.log.Warn("question does not have exactly one correct answer",
				zap.String("quiz_id", quiz.ID), zap.String("question_id", q.ID), zap.Int("correct", n))
		}
		questions[i] = q
	}
	quiz.Questions = questions

	if err := s.retry(ctx, func() error { return s.quizzes.SaveQuiz(ctx, quiz) }); err != nil {
		return domain.Quiz{}, err
	}
	s.log.Info("quiz created", zap.String("quiz_id", quiz.ID), zap.Int("questions", len(quiz.Questions)))
	return quiz, nil
}

func normalizeQuestion(q domain.Question) (domain.Question, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return q, domain.Validation(domain.CodeInvalidQuiz, "question prompt is required")
	}
	if q.TimeLimit <= 0 {
		return q, domain.Validation(domain.CodeInvalidQuiz, "question time limit must be positive")
	}
	if len(q.Answers) == 0 {
		return q, domain.Validation(domain.CodeInvalidQuiz, "question needs at least one answer")
	}
	if q.Points <= 0 {
		q.Points = domain.DefaultQuestionPoints
	}
	if q.ID == "" {
		q.ID = ident.NewID()
	}
	answers := make([]domain.Answer, len(q.Answers))
	seen := make(map[string]struct{}, len(q.Answers))
	for i, a := range q.Answers {
		if a.ID == "" {
			a.ID = ident.NewID()
		}
		if _, dup := seen[a.ID]; dup {
			return q, domain.Validation(domain.CodeInvalidQuiz, "answer ids must be unique within a question")
		}
		seen[a.ID] = struct{}{}
		answers[i] = a
	}
	q.Answers = answers
	return q, nil
}

// GetQuiz loads a quiz.
func (s *SessionService) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var quiz domain.Quiz
	err := s.retry(ctx, func() error {
		q, err := s.quizzes.GetQuiz(ctx, quizID)
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(domain.ErrQuizNotFound)
		}
		quiz = q
		return err
	})
	return quiz, err
}

// GetSession returns the authoritative session record.
func (s *SessionService) GetSession(ctx context.Context, pin string) (domain.GameSession, error) {
	var session domain.GameSession
	err := s.retry(ctx, func() error {
		got, err := s.sessions.Get(ctx, pin)
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(domain.ErrSessionNotFound)
		}
		session = got
		return err
	})
	return session, err
}

// CreateSession opens a waiting session for quizID under a fresh PIN.
func (s *SessionService) CreateSession(ctx context.Context, quizID string) (domain.GameSession, error) {
	quiz, err := s.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.GameSession{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.GameSession{}, domain.Validation(domain.CodeInvalidQuiz, "quiz has no questions")
	}

	for attempt := 0; attempt < s.opts.PINAttempts; attempt++ {
		session := domain.GameSession{
			ID:            ident.NewID(),
			QuizID:        quiz.ID,
			PIN:           s.opts.PINs.Next(),
			Status:        domain.StatusWaiting,
			QuestionCount: len(quiz.Questions),
			Players:       []domain.Player{},
			CreatedAt:     s.opts.Clock(),
			Version:       1,
		}
		err := s.retry(ctx, func() error {
			err := s.sessions.Create(ctx, session)
			if errors.Is(err, ErrPINInUse) {
				return backoff.Permanent(err)
			}
			return err
		})
		if errors.Is(err, ErrPINInUse) {
			s.log.Debug("pin collision, regenerating", zap.String("pin", session.PIN))
			continue
		}
		if err != nil {
			return domain.GameSession{}, err
		}
		s.log.Info("session created", zap.String("pin", session.PIN), zap.String("quiz_id", quiz.ID))
		return session, nil
	}
	return domain.GameSession{}, domain.Conflict(domain.CodePinExhausted, "could not allocate a unique pin")
}

// Join adds a player to a waiting session.
func (s *SessionService) Join(ctx context.Context, pin, name string) (domain.GameSession, domain.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.GameSession{}, domain.Player{}, domain.Validation(domain.CodeValidation, "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return domain.GameSession{}, domain.Player{}, domain.Validation(domain.CodeValidation, "name is too long")
	}

	var player domain.Player
	session, err := s.mutate(ctx, pin, func(next *domain.GameSession) error {
		if next.Status != domain.StatusWaiting {
			return domain.ErrAlreadyStarted
		}
		if next.NameTaken(name) {
			return domain.ErrNameTaken
		}
		player = domain.Player{
			ID:       ident.NewID(),
			Name:     name,
			Answers:  []domain.AnswerRecord{},
			JoinedAt: s.opts.Clock(),
		}
		next.Players = append(next.Players, player)
		return nil
	})
	if err != nil {
		return domain.GameSession{}, domain.Player{}, err
	}

	s.publish(ctx, domain.PlayerJoined{EventMeta: s.meta(session), PlayerID: player.ID, Name: player.Name})
	s.log.Info("player joined", zap.String("pin", pin), zap.String("player_id", player.ID))
	return session, player, nil
}

// Leave removes a player from a session that has not started yet.
func (s *SessionService) Leave(ctx context.Context, pin, playerID string) (domain.GameSession, error) {
	var left domain.Player
	session, err := s.mutate(ctx, pin, func(next *domain.GameSession) error {
		if next.Status != domain.StatusWaiting {
			return domain.InvalidState(domain.CodeInvalidState, "players can only leave before the game starts")
		}
		for i, p := range next.Players {
			if p.ID == playerID {
				left = p
				next.Players = append(next.Players[:i], next.Players[i+1:]...)
				return nil
			}
		}
		return domain.ErrPlayerNotFound
	})
	if err != nil {
		return domain.GameSession{}, err
	}
	s.publish(ctx, domain.PlayerLeft{EventMeta: s.meta(session), PlayerID: left.ID, Name: left.Name})
	return session, nil
}

// Start moves a waiting session with players to its first question.
func (s *SessionService) Start(ctx context.Context, pin string) (domain.GameSession, error) {
	current, err := s.GetSession(ctx, pin)
	if err != nil {
		return domain.GameSession{}, err
	}
	quiz, err := s.GetQuiz(ctx, current.QuizID)
	if err != nil {
		return domain.GameSession{}, err
	}

	session, err := s.mutate(ctx, pin, func(next *domain.GameSession) error {
		if next.Status != domain.StatusWaiting {
			return domain.InvalidState(domain.CodeInvalidState, "game is not waiting to start")
		}
		if len(next.Players) == 0 {
			return domain.ErrNoPlayers
		}
		now := s.opts.Clock()
		next.Status = domain.StatusPlaying
		next.CurrentQuestionIndex = 0
		next.QuestionCount = len(quiz.Questions)
		next.StartedAt = &now
		next.QuestionStartedAt = &now
		return nil
	})
	if err != nil {
		return domain.GameSession{}, err
	}

	meta := s.meta(session)
	first := quiz.Questions[0]
	s.publish(ctx,
		domain.GameStarted{EventMeta: meta, PlayerCount: len(session.Players)},
		domain.QuestionStarted{EventMeta: s.meta(session), QuestionIndex: 0, QuestionID: first.ID, TimeLimit: first.TimeLimit},
	)
	s.log.Info("game started", zap.String("pin", pin), zap.Int("players", len(session.Players)))
	return session, nil
}

// SubmitAnswer scores a player's answer against the session's current
// question. The submission's question id is only used to detect duplicates
// and stale submissions.
func (s *SessionService) SubmitAnswer(ctx context.Context, pin, playerID string, sub domain.Submission) (domain.GameSession, domain.AnswerResult, error) {
	if math.IsNaN(sub.TimeSpent) || sub.TimeSpent < 0 {
		return domain.GameSession{}, domain.AnswerResult{}, domain.Validation(domain.CodeInvalidTimeSpent, "time spent must be a non-negative number")
	}
	current, err := s.GetSession(ctx, pin)
	if err != nil {
		return domain.GameSession{}, domain.AnswerResult{}, err
	}
	quiz, err := s.GetQuiz(ctx, current.QuizID)
	if err != nil {
		return domain.GameSession{}, domain.AnswerResult{}, err
	}

	var (
		result   domain.AnswerResult
		answered int
	)
	session, err := s.mutate(ctx, pin, func(next *domain.GameSession) error {
		if next.Status != domain.StatusPlaying {
			return domain.InvalidState(domain.CodeInvalidState, "game is not in progress")
		}
		player, ok := next.Player(playerID)
		if !ok {
			return domain.ErrPlayerNotFound
		}
		question, ok := domain.CurrentQuestion(*next, quiz)
		if !ok {
			return domain.InvalidState(domain.CodeInvalidState, "no active question")
		}
		if sub.QuestionID != "" && sub.QuestionID != question.ID {
			if _, done := player.AnswerFor(sub.QuestionID); done {
				return domain.ErrDuplicateAnswer
			}
			return domain.InvalidState(domain.CodeStaleQuestion, "question is no longer active")
		}
		if _, done := player.AnswerFor(question.ID); done {
			return domain.ErrDuplicateAnswer
		}

		correct := false
		if sub.AnswerID != "" {
			answer, ok := question.Answer(sub.AnswerID)
			if !ok {
				return domain.Validation(domain.CodeUnknownAnswer, "answer does not belong to the current question")
			}
			correct = answer.IsCorrect
		}
		spent := scoring.ClampTime(question, sub.TimeSpent)
		if sub.AnswerID == "" {
			spent = float64(question.TimeLimit)
		}
		points := scoring.ComputePoints(question, correct, spent)

		player.Answers = append(player.Answers, domain.AnswerRecord{
			QuestionID: question.ID,
			AnswerID:   sub.AnswerID,
			TimeSpent:  spent,
			IsCorrect:  correct,
			Points:     points,
			AnsweredAt: s.opts.Clock(),
		})
		player.Score += points

		result = domain.AnswerResult{QuestionID: question.ID, Correct: correct, Awarded: points, TotalScore: player.Score}
		answered = 0
		for _, p := range next.Players {
			if _, ok := p.AnswerFor(question.ID); ok {
				answered++
			}
		}
		return nil
	})
	if err != nil {
		return domain.GameSession{}, domain.AnswerResult{}, err
	}

	s.publish(ctx, domain.AnswerSubmitted{
		EventMeta:  s.meta(session),
		PlayerID:   playerID,
		QuestionID: result.QuestionID,
		Answered:   answered,
	})
	return session, result, nil
}

// Advance moves the cursor to the next question, finishing the session after
// the last one.
func (s *SessionService) Advance(ctx context.Context, pin string) (domain.GameSession, error) {
	current, err := s.GetSession(ctx, pin)
	if err != nil {
		return domain.GameSession{}, err
	}
	quiz, err := s.GetQuiz(ctx, current.QuizID)
	if err != nil {
		return domain.GameSession{}, err
	}

	session, err := s.mutate(ctx, pin, func(next *domain.GameSession) error {
		if next.Status != domain.StatusPlaying {
			return domain.InvalidState(domain.CodeInvalidState, "game is not in progress")
		}
		now := s.opts.Clock()
		next.CurrentQuestionIndex++
		if next.CurrentQuestionIndex >= len(quiz.Questions) {
			next.CurrentQuestionIndex = len(quiz.Questions)
			next.Status = domain.StatusFinished
			next.FinishedAt = &now
			next.QuestionStartedAt = nil
			return nil
		}
		next.QuestionStartedAt = &now
		return nil
	})
	if err != nil {
		return domain.GameSession{}, err
	}

	if session.Status == domain.StatusFinished {
		board := scoring.Rank(session.Players)
		s.publish(ctx, domain.GameEnded{EventMeta: s.meta(session), Leaderboard: board})
		s.archive(ctx, session, quiz, board)
		s.log.Info("game finished", zap.String("pin", pin))
		return session, nil
	}

	q := quiz.Questions[session.CurrentQuestionIndex]
	s.publish(ctx, domain.QuestionStarted{
		EventMeta:     s.meta(session),
		QuestionIndex: session.CurrentQuestionIndex,
		QuestionID:    q.ID,
		TimeLimit:     q.TimeLimit,
	})
	return session, nil
}

// Leaderboard ranks the players of a session.
func (s *SessionService) Leaderboard(ctx context.Context, pin string) (domain.Leaderboard, error) {
	session, err := s.GetSession(ctx, pin)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return domain.Leaderboard{
		PIN:       session.PIN,
		Status:    session.Status,
		Entries:   scoring.Rank(session.Players),
		UpdatedAt: s.opts.Clock(),
	}, nil
}

// Watch streams change hints for a session. The caller must invoke the
// returned cancel function.
func (s *SessionService) Watch(ctx context.Context, pin string) (<-chan realtime.Update, func(), error) {
	if _, err := s.GetSession(ctx, pin); err != nil {
		return nil, nil, err
	}
	if s.propagator == nil {
		updates, cancel, err := s.sessions.Subscribe(ctx, pin)
		if err != nil {
			return nil, nil, domain.Persistence(err)
		}
		return realtime.FromSnapshots(updates), cancel, nil
	}
	return s.propagator.Watch(ctx, pin)
}

// mutate applies fn to a fresh copy of the stored session and commits it with
// compare-and-set. Lost races re-read and re-apply; transient store failures
// are retried with backoff. Nothing is visible unless the commit succeeds.
func (s *SessionService) mutate(ctx context.Context, pin string, fn func(next *domain.GameSession) error) (domain.GameSession, error) {
	var committed domain.GameSession
	err := s.retry(ctx, func() error {
		for i := 0; i < s.opts.ConflictRetries; i++ {
			current, err := s.sessions.Get(ctx, pin)
			if errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(domain.ErrSessionNotFound)
			}
			if err != nil {
				return err
			}

			next := current.Clone()
			if err := fn(&next); err != nil {
				return backoff.Permanent(err)
			}
			next.Version = current.Version + 1

			err = s.sessions.CompareAndSwap(ctx, current.Version, next)
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			if err != nil {
				return err
			}
			committed = next
			return nil
		}
		return ErrVersionConflict
	})
	return committed, err
}

func (s *SessionService) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxInterval = s.opts.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.RetryAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.log.Warn("store operation failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err == nil || domain.IsTyped(err) {
		return err
	}
	return domain.Persistence(err)
}

func (s *SessionService) meta(session domain.GameSession) domain.EventMeta {
	return domain.EventMeta{
		ID:         ident.NewID(),
		PIN:        session.PIN,
		OccurredAt: s.opts.Clock(),
		Version:    session.Version,
	}
}

func (s *SessionService) publish(ctx context.Context, events ...domain.Event) {
	if s.propagator == nil {
		return
	}
	s.propagator.Publish(ctx, events...)
}

func (s *SessionService) archive(ctx context.Context, session domain.GameSession, quiz domain.Quiz, board []domain.LeaderboardEntry) {
	if s.opts.Archive == nil {
		return
	}
	if err := s.opts.Archive.Archive(ctx, session, quiz, board); err != nil {
		s.log.Error("archive results", zap.String("pin", session.PIN), zap.Error(err))
	}
}
