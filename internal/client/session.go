// Package client provides the per-viewer session handle used by hosts and
// players. The handle caches the last authoritative view of a game and keeps
// it fresh from change notifications and periodic reconciliation.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/ident"
	"quiz-session-engine/internal/realtime"
	"quiz-session-engine/internal/scoring"
)

// DefaultRefreshInterval is the reconciliation period when none is configured.
const DefaultRefreshInterval = 5 * time.Second

// Engine is the session engine as seen by a viewer.
type Engine interface {
	GetSession(ctx context.Context, pin string) (domain.GameSession, error)
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	Join(ctx context.Context, pin, name string) (domain.GameSession, domain.Player, error)
	Leave(ctx context.Context, pin, playerID string) (domain.GameSession, error)
	Start(ctx context.Context, pin string) (domain.GameSession, error)
	SubmitAnswer(ctx context.Context, pin, playerID string, sub domain.Submission) (domain.GameSession, domain.AnswerResult, error)
	Advance(ctx context.Context, pin string) (domain.GameSession, error)
	Watch(ctx context.Context, pin string) (<-chan realtime.Update, func(), error)
}

// Options tunes a Session.
type Options struct {
	// RefreshInterval is the reconciliation period; negative disables it.
	RefreshInterval  time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Logger           *zap.Logger
}

// Session is one viewer's handle on a game. It never changes scores or
// status locally; the cache only takes authoritative records.
type Session struct {
	engine Engine
	opts   Options
	log    *zap.Logger

	mu        sync.RWMutex
	pin       string
	game      *domain.GameSession
	quiz      *domain.Quiz
	playerID  string
	connected bool
	lastErr   error

	changes    chan struct{}
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func New(engine Engine, opts Options) *Session {
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 200 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		engine:  engine,
		opts:    opts,
		log:     opts.Logger.Named("client"),
		changes: make(chan struct{}, 1),
	}
}

// Connect attaches the handle to the game behind pin and starts following it.
func (s *Session) Connect(ctx context.Context, pin string) error {
	if !ident.ValidPIN(pin) {
		return s.record(domain.Validation(domain.CodeValidation, "pin must be 6 digits"))
	}
	s.mu.RLock()
	same := s.connected && s.pin == pin
	s.mu.RUnlock()
	if same {
		return s.Refresh(ctx)
	}
	s.Disconnect()

	game, err := s.engine.GetSession(ctx, pin)
	if err != nil {
		return s.record(err)
	}
	quiz, err := s.engine.GetQuiz(ctx, game.QuizID)
	if err != nil {
		return s.record(err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, stop, err := s.engine.Watch(loopCtx, pin)
	if err != nil {
		cancel()
		return s.record(err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.pin = pin
	s.game = &game
	s.quiz = &quiz
	s.playerID = ""
	s.connected = true
	s.lastErr = nil
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()
	s.notify()

	go s.follow(loopCtx, pin, updates, stop, done)
	s.log.Debug("connected", zap.String("pin", pin))
	return nil
}

// Disconnect stops following the game. The last view stays readable.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.notify()
	}
}

// Join connects to pin if needed and joins the game as name. A handle holds
// at most one player per game.
func (s *Session) Join(ctx context.Context, pin, name string) (*domain.Player, error) {
	s.mu.RLock()
	connected := s.connected && s.pin == pin
	s.mu.RUnlock()
	if !connected {
		if err := s.Connect(ctx, pin); err != nil {
			return nil, err
		}
	}
	if _, ok := s.CurrentPlayer(); ok {
		return nil, s.record(domain.ErrAlreadyJoined)
	}

	game, player, err := s.engine.Join(ctx, pin, name)
	if err != nil {
		return nil, s.record(err)
	}
	s.mu.Lock()
	s.playerID = player.ID
	s.mu.Unlock()
	s.apply(game)
	s.record(nil)
	return &player, nil
}

// Leave removes the current player from a game that has not started.
func (s *Session) Leave(ctx context.Context) error {
	pin, playerID, err := s.identity(true)
	if err != nil {
		return s.record(err)
	}
	game, err := s.engine.Leave(ctx, pin, playerID)
	if err != nil {
		return s.record(err)
	}
	s.mu.Lock()
	s.playerID = ""
	s.mu.Unlock()
	s.apply(game)
	return s.record(nil)
}

// Start begins the game (host).
func (s *Session) Start(ctx context.Context) error {
	pin, _, err := s.identity(false)
	if err != nil {
		return s.record(err)
	}
	game, err := s.engine.Start(ctx, pin)
	if err != nil {
		return s.record(err)
	}
	s.apply(game)
	return s.record(nil)
}

// SubmitAnswer answers the current question as the joined player.
func (s *Session) SubmitAnswer(ctx context.Context, questionID, answerID string, timeSpent float64) (domain.AnswerResult, error) {
	pin, playerID, err := s.identity(true)
	if err != nil {
		return domain.AnswerResult{}, s.record(err)
	}
	game, result, err := s.engine.SubmitAnswer(ctx, pin, playerID, domain.Submission{
		QuestionID: questionID,
		AnswerID:   answerID,
		TimeSpent:  timeSpent,
	})
	if err != nil {
		return domain.AnswerResult{}, s.record(err)
	}
	s.apply(game)
	s.record(nil)
	return result, nil
}

// AdvanceQuestion moves the game to its next question (host).
func (s *Session) AdvanceQuestion(ctx context.Context) error {
	pin, _, err := s.identity(false)
	if err != nil {
		return s.record(err)
	}
	game, err := s.engine.Advance(ctx, pin)
	if err != nil {
		return s.record(err)
	}
	s.apply(game)
	return s.record(nil)
}

// Refresh re-reads the authoritative session record.
func (s *Session) Refresh(ctx context.Context) error {
	return s.record(s.refresh(ctx))
}

// refresh is the background form of Refresh; it leaves Err untouched.
func (s *Session) refresh(ctx context.Context) error {
	pin, _, err := s.identity(false)
	if err != nil {
		return err
	}
	game, err := s.engine.GetSession(ctx, pin)
	if err != nil {
		return err
	}

	s.mu.RLock()
	needQuiz := s.quiz == nil || s.quiz.ID != game.QuizID
	s.mu.RUnlock()
	if needQuiz {
		quiz, err := s.engine.GetQuiz(ctx, game.QuizID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.quiz = &quiz
		s.mu.Unlock()
	}
	s.apply(game)
	return nil
}

// Changes signals that the cached view changed. Signals coalesce.
func (s *Session) Changes() <-chan struct{} { return s.changes }

func (s *Session) PIN() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pin
}

// Game returns a copy of the cached session.
func (s *Session) Game() (domain.GameSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return domain.GameSession{}, false
	}
	return s.game.Clone(), true
}

// Quiz returns the cached quiz.
func (s *Session) Quiz() (domain.Quiz, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quiz == nil {
		return domain.Quiz{}, false
	}
	return *s.quiz, true
}

// CurrentPlayer returns the joined player as of the last authoritative view.
func (s *Session) CurrentPlayer() (domain.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil || s.playerID == "" {
		return domain.Player{}, false
	}
	p, ok := s.game.Player(s.playerID)
	if !ok {
		return domain.Player{}, false
	}
	return *p, true
}

// CurrentQuestion resolves the cached cursor against the cached quiz.
func (s *Session) CurrentQuestion() (domain.Question, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil || s.quiz == nil {
		return domain.Question{}, false
	}
	return domain.CurrentQuestion(*s.game, *s.quiz)
}

func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Err returns the error of the last operation, nil if it succeeded.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// CanStart reports whether the game waits and has players.
func (s *Session) CanStart() bool {
	return s.statusIs(domain.StatusWaiting) && s.playerCount() > 0
}

// IsActive reports whether questions are being played.
func (s *Session) IsActive() bool { return s.statusIs(domain.StatusPlaying) }

func (s *Session) IsFinished() bool { return s.statusIs(domain.StatusFinished) }

// Leaderboard ranks the cached players.
func (s *Session) Leaderboard() []domain.LeaderboardEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return nil
	}
	return scoring.Rank(s.game.Players)
}

func (s *Session) statusIs(status domain.Status) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.game != nil && s.game.Status == status
}

func (s *Session) playerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return 0
	}
	return len(s.game.Players)
}

func (s *Session) identity(needPlayer bool) (pin, playerID string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.pin == "" {
		return "", "", domain.ErrNotConnected
	}
	if needPlayer && s.playerID == "" {
		return "", "", domain.ErrPlayerNotFound
	}
	return s.pin, s.playerID, nil
}

// apply replaces the cache when game is at least as new as the cached record.
func (s *Session) apply(game domain.GameSession) {
	s.mu.Lock()
	// A different ID under the same PIN is a new session and always wins.
	if s.game != nil && s.game.ID == game.ID && game.Version < s.game.Version {
		s.mu.Unlock()
		return
	}
	g := game.Clone()
	s.game = &g
	s.mu.Unlock()
	s.notify()
}

func (s *Session) cachedVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.game == nil {
		return 0
	}
	return s.game.Version
}

func (s *Session) record(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// follow consumes change hints until ctx ends, refreshing on each one and on
// every reconciliation tick, and resubscribes when the stream drops.
func (s *Session) follow(ctx context.Context, pin string, updates <-chan realtime.Update, stop func(), done chan struct{}) {
	defer close(done)
	defer func() { stop() }()

	var tick <-chan time.Time
	if s.opts.RefreshInterval > 0 {
		ticker := time.NewTicker(s.opts.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				stop()
				next, nextStop, err := s.resubscribe(ctx, pin, done)
				if err != nil {
					return
				}
				updates, stop = next, nextStop
				continue
			}
			s.handle(ctx, u)
		case <-tick:
			if err := s.refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("reconcile failed", zap.String("pin", pin), zap.Error(err))
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, u realtime.Update) {
	if u.Session != nil {
		s.apply(*u.Session)
		return
	}
	if v := u.Version(); v != 0 && v <= s.cachedVersion() {
		return
	}
	if err := s.refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("refresh after event failed", zap.String("pin", pinOf(u)), zap.Error(err))
	}
}

// resubscribe reopens the watch stream for the loop identified by done. It
// gives up when that loop is no longer the current one.
func (s *Session) resubscribe(ctx context.Context, pin string, done chan struct{}) (<-chan realtime.Update, func(), error) {
	if !s.setConnected(ctx, done, false) {
		return nil, nil, context.Canceled
	}
	s.notify()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectInitial
	b.MaxInterval = s.opts.ReconnectMax
	b.MaxElapsedTime = 0

	var (
		updates <-chan realtime.Update
		stop    func()
	)
	err := backoff.RetryNotify(func() error {
		ch, cancel, err := s.engine.Watch(ctx, pin)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		updates, stop = ch, cancel
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		s.log.Warn("watch lost, reconnecting", zap.String("pin", pin), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() == nil {
			s.record(err)
		}
		return nil, nil, err
	}
	if !s.setConnected(ctx, done, true) {
		stop()
		return nil, nil, context.Canceled
	}
	s.notify()
	if err := s.refresh(ctx); err != nil {
		s.log.Warn("refresh after reconnect failed", zap.String("pin", pin), zap.Error(err))
	}
	return updates, stop, nil
}

// setConnected updates the connection flag only while the loop identified by
// done is still current. Disconnect clears loopDone under the same lock.
func (s *Session) setConnected(ctx context.Context, done chan struct{}, connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != done || ctx.Err() != nil {
		return false
	}
	s.connected = connected
	return true
}

func pinOf(u realtime.Update) string {
	if u.Event != nil {
		return u.Event.Meta().PIN
	}
	if u.Session != nil {
		return u.Session.PIN
	}
	return ""
}
