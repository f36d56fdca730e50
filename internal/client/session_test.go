package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/infra/memory"
	"quiz-session-engine/internal/realtime"
)

func TestHostAndPlayerFollowTheGame(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, err := service.CreateSession(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	host := New(service, Options{RefreshInterval: -1})
	defer host.Disconnect()
	if err := host.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("host connect: %v", err)
	}
	if host.CanStart() {
		t.Fatal("expected no start without players")
	}

	player := New(service, Options{RefreshInterval: -1})
	defer player.Disconnect()
	me, err := player.Join(ctx, game.PIN, "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !player.IsConnected() || me.Name != "Alice" {
		t.Fatalf("expected connected player Alice, got %+v", me)
	}

	waitFor(t, "host sees player", host.CanStart)
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "player sees start", player.IsActive)

	q, ok := player.CurrentQuestion()
	if !ok || q.ID != "q1" {
		t.Fatalf("expected first question, got %+v ok=%v", q, ok)
	}
	res, err := player.SubmitAnswer(ctx, q.ID, "q1-b", 0)
	if err != nil || res.Awarded != 1000 {
		t.Fatalf("submit: res=%+v err=%v", res, err)
	}
	if p, _ := player.CurrentPlayer(); p.Score != 1000 {
		t.Fatalf("expected score reflected from the committed record, got %d", p.Score)
	}
	if _, err := player.SubmitAnswer(ctx, q.ID, "q1-b", 0); domain.CodeOf(err) != domain.CodeDuplicateAnswer {
		t.Fatalf("expected duplicate answer, got %v", err)
	}
	if !errors.Is(player.Err(), domain.ErrConflict) {
		t.Fatalf("expected last error recorded, got %v", player.Err())
	}

	for i := 0; i < 2; i++ {
		if err := host.AdvanceQuestion(ctx); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if host.Err() != nil {
		t.Fatalf("expected error cleared after success, got %v", host.Err())
	}
	waitFor(t, "player sees finish", player.IsFinished)

	board := player.Leaderboard()
	if len(board) != 1 || board[0].Name != "Alice" || board[0].Score != 1000 {
		t.Fatalf("unexpected leaderboard %+v", board)
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	ctx := context.Background()
	s := New(newService(), Options{RefreshInterval: -1})

	if err := s.Start(ctx); !errors.Is(err, domain.ErrInvalidState) || domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected, got %v", err)
	}
	if _, err := s.SubmitAnswer(ctx, "q1", "q1-a", 1); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := s.Connect(ctx, "12ab"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.Connect(ctx, "654321"); domain.CodeOf(err) != domain.CodeSessionNotFound {
		t.Fatalf("expected session not found, got %v", err)
	}
	if s.IsConnected() {
		t.Fatal("expected disconnected")
	}
	if _, ok := s.Game(); ok {
		t.Fatal("expected no cached game")
	}
}

func TestOperationsFailAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	player := New(service, Options{RefreshInterval: -1})
	if _, err := player.Join(ctx, game.PIN, "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	player.Disconnect()
	if player.IsConnected() {
		t.Fatal("expected disconnected")
	}

	if err := player.Start(ctx); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected on start, got %v", err)
	}
	if _, err := player.SubmitAnswer(ctx, "q1", "q1-b", 1); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected on answer, got %v", err)
	}
	if err := player.AdvanceQuestion(ctx); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected on advance, got %v", err)
	}
	if err := player.Leave(ctx); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected on leave, got %v", err)
	}

	stored, err := service.GetSession(ctx, game.PIN)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != domain.StatusWaiting || len(stored.Players) != 1 {
		t.Fatalf("expected untouched session, got %+v", stored)
	}
	if _, ok := player.Game(); !ok {
		t.Fatal("expected last view kept after disconnect")
	}
}

func TestJoinTwiceKeepsFirstPlayer(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	s := New(service, Options{RefreshInterval: -1})
	defer s.Disconnect()
	first, err := s.Join(ctx, game.PIN, "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := s.Join(ctx, game.PIN, "Bob"); domain.CodeOf(err) != domain.CodeAlreadyJoined {
		t.Fatalf("expected already joined, got %v", err)
	}
	if p, ok := s.CurrentPlayer(); !ok || p.ID != first.ID {
		t.Fatalf("expected first player kept, got %+v", p)
	}
	stored, _ := service.GetSession(ctx, game.PIN)
	if len(stored.Players) != 1 {
		t.Fatalf("expected a single player, got %+v", stored.Players)
	}

	if err := s.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := s.Join(ctx, game.PIN, "Bob"); err != nil {
		t.Fatalf("rejoin after leave: %v", err)
	}
}

func TestHostCannotAnswerWithoutJoining(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	host := New(service, Options{RefreshInterval: -1})
	defer host.Disconnect()
	if err := host.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := host.SubmitAnswer(ctx, "q1", "q1-a", 1); domain.CodeOf(err) != domain.CodePlayerNotFound {
		t.Fatalf("expected player not found, got %v", err)
	}
	if _, ok := host.CurrentPlayer(); ok {
		t.Fatal("host has no player")
	}
}

func TestApplyIgnoresOlderRecords(t *testing.T) {
	s := New(newService(), Options{RefreshInterval: -1})
	s.apply(domain.GameSession{ID: "s1", PIN: "123456", Version: 5, Status: domain.StatusPlaying})
	s.apply(domain.GameSession{ID: "s1", PIN: "123456", Version: 4, Status: domain.StatusWaiting})

	game, _ := s.Game()
	if game.Version != 5 || game.Status != domain.StatusPlaying {
		t.Fatalf("expected newer record kept, got %+v", game)
	}

	// a new session reusing the pin replaces the cache
	s.apply(domain.GameSession{ID: "s2", PIN: "123456", Version: 1, Status: domain.StatusWaiting})
	if game, _ := s.Game(); game.ID != "s2" {
		t.Fatalf("expected new session to win, got %+v", game)
	}
}

func TestReconnectsWhenStreamDrops(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	engine := &droppingEngine{SessionService: service}
	s := New(engine, Options{RefreshInterval: -1, ReconnectInitial: time.Millisecond, ReconnectMax: 5 * time.Millisecond})
	defer s.Disconnect()
	if err := s.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("connect: %v", err)
	}

	engine.drop()
	waitFor(t, "resubscribed", func() bool { return engine.calls.Load() >= 2 && s.IsConnected() })

	if _, _, err := service.Join(ctx, game.PIN, "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "update after reconnect", s.CanStart)
}

func TestDisconnectDuringReconnectLeavesNoError(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	engine := &droppingEngine{SessionService: service, failAfterDrop: true}
	s := New(engine, Options{RefreshInterval: -1, ReconnectInitial: time.Millisecond, ReconnectMax: 5 * time.Millisecond})
	if err := s.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("connect: %v", err)
	}

	engine.drop()
	waitFor(t, "reconnect attempts", func() bool { return engine.calls.Load() >= 3 && !s.IsConnected() })
	s.Disconnect()

	if s.IsConnected() {
		t.Fatal("expected disconnected after teardown")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("expected teardown to leave no error, got %v", err)
	}
	if err := s.Start(ctx); domain.CodeOf(err) != domain.CodeNotConnected {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestRefreshReconciles(t *testing.T) {
	ctx := context.Background()
	service := newService()
	game, _ := service.CreateSession(ctx, "quiz-1")

	engine := &silentEngine{SessionService: service}
	s := New(engine, Options{RefreshInterval: 10 * time.Millisecond})
	defer s.Disconnect()
	if err := s.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, _, err := service.Join(ctx, game.PIN, "Carol"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "periodic refresh", s.CanStart)
}

// droppingEngine hands out a first stream the test can close. With
// failAfterDrop every later watch fails.
type droppingEngine struct {
	*app.SessionService
	calls         atomic.Int32
	failAfterDrop bool

	mu    sync.Mutex
	first chan realtime.Update
}

func (e *droppingEngine) Watch(ctx context.Context, pin string) (<-chan realtime.Update, func(), error) {
	if e.calls.Add(1) == 1 {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.first = make(chan realtime.Update)
		return e.first, func() {}, nil
	}
	if e.failAfterDrop {
		return nil, nil, errors.New("relay unavailable")
	}
	return e.SessionService.Watch(ctx, pin)
}

func (e *droppingEngine) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.first)
}

// silentEngine never delivers change hints.
type silentEngine struct {
	*app.SessionService
}

func (e *silentEngine) Watch(ctx context.Context, _ string) (<-chan realtime.Update, func(), error) {
	ch := make(chan realtime.Update)
	return ch, func() {}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newService() *app.SessionService {
	store := memory.NewSessionStore()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizStore(map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{ID: "q1", Prompt: "2 + 2?", TimeLimit: 10, Points: 1000, Answers: []domain.Answer{
					{ID: "q1-a", Text: "3"}, {ID: "q1-b", Text: "4", IsCorrect: true},
				}},
				{ID: "q2", Prompt: "Sky color?", TimeLimit: 10, Points: 1000, Answers: []domain.Answer{
					{ID: "q2-a", Text: "Blue", IsCorrect: true}, {ID: "q2-b", Text: "Green"},
				}},
			},
		},
	}), time.Minute)
	notifier := realtime.NewNotifier(realtime.NewBus(realtime.DefaultHistorySize), store, nil, nil)
	return app.NewSessionService(store, quizzes, notifier, app.Options{})
}
