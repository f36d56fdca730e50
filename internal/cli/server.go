package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/client"
	"quiz-session-engine/internal/config"
	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/infra/memory"
	"quiz-session-engine/internal/infra/postgres"
	redisinfra "quiz-session-engine/internal/infra/redis"
	"quiz-session-engine/internal/logger"
	"quiz-session-engine/internal/realtime"
	transport "quiz-session-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	deps, closeDeps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDeps()

	bus := realtime.NewBus(cfg.Session.HistorySize,
		realtime.WithIdleTTL(config.TTLDuration(cfg.Session.IdleTTL, realtime.DefaultIdleTTL)))
	notifier := realtime.NewNotifier(bus, deps.sessions, deps.relay, log)
	service := app.NewSessionService(deps.sessions, deps.quizzes, notifier, app.Options{
		RetryAttempts:   cfg.Session.RetryAttempts,
		RetryInitial:    config.TTLDuration(cfg.Session.RetryBackoff, 50*time.Millisecond),
		ConflictRetries: cfg.Session.ConflictRetries,
		PINAttempts:     cfg.Session.PINAttempts,
		Archive:         deps.archive,
		Logger:          log,
	})
	if err := seedSampleQuiz(ctx, service, log); err != nil {
		return err
	}

	handler := transport.NewRouter(service, log, client.Options{
		RefreshInterval: config.TTLDuration(cfg.Session.RefreshInterval, client.DefaultRefreshInterval),
		Logger:          log,
	})
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting quiz session server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type deps struct {
	sessions app.SessionRepository
	quizzes  app.QuizRepository
	relay    realtime.Relay
	archive  app.ResultArchive
}

// buildDeps picks Redis and Postgres backends when configured and falls back
// to in-memory ones otherwise.
func buildDeps(ctx context.Context, cfg config.Config, log *zap.Logger) (deps, func(), error) {
	var (
		d       deps
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var quizStore memory.QuizStore = memory.NewStaticQuizStore(nil)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return d, nil, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		quizStore = postgres.NewQuizStore(pool)

		db := openBun(cfg.Postgres.URL)
		closers = append(closers, func() { _ = db.Close() })
		d.archive = postgres.NewResultArchive(db)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if cfg.Redis.Addr == "" {
		log.Warn("redis not configured, sessions live in process memory")
		d.sessions = memory.NewSessionStore()
		d.quizzes = memory.NewQuizRepository(quizStore, quizTTL)
		return d, closeAll, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closers = append(closers, func() { _ = redisClient.Close() })
	if err := redisClient.Ping(ctx).Err(); err != nil {
		closeAll()
		return d, nil, fmt.Errorf("ping redis: %w", err)
	}

	sessionTTL := config.TTLDuration(cfg.Redis.TTL, 2*time.Hour)
	d.sessions = redisinfra.NewSessionStore(redisClient, sessionTTL, log)
	d.quizzes = redisinfra.NewQuizRepository(redisClient, quizStore, quizTTL, log)
	d.relay = redisinfra.NewEventRelay(redisClient, log)
	return d, closeAll, nil
}

const sampleQuizID = "sample"

// seedSampleQuiz makes sure a playable quiz exists on a fresh install.
func seedSampleQuiz(ctx context.Context, service *app.SessionService, log *zap.Logger) error {
	_, err := service.GetQuiz(ctx, sampleQuizID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	quiz, err := service.CreateQuiz(ctx, sampleQuiz())
	if err != nil {
		return fmt.Errorf("seed sample quiz: %w", err)
	}
	log.Info("seeded sample quiz", zap.String("quiz_id", quiz.ID))
	return nil
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:          sampleQuizID,
		Title:       "Warm-up",
		Description: "A short quiz to try the game flow",
		CreatedBy:   "system",
		Questions: []domain.Question{
			{
				ID:        "sample-q1",
				Prompt:    "What is 2 + 2?",
				TimeLimit: 20,
				Answers: []domain.Answer{
					{ID: "sample-q1-a", Text: "3"},
					{ID: "sample-q1-b", Text: "4", IsCorrect: true},
					{ID: "sample-q1-c", Text: "5"},
				},
			},
			{
				ID:        "sample-q2",
				Prompt:    "Which planet is known as the red planet?",
				TimeLimit: 20,
				Answers: []domain.Answer{
					{ID: "sample-q2-a", Text: "Venus"},
					{ID: "sample-q2-b", Text: "Mars", IsCorrect: true},
					{ID: "sample-q2-c", Text: "Jupiter"},
					{ID: "sample-q2-d", Text: "Mercury"},
				},
			},
		},
	}
}
