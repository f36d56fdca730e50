package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/client"
	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/infra/postgres"
	pgmigrations "quiz-session-engine/internal/infra/postgres/migrations"
	infraredis "quiz-session-engine/internal/infra/redis"
	"quiz-session-engine/internal/realtime"
)

// TestGameAcrossTwoNodes plays a full game where the host and the player are
// served by different engine instances sharing Redis and Postgres.
func TestGameAcrossTwoNodes(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := migrateDB(t, ctx, pgURL)
	defer db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	archive := postgres.NewResultArchive(db)
	newNode := func() *app.SessionService {
		sessions := infraredis.NewSessionStore(redisClient, 5*time.Minute, nil)
		quizzes := infraredis.NewQuizRepository(redisClient, postgres.NewQuizStore(pool), 5*time.Minute, nil)
		notifier := realtime.NewNotifier(realtime.NewBus(0), sessions, infraredis.NewEventRelay(redisClient, nil), nil)
		return app.NewSessionService(sessions, quizzes, notifier, app.Options{Archive: archive})
	}
	hostNode, playerNode := newNode(), newNode()

	quiz, err := hostNode.CreateQuiz(ctx, sampleQuiz())
	if err != nil {
		t.Fatalf("create quiz: %v", err)
	}
	game, err := hostNode.CreateSession(ctx, quiz.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	opts := client.Options{RefreshInterval: time.Second}
	host := client.New(hostNode, opts)
	defer host.Disconnect()
	if err := host.Connect(ctx, game.PIN); err != nil {
		t.Fatalf("host connect: %v", err)
	}

	alice := client.New(playerNode, opts)
	defer alice.Disconnect()
	if _, err := alice.Join(ctx, game.PIN, "Alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	bob := client.New(playerNode, opts)
	defer bob.Disconnect()
	if _, err := bob.Join(ctx, game.PIN, "Bob"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if _, err := bob.Join(ctx, game.PIN, "ALICE"); domain.CodeOf(err) != domain.CodeNameTaken {
		t.Fatalf("expected name taken across nodes, got %v", err)
	}

	waitFor(t, "host sees players", func() bool { g, _ := host.Game(); return len(g.Players) == 2 })
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "players see start", func() bool { return alice.IsActive() && bob.IsActive() })

	if _, err := alice.SubmitAnswer(ctx, "q1", "o2", 0); err != nil {
		t.Fatalf("alice answer: %v", err)
	}
	if _, err := bob.SubmitAnswer(ctx, "q1", "o2", 10); err != nil {
		t.Fatalf("bob answer: %v", err)
	}
	if err := host.AdvanceQuestion(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, "players see finish", func() bool { return alice.IsFinished() && bob.IsFinished() })

	board := host.Leaderboard()
	if len(board) != 2 || board[0].Name != "Alice" || board[0].Score != 1000 || board[1].Score != 750 {
		t.Fatalf("unexpected leaderboard %+v", board)
	}

	rows, err := archive.QuizHistory(ctx, quiz.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].PlayerName != "Alice" {
		t.Fatalf("expected archived standings, got %+v", rows)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s", host, port.Port()), func() {
		_ = container.Terminate(ctx)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		Title: "Arithmetic",
		Questions: []domain.Question{
			{
				ID:        "q1",
				Prompt:    "What is 2 + 2?",
				TimeLimit: 20,
				Answers: []domain.Answer{
					{ID: "o1", Text: "3"},
					{ID: "o2", Text: "4", IsCorrect: true},
					{ID: "o3", Text: "5"},
				},
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
