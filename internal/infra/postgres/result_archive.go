package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiz-session-engine/internal/domain"
)

// SessionResult is the archived final standing of one player.
type SessionResult struct {
	bun.BaseModel `bun:"table:session_results"`

	SessionID      string    `bun:"session_id,pk"`
	PlayerID       string    `bun:"player_id,pk"`
	QuizID         string    `bun:"quiz_id,notnull"`
	PIN            string    `bun:"pin,notnull"`
	PlayerName     string    `bun:"player_name,notnull"`
	Position       int       `bun:"position,notnull"`
	Score          int       `bun:"score,notnull"`
	CorrectAnswers int       `bun:"correct_answers,notnull"`
	AverageTime    float64   `bun:"average_time,notnull"`
	QuestionCount  int       `bun:"question_count,notnull"`
	FinishedAt     time.Time `bun:"finished_at,notnull"`
}

// ResultArchive stores final leaderboards of finished sessions.
type ResultArchive struct {
	db *bun.DB
}

func NewResultArchive(db *bun.DB) *ResultArchive {
	return &ResultArchive{db: db}
}

func (a *ResultArchive) Archive(ctx context.Context, session domain.GameSession, quiz domain.Quiz, board []domain.LeaderboardEntry) error {
	if len(board) == 0 {
		return nil
	}
	finished := time.Now().UTC()
	if session.FinishedAt != nil {
		finished = *session.FinishedAt
	}
	rows := make([]SessionResult, 0, len(board))
	for _, entry := range board {
		rows = append(rows, SessionResult{
			SessionID:      session.ID,
			PlayerID:       entry.PlayerID,
			QuizID:         quiz.ID,
			PIN:            session.PIN,
			PlayerName:     entry.Name,
			Position:       entry.Position,
			Score:          entry.Score,
			CorrectAnswers: entry.CorrectAnswers,
			AverageTime:    entry.AverageTime,
			QuestionCount:  len(quiz.Questions),
			FinishedAt:     finished,
		})
	}
	_, err := a.db.NewInsert().
		Model(&rows).
		On("CONFLICT (session_id, player_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", session.ID, err)
	}
	return nil
}

// QuizHistory returns archived results for a quiz, best first.
func (a *ResultArchive) QuizHistory(ctx context.Context, quizID string, limit int) ([]SessionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []SessionResult
	err := a.db.NewSelect().
		Model(&rows).
		Where("quiz_id = ?", quizID).
		OrderExpr("score DESC, finished_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("quiz history: %w", err)
	}
	return rows, nil
}
