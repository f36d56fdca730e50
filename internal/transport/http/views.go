package http

import (
	"time"

	"quiz-session-engine/internal/client"
	"quiz-session-engine/internal/domain"
)

// sessionView is what a websocket viewer sees. Answer correctness is only
// revealed to a player once they have answered the current question.
type sessionView struct {
	ID                   string                    `json:"id"`
	PIN                  string                    `json:"pin"`
	QuizID               string                    `json:"quizId"`
	Title                string                    `json:"title"`
	Status               domain.Status             `json:"status"`
	CurrentQuestionIndex int                       `json:"currentQuestionIndex"`
	QuestionCount        int                       `json:"questionCount"`
	QuestionStartedAt    *time.Time                `json:"questionStartedAt,omitempty"`
	Version              int64                     `json:"version"`
	CanStart             bool                      `json:"canStart"`
	Question             *questionView             `json:"question,omitempty"`
	Players              []playerView              `json:"players"`
	Leaderboard          []domain.LeaderboardEntry `json:"leaderboard"`
	You                  *domain.Player            `json:"you,omitempty"`
}

type questionView struct {
	ID        string       `json:"id"`
	Prompt    string       `json:"prompt"`
	ImageURL  string       `json:"imageUrl,omitempty"`
	TimeLimit int          `json:"timeLimit"`
	Points    int          `json:"points"`
	Answers   []answerView `json:"answers"`
}

type answerView struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Text      string `json:"text"`
	IsCorrect *bool  `json:"isCorrect,omitempty"`
}

type playerView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Answered bool   `json:"answered"`
}

func buildView(sess *client.Session) (sessionView, bool) {
	game, ok := sess.Game()
	if !ok {
		return sessionView{}, false
	}
	quiz, _ := sess.Quiz()

	view := sessionView{
		ID:                   game.ID,
		PIN:                  game.PIN,
		QuizID:               game.QuizID,
		Title:                quiz.Title,
		Status:               game.Status,
		CurrentQuestionIndex: game.CurrentQuestionIndex,
		QuestionCount:        game.QuestionCount,
		QuestionStartedAt:    game.QuestionStartedAt,
		Version:              game.Version,
		CanStart:             sess.CanStart(),
		Players:              make([]playerView, 0, len(game.Players)),
		Leaderboard:          sess.Leaderboard(),
	}

	question, hasQuestion := sess.CurrentQuestion()
	for _, p := range game.Players {
		answered := false
		if hasQuestion {
			_, answered = p.AnswerFor(question.ID)
		}
		view.Players = append(view.Players, playerView{ID: p.ID, Name: p.Name, Score: p.Score, Answered: answered})
	}

	reveal := true
	if me, ok := sess.CurrentPlayer(); ok {
		view.You = &me
		if hasQuestion {
			_, reveal = me.AnswerFor(question.ID)
		}
	}
	if hasQuestion {
		view.Question = newQuestionView(question, reveal)
	}
	return view, true
}

func newQuestionView(q domain.Question, reveal bool) *questionView {
	out := &questionView{
		ID:        q.ID,
		Prompt:    q.Prompt,
		ImageURL:  q.ImageURL,
		TimeLimit: q.TimeLimit,
		Points:    q.Points,
		Answers:   make([]answerView, len(q.Answers)),
	}
	for i, a := range q.Answers {
		av := answerView{ID: a.ID, Label: domain.Label(i), Text: a.Text}
		if reveal {
			correct := a.IsCorrect
			av.IsCorrect = &correct
		}
		out.Answers[i] = av
	}
	return out
}
