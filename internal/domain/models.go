package domain

import (
	"strings"
	"time"
)

// DefaultQuestionPoints is the point budget used when a question carries none.
const DefaultQuestionPoints = 1000

// Status is the lifecycle state of a game session.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Answer is a possible answer for a question.
type Answer struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question models a timed multiple choice question. Answer order is display order.
type Question struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Answers   []Answer `json:"answers"`
	TimeLimit int      `json:"timeLimit"` // seconds
	Points    int      `json:"points"`    // defaults to DefaultQuestionPoints if zero
	ImageURL  string   `json:"imageUrl,omitempty"`
}

// Answer returns the answer with the given id.
func (q Question) Answer(id string) (Answer, bool) {
	for _, a := range q.Answers {
		if a.ID == id {
			return a, true
		}
	}
	return Answer{}, false
}

// Label returns the display letter (A, B, C, ...) of the answer at index i.
func Label(i int) string {
	if i < 0 {
		return ""
	}
	if i < 26 {
		return string(rune('A' + i))
	}
	return Label(i/26-1) + Label(i%26)
}

// CorrectCount reports how many answers are flagged correct.
func (q Question) CorrectCount() int {
	n := 0
	for _, a := range q.Answers {
		if a.IsCorrect {
			n++
		}
	}
	return n
}

// Quiz is authored content. It is treated as immutable once a session starts.
type Quiz struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Questions   []Question `json:"questions"`
	CreatedAt   time.Time  `json:"createdAt"`
	CreatedBy   string     `json:"createdBy,omitempty"`
}

// AnswerRecord is a frozen submission of one player for one question.
type AnswerRecord struct {
	QuestionID string    `json:"questionId"`
	AnswerID   string    `json:"answerId,omitempty"` // empty when the player timed out
	TimeSpent  float64   `json:"timeSpent"`
	IsCorrect  bool      `json:"isCorrect"`
	Points     int       `json:"points"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// Player is a session participant and their accumulated score.
type Player struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Score    int            `json:"score"`
	Answers  []AnswerRecord `json:"answers"`
	JoinedAt time.Time      `json:"joinedAt"`
}

// AnswerFor returns the player's record for questionID.
func (p Player) AnswerFor(questionID string) (AnswerRecord, bool) {
	for _, rec := range p.Answers {
		if rec.QuestionID == questionID {
			return rec, true
		}
	}
	return AnswerRecord{}, false
}

// CorrectAnswers counts the player's correct records.
func (p Player) CorrectAnswers() int {
	n := 0
	for _, rec := range p.Answers {
		if rec.IsCorrect {
			n++
		}
	}
	return n
}

// AverageTime is the mean time spent over all records, zero when none.
func (p Player) AverageTime() float64 {
	if len(p.Answers) == 0 {
		return 0
	}
	var total float64
	for _, rec := range p.Answers {
		total += rec.TimeSpent
	}
	return total / float64(len(p.Answers))
}

// GameSession is one playthrough of a quiz. Players are kept in join order.
type GameSession struct {
	ID                   string     `json:"id"`
	QuizID               string     `json:"quizId"`
	PIN                  string     `json:"pin"`
	Status               Status     `json:"status"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
	QuestionCount        int        `json:"questionCount"`
	Players              []Player   `json:"players"`
	CreatedAt            time.Time  `json:"createdAt"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	QuestionStartedAt    *time.Time `json:"questionStartedAt,omitempty"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
	Version              int64      `json:"version"`
}

// Player looks a participant up by id.
func (s *GameSession) Player(id string) (*Player, bool) {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i], true
		}
	}
	return nil, false
}

// NameTaken reports whether name collides case-insensitively with a participant.
func (s *GameSession) NameTaken(name string) bool {
	for _, p := range s.Players {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// IsActive reports whether the session still holds its PIN.
func (s *GameSession) IsActive() bool {
	return s.Status != StatusFinished
}

// Clone returns a deep copy so a transition can be applied without touching
// the caller's value.
func (s *GameSession) Clone() GameSession {
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.QuestionStartedAt = cloneTime(s.QuestionStartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	if s.Players != nil {
		out.Players = make([]Player, len(s.Players))
		for i, p := range s.Players {
			out.Players[i] = p
			if p.Answers != nil {
				out.Players[i].Answers = append([]AnswerRecord(nil), p.Answers...)
			}
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CurrentQuestion resolves the authoritative cursor against quiz.
func CurrentQuestion(session GameSession, quiz Quiz) (Question, bool) {
	if session.Status != StatusPlaying {
		return Question{}, false
	}
	i := session.CurrentQuestionIndex
	if i < 0 || i >= len(quiz.Questions) {
		return Question{}, false
	}
	return quiz.Questions[i], true
}

// Submission is a player's answer as sent by a client.
type Submission struct {
	QuestionID string
	AnswerID   string
	TimeSpent  float64
}

// AnswerResult summarizes the outcome of a submission for a single player.
type AnswerResult struct {
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
	Awarded    int    `json:"awarded"`
	TotalScore int    `json:"totalScore"`
}

// LeaderboardEntry is a ranked view of one player.
type LeaderboardEntry struct {
	Position       int     `json:"position"`
	PlayerID       string  `json:"playerId"`
	Name           string  `json:"name"`
	Score          int     `json:"score"`
	CorrectAnswers int     `json:"correctAnswers"`
	AverageTime    float64 `json:"averageTime"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	PIN       string             `json:"pin"`
	Status    Status             `json:"status"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
