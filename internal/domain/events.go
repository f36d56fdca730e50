package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names one member of the session event taxonomy.
type EventKind string

const (
	KindPlayerJoined    EventKind = "player_joined"
	KindPlayerLeft      EventKind = "player_left"
	KindGameStarted     EventKind = "game_started"
	KindQuestionStarted EventKind = "question_started"
	KindAnswerSubmitted EventKind = "answer_submitted"
	KindGameEnded       EventKind = "game_ended"
)

// EventMeta is shared by every event.
type EventMeta struct {
	ID         string    `json:"id"`
	PIN        string    `json:"pin"`
	OccurredAt time.Time `json:"occurredAt"`
	Version    int64     `json:"version"`
}

// Meta returns the shared metadata.
func (m EventMeta) Meta() EventMeta { return m }

// Event is a session change notification. The concrete types below are the
// only implementations; consumers switch over them.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

type PlayerJoined struct {
	EventMeta
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

type PlayerLeft struct {
	EventMeta
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

type GameStarted struct {
	EventMeta
	PlayerCount int `json:"playerCount"`
}

type QuestionStarted struct {
	EventMeta
	QuestionIndex int    `json:"questionIndex"`
	QuestionID    string `json:"questionId"`
	TimeLimit     int    `json:"timeLimit"`
}

type AnswerSubmitted struct {
	EventMeta
	PlayerID   string `json:"playerId"`
	QuestionID string `json:"questionId"`
	Answered   int    `json:"answered"` // players who answered the question so far
}

type GameEnded struct {
	EventMeta
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

func (PlayerJoined) Kind() EventKind    { return KindPlayerJoined }
func (PlayerLeft) Kind() EventKind      { return KindPlayerLeft }
func (GameStarted) Kind() EventKind     { return KindGameStarted }
func (QuestionStarted) Kind() EventKind { return KindQuestionStarted }
func (AnswerSubmitted) Kind() EventKind { return KindAnswerSubmitted }
func (GameEnded) Kind() EventKind       { return KindGameEnded }

// envelope is the wire form of an Event.
type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes ev into its JSON envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

// DecodeEvent parses a JSON envelope back into its concrete Event.
func DecodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPlayerJoined:
		return decodeAs[PlayerJoined](env.Payload)
	case KindPlayerLeft:
		return decodeAs[PlayerLeft](env.Payload)
	case KindGameStarted:
		return decodeAs[GameStarted](env.Payload)
	case KindQuestionStarted:
		return decodeAs[QuestionStarted](env.Payload)
	case KindAnswerSubmitted:
		return decodeAs[AnswerSubmitted](env.Payload)
	case KindGameEnded:
		return decodeAs[GameEnded](env.Payload)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
