package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the session engine matches exactly one
// of these through errors.Is.
var (
	// ErrNotFound is returned when a quiz, session, player or question is missing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is illegal for the session status.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict is returned for duplicate names and duplicate answers.
	ErrConflict = errors.New("conflict")
	// ErrPersistence is returned when the store keeps failing after retries.
	ErrPersistence = errors.New("persistence failure")
	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")
)

// Stable error codes exposed to clients.
const (
	CodeQuizNotFound     = "QUIZ_NOT_FOUND"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodePlayerNotFound   = "PLAYER_NOT_FOUND"
	CodeAlreadyStarted   = "ALREADY_STARTED"
	CodeInvalidState     = "INVALID_STATE"
	CodeNoPlayers        = "NO_PLAYERS"
	CodeStaleQuestion    = "STALE_QUESTION"
	CodeNameTaken        = "NAME_TAKEN"
	CodeDuplicateAnswer  = "DUPLICATE_ANSWER"
	CodePinExhausted     = "PIN_EXHAUSTED"
	CodePersistence      = "PERSISTENCE_FAILURE"
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeAlreadyJoined    = "ALREADY_JOINED"
	CodeUnknownAnswer    = "UNKNOWN_ANSWER"
	CodeInvalidQuiz      = "INVALID_QUIZ"
	CodeInvalidTimeSpent = "INVALID_TIME_SPENT"
)

// Error is a typed engine failure: a kind for errors.Is, a stable code and a
// human readable message.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NotFound(code, message string) *Error     { return newError(ErrNotFound, code, message) }
func InvalidState(code, message string) *Error { return newError(ErrInvalidState, code, message) }
func Conflict(code, message string) *Error     { return newError(ErrConflict, code, message) }
func Validation(code, message string) *Error   { return newError(ErrValidation, code, message) }

// Persistence wraps a store failure that survived every retry.
func Persistence(err error) *Error {
	return &Error{Kind: ErrPersistence, Code: CodePersistence, Message: "store unavailable", Err: err}
}

var (
	ErrQuizNotFound    = NotFound(CodeQuizNotFound, "quiz not found")
	ErrSessionNotFound = NotFound(CodeSessionNotFound, "game session not found")
	ErrPlayerNotFound  = NotFound(CodePlayerNotFound, "player not found in session")
	ErrAlreadyStarted  = InvalidState(CodeAlreadyStarted, "game already started")
	ErrNoPlayers       = InvalidState(CodeNoPlayers, "cannot start a game without players")
	ErrNameTaken       = Conflict(CodeNameTaken, "name already taken in this game")
	ErrDuplicateAnswer = Conflict(CodeDuplicateAnswer, "question already answered")
	ErrNotConnected    = InvalidState(CodeNotConnected, "not connected to a game")
	ErrAlreadyJoined   = InvalidState(CodeAlreadyJoined, "already joined this game as a player")
)

// CodeOf returns the stable code of err, or an empty string for untyped errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsTyped reports whether err is (or wraps) an engine Error.
func IsTyped(err error) bool {
	var de *Error
	return errors.As(err, &de)
}
