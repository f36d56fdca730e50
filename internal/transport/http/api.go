package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"quiz-session-engine/internal/client"
	"quiz-session-engine/internal/domain"
)

// Service is the engine surface the transport needs.
type Service interface {
	client.Engine
	CreateQuiz(ctx context.Context, quiz domain.Quiz) (domain.Quiz, error)
	CreateSession(ctx context.Context, quizID string) (domain.GameSession, error)
	Leaderboard(ctx context.Context, pin string) (domain.Leaderboard, error)
}

// API serves quiz authoring and session hosting over REST.
type API struct {
	service  Service
	validate *validator.Validate
	log      *zap.Logger
}

func NewAPI(service Service, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{service: service, validate: validator.New(), log: log.Named("api")}
}

// NewRouter mounts the REST API, the websocket endpoint and the health check.
func NewRouter(service Service, log *zap.Logger, opts client.Options) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	NewAPI(service, log).Register(mux)
	mux.HandleFunc("GET /ws", NewWSHandler(service, log, opts).ServeWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return logRequests(log, mux)
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /quizzes", a.createQuiz)
	mux.HandleFunc("GET /quizzes/{id}", a.getQuiz)
	mux.HandleFunc("POST /sessions", a.createSession)
	mux.HandleFunc("GET /sessions/{pin}", a.getSession)
	mux.HandleFunc("GET /sessions/{pin}/leaderboard", a.leaderboard)
}

type createQuizRequest struct {
	Title       string                  `json:"title" validate:"required"`
	Description string                  `json:"description"`
	CreatedBy   string                  `json:"createdBy"`
	Questions   []createQuestionRequest `json:"questions" validate:"required,min=1,dive"`
}

type createQuestionRequest struct {
	ID        string                `json:"id"`
	Prompt    string                `json:"prompt" validate:"required"`
	TimeLimit int                   `json:"timeLimit" validate:"gt=0"`
	Points    int                   `json:"points" validate:"gte=0"`
	ImageURL  string                `json:"imageUrl" validate:"omitempty,url"`
	Answers   []createAnswerRequest `json:"answers" validate:"required,min=1,dive"`
}

type createAnswerRequest struct {
	ID        string `json:"id"`
	Text      string `json:"text" validate:"required"`
	IsCorrect bool   `json:"isCorrect"`
}

func (r createQuizRequest) quiz() domain.Quiz {
	quiz := domain.Quiz{
		Title:       r.Title,
		Description: r.Description,
		CreatedBy:   r.CreatedBy,
		Questions:   make([]domain.Question, len(r.Questions)),
	}
	for i, q := range r.Questions {
		answers := make([]domain.Answer, len(q.Answers))
		for j, a := range q.Answers {
			answers[j] = domain.Answer{ID: a.ID, Text: a.Text, IsCorrect: a.IsCorrect}
		}
		quiz.Questions[i] = domain.Question{
			ID:        q.ID,
			Prompt:    q.Prompt,
			TimeLimit: q.TimeLimit,
			Points:    q.Points,
			ImageURL:  q.ImageURL,
			Answers:   answers,
		}
	}
	return quiz
}

func (a *API) createQuiz(w http.ResponseWriter, r *http.Request) {
	var req createQuizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, domain.Validation(domain.CodeInvalidQuiz, "invalid quiz body"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.writeError(w, domain.Validation(domain.CodeInvalidQuiz, err.Error()))
		return
	}
	created, err := a.service.CreateQuiz(r.Context(), req.quiz())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, err := a.service.GetQuiz(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quiz)
}

type createSessionRequest struct {
	QuizID string `json:"quizId" validate:"required"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, domain.Validation(domain.CodeValidation, "invalid session body"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.writeError(w, domain.Validation(domain.CodeValidation, "quizId is required"))
		return
	}
	session, err := a.service.CreateSession(r.Context(), req.QuizID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.GetSession(r.Context(), r.PathValue("pin"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := a.service.Leaderboard(r.Context(), r.PathValue("pin"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(err error) errorPayload {
	var de *domain.Error
	if errors.As(err, &de) {
		return errorPayload{Code: de.Code, Message: de.Message}
	}
	return errorPayload{Code: "INTERNAL", Message: "internal error"}
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logRequests(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
