package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quiz-session-engine/internal/client"
	"quiz-session-engine/internal/domain"
)

// WSHandler serves one client.Session per websocket connection.
type WSHandler struct {
	service  client.Engine
	opts     client.Options
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service client.Engine, log *zap.Logger, opts client.Options) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &WSHandler{
		service: service,
		opts:    opts,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Name string `json:"name"`
}

type answerPayload struct {
	QuestionID string  `json:"questionId"`
	AnswerID   string  `json:"answerId"`
	TimeSpent  float64 `json:"timeSpent"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorBody(err)}
}

// ServeWS upgrades the request and attaches the connection to the game named
// by the pin query parameter. An optional name joins the game immediately.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	name := r.URL.Query().Get("name")
	if pin == "" {
		http.Error(w, "missing pin", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sess := client.New(h.service, h.opts)
	defer sess.Disconnect()

	if err := sess.Connect(ctx, pin); err != nil {
		_ = conn.WriteJSON(errorMessage(err))
		return
	}
	var joined *domain.Player
	if name != "" {
		if joined, err = sess.Join(ctx, pin, name); err != nil {
			_ = conn.WriteJSON(errorMessage(err))
			return
		}
	}
	defer h.leaveIfWaiting(context.WithoutCancel(ctx), sess)

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	changesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write failed", zap.String("pin", pin), zap.Error(err))
				// keep draining so producers never block on a dead connection
				for range send {
				}
				return
			}
		}
	}()

	// every cache change is pushed as a fresh state view
	go func() {
		defer close(changesDone)
		for {
			select {
			case <-sess.Changes():
				view, ok := buildView(sess)
				if !ok {
					continue
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: view}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	if joined != nil {
		send <- outboundMessage[any]{Type: "joined", Payload: joined}
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if reply, ok := h.dispatch(ctx, sess, pin, inbound); ok {
			send <- reply
		}
	}

	close(closeSignals)
	<-changesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(ctx context.Context, sess *client.Session, pin string, in inboundMessage) (outboundMessage[any], bool) {
	switch in.Type {
	case "join":
		var payload joinPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return errorMessage(domain.Validation(domain.CodeValidation, "invalid join payload")), true
		}
		player, err := sess.Join(ctx, pin, payload.Name)
		if err != nil {
			return errorMessage(err), true
		}
		return outboundMessage[any]{Type: "joined", Payload: player}, true
	case "start":
		if err := sess.Start(ctx); err != nil {
			return errorMessage(err), true
		}
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return errorMessage(domain.Validation(domain.CodeValidation, "invalid answer payload")), true
		}
		result, err := sess.SubmitAnswer(ctx, payload.QuestionID, payload.AnswerID, payload.TimeSpent)
		if err != nil {
			return errorMessage(err), true
		}
		return outboundMessage[any]{Type: "answerResult", Payload: result}, true
	case "next":
		if err := sess.AdvanceQuestion(ctx); err != nil {
			return errorMessage(err), true
		}
	case "refresh":
		if err := sess.Refresh(ctx); err != nil {
			return errorMessage(err), true
		}
		// an unchanged record produces no change signal
		if view, ok := buildView(sess); ok {
			return outboundMessage[any]{Type: "state", Payload: view}, true
		}
	default:
		return errorMessage(domain.Validation(domain.CodeValidation, "unsupported message type")), true
	}
	return outboundMessage[any]{}, false
}

func (h *WSHandler) leaveIfWaiting(ctx context.Context, sess *client.Session) {
	if _, ok := sess.CurrentPlayer(); !ok {
		return
	}
	game, ok := sess.Game()
	if !ok || game.Status != domain.StatusWaiting {
		return
	}
	if err := sess.Leave(ctx); err != nil {
		h.log.Debug("leave on disconnect failed", zap.String("pin", game.PIN), zap.Error(err))
	}
}
