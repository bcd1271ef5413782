package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// WSHandler streams state changes of one exercise to a websocket client.
type WSHandler struct {
	exercises   *app.ExerciseService
	broadcaster *app.Broadcaster
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func NewWSHandler(exercises *app.ExerciseService, broadcaster *app.Broadcaster, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		exercises:   exercises,
		broadcaster: broadcaster,
		logger:      logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type string `json:"type"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
}

// ServeWS sends the caller's status first, then every state change of the exercise.
// A client may send {"type":"status"} at any time to receive a fresh status.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	exerciseID := r.URL.Query().Get("exerciseId")
	if exerciseID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "missing exerciseId"})
		return
	}
	a := actor(r)
	status, err := h.exercises.Status(r.Context(), exerciseID, a.UserID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.broadcaster.Subscribe(exerciseID)
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Single writer: gorilla connections do not support concurrent writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write failed", "exercise_id", exerciseID, "error", err)
				_ = conn.Close()
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case change, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state-change", Payload: change}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "status", Payload: redactStatus(status, a)}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var inbound inboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid message"}}
			continue
		}
		switch inbound.Type {
		case "status":
			status, err := h.exercises.Status(r.Context(), exerciseID, a.UserID)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Code: domain.CodeOf(err), Message: err.Error()}}
				continue
			}
			send <- outboundMessage[any]{Type: "status", Payload: redactStatus(status, a)}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func redactStatus(s app.ExerciseStatus, a domain.Actor) app.ExerciseStatus {
	if s.Batch != nil {
		b := redact(*s.Batch, a)
		s.Batch = &b
	}
	return s
}
