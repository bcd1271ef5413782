package http

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quiz-engine/internal/domain"
)

func dialWS(t *testing.T, s *testServer, exerciseID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?exerciseId=" + exerciseID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) map[string]any {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s (%v)", expect, msg.Type, msg.Payload)
	}
	return msg.Payload
}

func TestWebSocketStatusAndStateChanges(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{
		"title":    "Scheduled quiz",
		"quizMode": "SYNCHRONIZED",
		"duration": 300,
	})

	conn := dialWS(t, s, ex.ID, s.token(t, "student-1", domain.RoleStudent))
	status := readNext(conn, t, "status")
	if status["exerciseId"] != ex.ID || status["visible"] != false {
		t.Fatalf("unexpected initial status %v", status)
	}

	editor := domain.Actor{UserID: "editor-1", Role: domain.RoleEditor}
	if _, err := s.engine.Actions.Perform(context.Background(), ex.ID, domain.ActionSetVisible, editor); err != nil {
		t.Fatalf("set visible: %v", err)
	}
	change := readNext(conn, t, "state-change")
	if change["kind"] != string(domain.ChangeVisible) || change["exerciseId"] != ex.ID {
		t.Fatalf("unexpected change %v", change)
	}

	if err := conn.WriteJSON(map[string]any{"type": "status"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	status = readNext(conn, t, "status")
	if status["visible"] != true {
		t.Fatalf("refreshed status %v", status)
	}

	if err := conn.WriteJSON(map[string]any{"type": "answer"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readNext(conn, t, "error")
}

func TestWebSocketRejectsUnknownExercise(t *testing.T) {
	s := newTestServer(t)
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?exerciseId=missing&token=" + s.token(t, "student-1", domain.RoleStudent)
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

func TestWebSocketUnsubscribesOnClose(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{"title": "q", "quizMode": "BATCHED"})
	conn := dialWS(t, s, ex.ID, s.token(t, "student-1", domain.RoleStudent))
	readNext(conn, t, "status")
	if n := s.broadcaster.Subscribers(ex.ID); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.broadcaster.Subscribers(ex.ID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
