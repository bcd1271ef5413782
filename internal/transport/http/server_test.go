package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/infra/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) *time.Time {
	t := t0.Add(time.Duration(sec) * time.Second)
	return &t
}

// nopScheduler accepts registrations and never fires.
type nopScheduler struct {
	mu    sync.Mutex
	count int
}

func (s *nopScheduler) ScheduleAt(context.Context, time.Time, string, app.TriggerKind) error {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *nopScheduler) Cancel(context.Context, string, app.TriggerKind) error { return nil }

type testServer struct {
	*httptest.Server
	engine      *app.Engine
	auth        *Authenticator
	broadcaster *app.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	batches := memory.NewBatchStore()
	broadcaster := app.NewBroadcaster()
	engine := app.NewEngine(app.Deps{
		Exercises:          memory.NewExerciseStore(),
		Batches:            batches,
		Ledger:             batches,
		Scheduler:          &nopScheduler{},
		Notifier:           broadcaster,
		Logger:             logger,
		Now:                func() time.Time { return t0 },
		DefaultGracePeriod: 30 * time.Second,
	})
	auth := NewAuthenticator("test-secret-0123456789")
	handler := NewHandler(engine, logger)
	ws := NewWSHandler(engine.Exercises, broadcaster, logger)
	srv := httptest.NewServer(NewRouter(handler, ws, auth))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine, auth: auth, broadcaster: broadcaster}
}

func (s *testServer) token(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do sends a JSON request as the given user and decodes the response into out when non-nil.
func (s *testServer) do(t *testing.T, method, path, userID string, role domain.Role, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID, role))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s (status %d): %v", method, path, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) createExercise(t *testing.T, body map[string]any) domain.QuizExercise {
	t.Helper()
	var ex domain.QuizExercise
	if status := s.do(t, http.MethodPost, "/api/quiz-exercises", "editor-1", domain.RoleEditor, body, &ex); status != http.StatusCreated {
		t.Fatalf("create exercise: status %d", status)
	}
	return ex
}
