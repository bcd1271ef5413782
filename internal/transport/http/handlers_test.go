package http

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)
	var body errorBody
	status := s.do(t, http.MethodGet, "/api/quiz-exercises/x", "", "", nil, &body)
	if status != http.StatusUnauthorized || body.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %+v", status, body)
	}
}

func TestRejectsForeignToken(t *testing.T) {
	s := newTestServer(t)
	other := NewAuthenticator("another-secret-0123456789")
	tok, err := other.IssueToken("u1", domain.RoleInstructor, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/quiz-exercises/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Client().Get(s.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestCreateExercise(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{
		"title":       "Week 1",
		"quizMode":    "SYNCHRONIZED",
		"duration":    600,
		"releaseDate": at(-60),
	})
	if ex.ID == "" || ex.GracePeriodSeconds != 30 || ex.Version != 1 {
		t.Fatalf("unexpected exercise %+v", ex)
	}

	var got domain.QuizExercise
	if status := s.do(t, http.MethodGet, "/api/quiz-exercises/"+ex.ID, "student-1", domain.RoleStudent, nil, &got); status != http.StatusOK {
		t.Fatalf("get status %d", status)
	}
	if got.Title != "Week 1" || got.QuizMode != domain.ModeSynchronized {
		t.Fatalf("unexpected exercise %+v", got)
	}
}

func TestCreateExerciseRejected(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name     string
		userID   string
		role     domain.Role
		body     map[string]any
		wantCode domain.ErrorCode
		status   int
	}{
		{"student", "student-1", domain.RoleStudent, map[string]any{"title": "q", "quizMode": "BATCHED"}, "FORBIDDEN", http.StatusForbidden},
		{"missing mode", "editor-1", domain.RoleEditor, map[string]any{"title": "q"}, "BAD_REQUEST", http.StatusBadRequest},
		{"negative duration", "editor-1", domain.RoleEditor, map[string]any{"title": "q", "quizMode": "BATCHED", "duration": -1}, "BAD_REQUEST", http.StatusBadRequest},
		{"unknown field", "editor-1", domain.RoleEditor, map[string]any{"title": "q", "quizMode": "BATCHED", "colour": "red"}, "BAD_REQUEST", http.StatusBadRequest},
		{"due before release", "editor-1", domain.RoleEditor, map[string]any{"title": "q", "quizMode": "BATCHED", "releaseDate": at(60), "dueDate": at(0)}, "INVALID_EXERCISE", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body errorBody
			status := s.do(t, http.MethodPost, "/api/quiz-exercises", tc.userID, tc.role, tc.body, &body)
			if status != tc.status || body.Code != tc.wantCode {
				t.Fatalf("expected %d %s, got %d %+v", tc.status, tc.wantCode, status, body)
			}
		})
	}
}

func TestSynchronizedFlow(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{
		"title":       "Live quiz",
		"quizMode":    "SYNCHRONIZED",
		"duration":    600,
		"releaseDate": at(-60),
	})
	base := "/api/quiz-exercises/" + ex.ID

	var joined domain.Batch
	if status := s.do(t, http.MethodPost, base+"/join", "student-1", domain.RoleStudent, nil, &joined); status != http.StatusOK {
		t.Fatalf("join status %d", status)
	}
	if joined.ID != app.SynchronizedBatchID(ex.ID) || joined.IsStarted() {
		t.Fatalf("unexpected batch %+v", joined)
	}

	var started domain.QuizExercise
	if status := s.do(t, http.MethodPut, base+"/actions/start-now", "editor-1", domain.RoleEditor, nil, &started); status != http.StatusOK {
		t.Fatalf("start-now status %d", status)
	}
	if started.DueDate == nil || !started.DueDate.Equal(*at(630)) {
		t.Fatalf("due date = %v, want %v", started.DueDate, at(630))
	}

	var status app.ExerciseStatus
	s.do(t, http.MethodGet, base+"/status", "student-1", domain.RoleStudent, nil, &status)
	if !status.Started || status.Ended || !status.SubmissionAllowed || status.Batch == nil {
		t.Fatalf("unexpected status %+v", status)
	}

	var body errorBody
	if code := s.do(t, http.MethodPut, base+"/actions/START_NOW", "editor-1", domain.RoleEditor, nil, &body); code != http.StatusConflict || body.Code != "ALREADY_STARTED" {
		t.Fatalf("second start: %d %+v", code, body)
	}
	if code := s.do(t, http.MethodPut, base+"/actions/end-now", "instructor-1", domain.RoleInstructor, nil, &body); code != http.StatusBadRequest || body.Code != "MODE_MISMATCH" {
		t.Fatalf("end-now: %d %+v", code, body)
	}
	if code := s.do(t, http.MethodPost, base+"/re-evaluate", "editor-1", domain.RoleEditor, nil, &body); code != http.StatusBadRequest || body.Code != "NOT_YET_ENDED" {
		t.Fatalf("re-evaluate: %d %+v", code, body)
	}

	var due lifecycleResponse
	s.do(t, http.MethodGet, base+"/lifecycle/due", "student-1", domain.RoleStudent, nil, &due)
	if due.Event != "due" || due.At == nil || !due.At.Equal(*at(630)) {
		t.Fatalf("unexpected due event %+v", due)
	}
	var startEv lifecycleResponse
	s.do(t, http.MethodGet, base+"/lifecycle/start", "student-1", domain.RoleStudent, nil, &startEv)
	if startEv.At == nil || !startEv.At.Equal(t0) {
		t.Fatalf("batch-aware start = %+v", startEv)
	}
}

func TestBatchedFlow(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{
		"title":       "Lab quiz",
		"quizMode":    "BATCHED",
		"duration":    600,
		"releaseDate": at(-60),
		"dueDate":     at(7200),
	})
	base := "/api/quiz-exercises/" + ex.ID

	var body errorBody
	if code := s.do(t, http.MethodPut, base+"/add-batch", "student-1", domain.RoleStudent, map[string]any{"password": "x"}, &body); code != http.StatusForbidden {
		t.Fatalf("student add-batch: %d %+v", code, body)
	}

	var batch domain.Batch
	if code := s.do(t, http.MethodPut, base+"/add-batch", "tutor-1", domain.RoleTutor, map[string]any{"password": "secret"}, &batch); code != http.StatusOK {
		t.Fatalf("add-batch status %d", code)
	}
	if batch.Password != "secret" || batch.CreatorID != "tutor-1" {
		t.Fatalf("unexpected batch %+v", batch)
	}

	if code := s.do(t, http.MethodPost, base+"/join", "student-1", domain.RoleStudent, map[string]any{"password": "guess"}, &body); code != http.StatusBadRequest || body.Code != "WRONG_PASSWORD" {
		t.Fatalf("wrong password: %d %+v", code, body)
	}
	var joined domain.Batch
	if code := s.do(t, http.MethodPost, base+"/join", "student-1", domain.RoleStudent, map[string]any{"password": "secret"}, &joined); code != http.StatusOK {
		t.Fatalf("join status %d", code)
	}
	if joined.ID != batch.ID || joined.Password != "" {
		t.Fatalf("join returned %+v", joined)
	}

	var list []domain.Batch
	s.do(t, http.MethodGet, base+"/batches", "student-1", domain.RoleStudent, nil, &list)
	if len(list) != 1 || list[0].Password != "" {
		t.Fatalf("student batch list %+v", list)
	}
	s.do(t, http.MethodGet, base+"/batches", "tutor-1", domain.RoleTutor, nil, &list)
	if len(list) != 1 || list[0].Password != "secret" {
		t.Fatalf("tutor batch list %+v", list)
	}

	var started domain.Batch
	if code := s.do(t, http.MethodPut, "/api/quiz-batches/"+batch.ID+"/start", "tutor-1", domain.RoleTutor, nil, &started); code != http.StatusOK {
		t.Fatalf("start status %d", code)
	}
	if started.StartTime == nil || !started.StartTime.Equal(t0) {
		t.Fatalf("unexpected start %+v", started)
	}
	if code := s.do(t, http.MethodPut, "/api/quiz-batches/"+batch.ID+"/start", "tutor-1", domain.RoleTutor, nil, &body); code != http.StatusConflict || body.Code != "ALREADY_STARTED" {
		t.Fatalf("restart: %d %+v", code, body)
	}
	if code := s.do(t, http.MethodPut, base+"/actions/start-batch", "instructor-1", domain.RoleInstructor, nil, &body); code != http.StatusBadRequest || body.Code != "ACTION_NOT_ALLOWED" {
		t.Fatalf("start-batch action: %d %+v", code, body)
	}
}

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t)
	ex := s.createExercise(t, map[string]any{"title": "q", "quizMode": "INDIVIDUAL", "releaseDate": at(-60)})
	cases := []struct {
		method, path string
		status       int
		code         domain.ErrorCode
	}{
		{http.MethodGet, "/api/quiz-exercises/missing", http.StatusNotFound, "EXERCISE_NOT_FOUND"},
		{http.MethodPut, "/api/quiz-batches/missing/start", http.StatusNotFound, "BATCH_NOT_FOUND"},
		{http.MethodGet, "/api/quiz-exercises/" + ex.ID + "/lifecycle/whenever", http.StatusBadRequest, "UNSUPPORTED_LIFECYCLE_EVENT"},
		{http.MethodGet, "/api/quiz-exercises/" + ex.ID + "/lifecycle/build-and-test-after-due", http.StatusBadRequest, "UNSUPPORTED_LIFECYCLE_EVENT"},
		{http.MethodPut, "/api/quiz-exercises/" + ex.ID + "/actions/explode", http.StatusBadRequest, "ACTION_NOT_ALLOWED"},
		{http.MethodPut, "/api/quiz-exercises/" + ex.ID + "/actions/start-now", http.StatusBadRequest, "MODE_MISMATCH"},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			var body errorBody
			status := s.do(t, tc.method, tc.path, "instructor-1", domain.RoleInstructor, nil, &body)
			if status != tc.status || body.Code != tc.code {
				t.Fatalf("expected %d %s, got %d %+v", tc.status, tc.code, status, body)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrExerciseNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", domain.ErrStaleExercise), http.StatusConflict},
		{domain.ErrAlreadyJoined, http.StatusConflict},
		{domain.ErrWrongPassword, http.StatusBadRequest},
		{domain.ErrModeCardinalityViolation, http.StatusBadRequest},
		{fmt.Errorf("%w: details", domain.ErrUnsupportedLifecycleEvent), http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if domain.CodeOf(errors.New("boom")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
