package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/lifecycle"
)

type createExerciseRequest struct {
	ID                 string     `json:"id" validate:"omitempty,max=64"`
	Title              string     `json:"title" validate:"required,max=255"`
	ReleaseDate        *time.Time `json:"releaseDate"`
	StartDate          *time.Time `json:"startDate"`
	DueDate            *time.Time `json:"dueDate"`
	AssessmentDueDate  *time.Time `json:"assessmentDueDate"`
	Duration           int        `json:"duration" validate:"gte=0"`
	QuizMode           string     `json:"quizMode" validate:"required,oneof=SYNCHRONIZED BATCHED INDIVIDUAL"`
	GracePeriodSeconds *int       `json:"gracePeriodSeconds" validate:"omitempty,gte=0"`
	IsExamExercise     bool       `json:"isExamExercise"`
}

type addBatchRequest struct {
	Password         string `json:"password" validate:"omitempty,max=64"`
	GeneratePassword bool   `json:"generatePassword"`
}

type joinRequest struct {
	BatchID  string `json:"batchId"`
	Password string `json:"password"`
}

type lifecycleResponse struct {
	Event string     `json:"event"`
	At    *time.Time `json:"at"`
}

func (h *Handler) createExercise(w http.ResponseWriter, r *http.Request) {
	var req createExerciseRequest
	if !h.decode(w, r, &req) {
		return
	}
	grace := h.engine.Exercises.DefaultGracePeriodSeconds()
	if req.GracePeriodSeconds != nil {
		grace = *req.GracePeriodSeconds
	}
	ex := domain.QuizExercise{
		ID:                 req.ID,
		Title:              req.Title,
		ReleaseDate:        utc(req.ReleaseDate),
		StartDate:          utc(req.StartDate),
		DueDate:            utc(req.DueDate),
		AssessmentDueDate:  utc(req.AssessmentDueDate),
		Duration:           req.Duration,
		QuizMode:           domain.QuizMode(req.QuizMode),
		GracePeriodSeconds: grace,
		IsExamExercise:     req.IsExamExercise,
	}
	created, err := h.engine.Exercises.Create(r.Context(), actor(r), ex)
	if err != nil && created.ID == "" {
		writeError(w, h.logger, r, err)
		return
	}
	if err != nil {
		// Stored, but a trigger could not be registered; reconciliation picks it up.
		h.logger.Warn("exercise created without triggers", "exercise_id", created.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getExercise(w http.ResponseWriter, r *http.Request) {
	ex, err := h.engine.Exercises.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) exerciseStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Exercises.Status(r.Context(), chi.URLParam(r, "id"), actor(r).UserID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redactStatus(status, actor(r)))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.engine.Exercises.Batches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	a := actor(r)
	for i := range batches {
		batches[i] = redact(batches[i], a)
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handler) resolveEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := lifecycle.ParseEvent(chi.URLParam(r, "event"))
	if !ok {
		writeError(w, h.logger, r, fmt.Errorf("%w: %q", domain.ErrUnsupportedLifecycleEvent, chi.URLParam(r, "event")))
		return
	}
	at, err := h.engine.Exercises.ResolveEvent(r.Context(), chi.URLParam(r, "id"), actor(r).UserID, event)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{Event: event.String(), At: at})
}

func (h *Handler) addBatch(w http.ResponseWriter, r *http.Request) {
	var req addBatchRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	batch, err := h.engine.Batches.CreateBatch(r.Context(), chi.URLParam(r, "id"), actor(r), app.BatchOptions{
		Password:         req.Password,
		GeneratePassword: req.GeneratePassword,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	a := actor(r)
	batch, err := h.engine.Batches.Join(r.Context(), chi.URLParam(r, "id"), a.UserID, app.JoinRequest{
		BatchID:  req.BatchID,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(batch, a))
}

func (h *Handler) startBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.engine.Batches.Start(r.Context(), chi.URLParam(r, "batchId"), actor(r))
	if err != nil && !batch.IsStarted() {
		writeError(w, h.logger, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("batch started with follow-up failure", "batch_id", batch.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) performAction(w http.ResponseWriter, r *http.Request) {
	action, ok := domain.ParseQuizAction(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, h.logger, r, fmt.Errorf("%w: unknown action %q", domain.ErrActionNotAllowed, chi.URLParam(r, "action")))
		return
	}
	ex, err := h.engine.Actions.Perform(r.Context(), chi.URLParam(r, "id"), action, actor(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) reEvaluate(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Actions.ReEvaluate(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body and validates it; on failure the response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &ve) && len(ve) > 0 {
			msg = fmt.Sprintf("field %s failed %q", ve[0].Field(), ve[0].Tag())
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: msg})
		return false
	}
	return true
}

func actor(r *http.Request) domain.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

// redact hides batch passwords from students.
func redact(b domain.Batch, a domain.Actor) domain.Batch {
	if !a.Role.AtLeast(domain.RoleTutor) {
		b.Password = ""
	}
	return b
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
