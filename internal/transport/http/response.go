package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"quiz-engine/internal/domain"
)

type errorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors to statuses. Anything outside the taxonomy is a 500
// and its details stay in the log.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, statusFor(err), errorBody{Code: code, Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrExerciseNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrMembershipNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyStarted),
		errors.Is(err, domain.ErrAlreadyJoined),
		errors.Is(err, domain.ErrBatchAlreadyEnded),
		errors.Is(err, domain.ErrQuizAlreadyVisible),
		errors.Is(err, domain.ErrQuizAlreadyEnded),
		errors.Is(err, domain.ErrAlreadyOpenForPractice),
		errors.Is(err, domain.ErrStaleExercise):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
