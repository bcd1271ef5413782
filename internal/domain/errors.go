package domain

import "errors"

// ErrorCode is the stable machine-readable identifier clients switch on.
type ErrorCode string

// Error is an expected, recoverable rejection. Sentinels below are compared with errors.Is.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrAlreadyStarted            = newError("ALREADY_STARTED", "quiz batch has already started")
	ErrBatchAlreadyEnded         = newError("BATCH_ALREADY_ENDED", "quiz batch has already ended")
	ErrAlreadyJoined             = newError("ALREADY_JOINED", "already joined another batch of this quiz")
	ErrWrongPassword             = newError("WRONG_PASSWORD", "wrong batch password")
	ErrModeMismatch              = newError("MODE_MISMATCH", "operation not supported in this quiz mode")
	ErrModeCardinalityViolation  = newError("MODE_CARDINALITY_VIOLATION", "quiz mode does not allow this batch")
	ErrExamNotAllowed            = newError("EXAM_NOT_ALLOWED", "not allowed for exam exercises")
	ErrNotYetEnded               = newError("NOT_YET_ENDED", "quiz has not ended yet")
	ErrUnsupportedLifecycleEvent = newError("UNSUPPORTED_LIFECYCLE_EVENT", "lifecycle event not applicable to quiz exercises")
	ErrExerciseNotFound          = newError("EXERCISE_NOT_FOUND", "quiz exercise not found")
	ErrBatchNotFound             = newError("BATCH_NOT_FOUND", "quiz batch not found")
	ErrMembershipNotFound        = newError("MEMBERSHIP_NOT_FOUND", "user has not joined a batch")
	ErrForbidden                 = newError("FORBIDDEN", "actor is not allowed to perform this operation")
	ErrQuizNotVisible            = newError("QUIZ_NOT_VISIBLE", "quiz is not visible to students yet")
	ErrQuizAlreadyVisible        = newError("QUIZ_ALREADY_VISIBLE", "quiz is already visible to students")
	ErrQuizAlreadyEnded          = newError("QUIZ_ALREADY_ENDED", "quiz has already ended")
	ErrAlreadyOpenForPractice    = newError("ALREADY_OPEN_FOR_PRACTICE", "quiz is already open for practice")
	ErrActionNotAllowed          = newError("ACTION_NOT_ALLOWED", "action not allowed, use the batch start operation")
	ErrStaleExercise             = newError("STALE_EXERCISE", "quiz exercise was modified concurrently")
	ErrInvalidExercise           = newError("INVALID_EXERCISE", "quiz exercise is invalid")
)

// CodeOf returns the code of the first *Error in err's chain, or "" for unexpected errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
