package lifecycle

import (
	"time"

	"quiz-engine/internal/domain"
)

// Gate answers the started/ended questions used when accepting submissions and
// scheduling evaluation. All answers are derived from the clock, never stored.
type Gate struct {
	now func() time.Time
}

func NewGate(now func() time.Time) Gate {
	if now == nil {
		now = time.Now
	}
	return Gate{now: now}
}

// ExerciseStarted is true once the configured start date is set and not in the future.
func (g Gate) ExerciseStarted(ex domain.QuizExercise) bool {
	return notAfterNow(ex.StartDate, g.now())
}

// BatchStarted is true once the batch start time is set and not in the future.
func (g Gate) BatchStarted(batch domain.Batch) bool {
	return notAfterNow(batch.StartTime, g.now())
}

// ExerciseEnded is true from the resolved due moment on. The grace period does not apply here.
func (g Gate) ExerciseEnded(ex domain.QuizExercise) bool {
	due, err := Resolve(EventDue, ex)
	if err != nil {
		return false
	}
	return notAfterNow(due, g.now())
}

// BatchEnded is true from startTime + duration on, or once the whole exercise has ended.
func (g Gate) BatchEnded(batch domain.Batch, ex domain.QuizExercise) bool {
	if notAfterNow(BatchEnd(batch, ex), g.now()) {
		return true
	}
	return g.ExerciseEnded(ex)
}

// SubmissionAllowed is true while the batch runs or within the grace period after it.
func (g Gate) SubmissionAllowed(batch domain.Batch, ex domain.QuizExercise) bool {
	if !g.BatchStarted(batch) {
		return false
	}
	deadline := *BatchEnd(batch, ex)
	if ex.DueDate != nil && ex.DueDate.Before(deadline) {
		deadline = *ex.DueDate
	}
	return g.now().Before(deadline.Add(ex.GracePeriod()))
}

// Visible reports whether students may see the exercise. An unset release date means
// the quiz is still scheduled, not visible.
func (g Gate) Visible(ex domain.QuizExercise) bool {
	return notAfterNow(ex.ReleaseDate, g.now())
}

func notAfterNow(t *time.Time, now time.Time) bool {
	return t != nil && !t.After(now)
}
