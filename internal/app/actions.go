package app

import (
	"context"
	"fmt"

	"quiz-engine/internal/domain"
)

// QuizActions performs the administrative transitions on a quiz exercise.
type QuizActions struct {
	*core
	batches   *BatchCoordinator
	triggers  *TriggerHandler
	evaluator Evaluator
	examGate  ExamEndGate
}

// Perform applies action to the exercise and returns its updated state.
func (a *QuizActions) Perform(ctx context.Context, exerciseID string, action domain.QuizAction, actor domain.Actor) (domain.QuizExercise, error) {
	ex, err := a.load(ctx, exerciseID)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	if ex.IsExamExercise {
		return domain.QuizExercise{}, domain.ErrExamNotAllowed
	}
	if action == domain.ActionStartBatch {
		return domain.QuizExercise{}, domain.ErrActionNotAllowed
	}
	if !a.authz.CanPerformAction(ctx, actor, ex, action) {
		return domain.QuizExercise{}, domain.ErrForbidden
	}

	a.logger.Info("quiz action", "exercise_id", ex.ID, "action", action, "actor", actor.UserID)
	switch action {
	case domain.ActionSetVisible:
		return a.setVisible(ctx, ex)
	case domain.ActionStartNow:
		return a.startNow(ctx, ex)
	case domain.ActionEndNow:
		return a.endNow(ctx, ex)
	case domain.ActionOpenForPractice:
		return a.openForPractice(ctx, ex)
	default:
		return domain.QuizExercise{}, domain.ErrActionNotAllowed
	}
}

func (a *QuizActions) setVisible(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	now := a.now()
	updated, err := a.mutateExercise(ctx, ex.ID, func(e *domain.QuizExercise) error {
		if a.gate().Visible(*e) {
			return domain.ErrQuizAlreadyVisible
		}
		e.ReleaseDate = &now
		return nil
	})
	if err != nil {
		return domain.QuizExercise{}, err
	}
	a.disarm(ctx, ex.ID, TriggerWarmup)
	a.disarm(ctx, ex.ID, TriggerRelease)
	a.publish(ctx, ex.ID, "", domain.ChangeVisible)
	return updated, nil
}

// startNow starts the single batch of a SYNCHRONIZED quiz. A future release date is
// pulled forward to now so the running quiz is visible. A quiz past its configured
// start date or its due date cannot be started again.
func (a *QuizActions) startNow(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	if ex.QuizMode != domain.ModeSynchronized {
		return domain.QuizExercise{}, domain.ErrModeMismatch
	}
	gate := a.gate()
	if gate.ExerciseEnded(ex) {
		return domain.QuizExercise{}, domain.ErrQuizAlreadyEnded
	}
	if gate.ExerciseStarted(ex) {
		return domain.QuizExercise{}, domain.ErrAlreadyStarted
	}
	batch, err := a.batches.synchronizedBatch(ctx, ex)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	if _, err := a.batches.start(ctx, ex, batch); err != nil {
		return domain.QuizExercise{}, err
	}
	a.disarm(ctx, ex.ID, TriggerWarmup)
	a.disarm(ctx, ex.ID, TriggerRelease)
	return a.load(ctx, ex.ID)
}

// endNow moves the due date of a BATCHED or INDIVIDUAL quiz to now and evaluates it.
// Batches still running end with the exercise.
func (a *QuizActions) endNow(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	if ex.QuizMode == domain.ModeSynchronized {
		return domain.QuizExercise{}, domain.ErrModeMismatch
	}
	now := a.now()
	updated, err := a.mutateExercise(ctx, ex.ID, func(e *domain.QuizExercise) error {
		if a.gate().ExerciseEnded(*e) {
			return domain.ErrQuizAlreadyEnded
		}
		e.DueDate = &now
		return nil
	})
	if err != nil {
		return domain.QuizExercise{}, err
	}
	a.disarm(ctx, ex.ID, TriggerQuizEnd)
	a.disarmBatchEnds(ctx, ex.ID)
	if err := a.triggers.OnFire(ctx, ex.ID, TriggerQuizEnd); err != nil {
		// The exercise has ended either way; register the trigger so evaluation is retried.
		_ = a.arm(ctx, now, ex.ID, TriggerQuizEnd)
		return updated, fmt.Errorf("evaluate ended quiz: %w", err)
	}
	return updated, nil
}

// disarmBatchEnds cancels the batch-end triggers of an exercise that ends as a whole.
// A trigger that escapes cancellation is still a no-op once the exercise is evaluated.
func (a *QuizActions) disarmBatchEnds(ctx context.Context, exerciseID string) {
	batches, err := a.batches.registry.FindAllForExercise(ctx, exerciseID)
	if err != nil {
		a.logger.Warn("list batches for cancel failed", "exercise_id", exerciseID, "error", err)
		return
	}
	for _, b := range batches {
		if b.IsStarted() {
			a.disarm(ctx, b.ID, TriggerBatchEnd)
		}
	}
}

func (a *QuizActions) openForPractice(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	updated, err := a.mutateExercise(ctx, ex.ID, func(e *domain.QuizExercise) error {
		if !a.gate().ExerciseEnded(*e) {
			return domain.ErrNotYetEnded
		}
		if e.OpenForPractice {
			return domain.ErrAlreadyOpenForPractice
		}
		e.OpenForPractice = true
		return nil
	})
	if err != nil {
		return domain.QuizExercise{}, err
	}
	a.publish(ctx, ex.ID, "", domain.ChangeOpenForPractice)
	return updated, nil
}

// ReEvaluate recomputes the results of an ended quiz on explicit request. It bypasses
// the evaluation ledger; evaluators are idempotent. Exam quizzes may only be
// re-evaluated once every student of the exam has finished.
func (a *QuizActions) ReEvaluate(ctx context.Context, exerciseID string, actor domain.Actor) error {
	ex, err := a.load(ctx, exerciseID)
	if err != nil {
		return err
	}
	if !a.authz.CanManageExercise(ctx, actor, ex) {
		return domain.ErrForbidden
	}
	if ex.IsExamExercise {
		if a.examGate == nil {
			return domain.ErrNotYetEnded
		}
		finished, err := a.examGate.AllStudentsFinished(ctx, ex)
		if err != nil {
			return err
		}
		if !finished {
			return domain.ErrNotYetEnded
		}
	} else if !a.gate().ExerciseEnded(ex) {
		return domain.ErrNotYetEnded
	}

	if err := a.evaluator.EvaluateExercise(ctx, ex); err != nil {
		return fmt.Errorf("re-evaluate %s: %w", ex.ID, err)
	}
	a.logger.Info("quiz re-evaluated", "exercise_id", ex.ID, "actor", actor.UserID)
	a.publish(ctx, ex.ID, "", domain.ChangeEvaluated)
	return nil
}
