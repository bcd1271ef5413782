package app

import (
	"context"
	"errors"
	"fmt"

	"quiz-engine/internal/domain"
)

// Reconciler repairs what a crash between two steps can leave behind: a started
// synchronized batch whose exercise due date was never recorded, and triggers that
// were never registered or were lost with a process.
type Reconciler struct {
	*core
	registry *BatchRegistry
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Exercises int
	Healed    int
	Armed     int
}

func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	exercises, err := r.exercises.ListExercises(ctx)
	if err != nil {
		return report, fmt.Errorf("list exercises: %w", err)
	}

	var errs []error
	for _, ex := range exercises {
		if ex.IsExamExercise {
			continue
		}
		report.Exercises++
		if err := r.reconcileExercise(ctx, ex, &report); err != nil {
			errs = append(errs, fmt.Errorf("exercise %s: %w", ex.ID, err))
		}
	}
	r.logger.Info("reconcile finished",
		"exercises", report.Exercises,
		"healed", report.Healed,
		"armed", report.Armed,
		"errors", len(errs),
	)
	return report, errors.Join(errs...)
}

func (r *Reconciler) reconcileExercise(ctx context.Context, ex domain.QuizExercise, report *ReconcileReport) error {
	if ex.QuizMode == domain.ModeSynchronized {
		healed, updated, err := r.healSynchronizedDueDate(ctx, ex)
		if err != nil {
			return err
		}
		if healed {
			report.Healed++
			ex = updated
		}
	}

	if err := r.armExerciseTriggers(ctx, ex); err != nil {
		return err
	}
	if ex.DueDate != nil {
		report.Armed++
	}
	if ex.QuizMode == domain.ModeSynchronized {
		return nil
	}
	exerciseDone, err := r.ledger.IsEvaluated(ctx, ex.ID, "")
	if err != nil {
		return err
	}
	if exerciseDone {
		return nil
	}

	batches, err := r.registry.FindAllForExercise(ctx, ex.ID)
	if err != nil {
		return err
	}
	for _, b := range batches {
		at := batchEvaluationAt(b, ex)
		if at == nil {
			continue
		}
		done, err := r.ledger.IsEvaluated(ctx, ex.ID, b.ID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := r.arm(ctx, *at, b.ID, TriggerBatchEnd); err != nil {
			return err
		}
		report.Armed++
	}
	return nil
}

// healSynchronizedDueDate sets dueDate = startTime + duration + grace when the
// synchronized batch has started but the exercise does not reflect it.
func (r *Reconciler) healSynchronizedDueDate(ctx context.Context, ex domain.QuizExercise) (bool, domain.QuizExercise, error) {
	batch, err := r.registry.FindByID(ctx, SynchronizedBatchID(ex.ID))
	if errors.Is(err, domain.ErrBatchNotFound) {
		return false, ex, nil
	}
	if err != nil {
		return false, ex, err
	}
	if !batch.IsStarted() {
		return false, ex, nil
	}
	want := batch.StartTime.Add(ex.BatchDuration() + ex.GracePeriod())
	if ex.DueDate != nil && ex.DueDate.Equal(want) {
		return false, ex, nil
	}

	healed := false
	updated, err := r.mutateExercise(ctx, ex.ID, func(e *domain.QuizExercise) error {
		want := batch.StartTime.Add(e.BatchDuration() + e.GracePeriod())
		if e.DueDate != nil && e.DueDate.Equal(want) {
			healed = false
			return nil
		}
		e.DueDate = &want
		healed = true
		return nil
	})
	if err != nil {
		return false, ex, err
	}
	if healed {
		r.logger.Warn("healed synchronized due date", "exercise_id", ex.ID, "due", want)
	}
	return healed, updated, nil
}
