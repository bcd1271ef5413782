package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

func TestSetVisible(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "vis-1", QuizMode: domain.ModeIndividual, Duration: 60, ReleaseDate: at(600)})
	if _, ok := h.scheduler.registered(ex.ID, app.TriggerRelease); !ok {
		t.Fatalf("expected release trigger registered on create")
	}

	updated, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionSetVisible, editor)
	if err != nil {
		t.Fatalf("set visible: %v", err)
	}
	if !updated.ReleaseDate.Equal(*at(0)) {
		t.Fatalf("expected release now, got %v", updated.ReleaseDate)
	}
	if _, ok := h.scheduler.registered(ex.ID, app.TriggerRelease); ok {
		t.Fatalf("expected release trigger cancelled")
	}
	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionSetVisible, editor); !errors.Is(err, domain.ErrQuizAlreadyVisible) {
		t.Fatalf("expected already visible, got %v", err)
	}
}

func TestStartBatchActionIsRejected(t *testing.T) {
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "act-1", QuizMode: domain.ModeBatched, Duration: 60})
	if _, err := h.engine.Actions.Perform(context.Background(), ex.ID, domain.ActionStartBatch, instructor); !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("expected action not allowed, got %v", err)
	}
}

func TestStartNowRequiresSynchronized(t *testing.T) {
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "act-2", QuizMode: domain.ModeBatched, Duration: 60})
	if _, err := h.engine.Actions.Perform(context.Background(), ex.ID, domain.ActionStartNow, instructor); !errors.Is(err, domain.ErrModeMismatch) {
		t.Fatalf("expected mode mismatch, got %v", err)
	}
}

func TestEndNowEvaluatesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "end-1", QuizMode: domain.ModeBatched, Duration: 600, GracePeriodSeconds: 20, ReleaseDate: at(0)})
	b, _ := h.engine.Batches.CreateBatch(ctx, ex.ID, tutor, app.BatchOptions{})
	_, _ = h.engine.Batches.Join(ctx, ex.ID, "u1", app.JoinRequest{BatchID: b.ID})
	_, _ = h.engine.Batches.Start(ctx, b.ID, tutor)

	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionEndNow, editor); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected editors unable to end, got %v", err)
	}

	h.clock.Set(60)
	updated, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionEndNow, instructor)
	if err != nil {
		t.Fatalf("end now: %v", err)
	}
	if !updated.DueDate.Equal(*at(60)) {
		t.Fatalf("expected due date now, got %v", updated.DueDate)
	}
	if runs := h.evaluator.exerciseRuns(ex.ID); runs != 1 {
		t.Fatalf("expected exercise evaluated once, got %d", runs)
	}

	status, err := h.engine.Exercises.Status(ctx, ex.ID, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Ended {
		t.Fatalf("running batch must end with the exercise")
	}
	if !status.SubmissionAllowed {
		t.Fatalf("late submissions are accepted within the grace period")
	}

	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionEndNow, instructor); !errors.Is(err, domain.ErrQuizAlreadyEnded) {
		t.Fatalf("expected already ended, got %v", err)
	}
	if err := h.engine.Triggers.OnFire(ctx, ex.ID, app.TriggerQuizEnd); err != nil {
		t.Fatalf("late fire: %v", err)
	}
	if runs := h.evaluator.exerciseRuns(ex.ID); runs != 1 {
		t.Fatalf("late trigger must not evaluate again, got %d", runs)
	}
}

func TestEndNowCoversRunningBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "end-3", QuizMode: domain.ModeBatched, Duration: 600, GracePeriodSeconds: 20, ReleaseDate: at(0)})
	b, _ := h.engine.Batches.CreateBatch(ctx, ex.ID, tutor, app.BatchOptions{})
	if _, err := h.engine.Batches.Start(ctx, b.ID, tutor); err != nil {
		t.Fatalf("start batch: %v", err)
	}
	if _, ok := h.scheduler.registered(b.ID, app.TriggerBatchEnd); !ok {
		t.Fatalf("expected batch-end registered on start")
	}

	h.clock.Set(60)
	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionEndNow, instructor); err != nil {
		t.Fatalf("end now: %v", err)
	}
	if _, ok := h.scheduler.registered(b.ID, app.TriggerBatchEnd); ok {
		t.Fatalf("batch-end must be cancelled when the exercise ends")
	}

	changes, cancel := h.broadcaster.Subscribe(ex.ID)
	defer cancel()
	h.clock.Set(700)
	if err := h.engine.Triggers.OnFire(ctx, b.ID, app.TriggerBatchEnd); err != nil {
		t.Fatalf("late batch-end: %v", err)
	}
	if runs := h.evaluator.batchRuns(b.ID); runs != 0 {
		t.Fatalf("batch already covered by exercise evaluation, got %d runs", runs)
	}
	select {
	case change := <-changes:
		t.Fatalf("unexpected state change %+v", change)
	default:
	}
}

func TestStartNowRejectedAfterQuizEnded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "sync-ended", QuizMode: domain.ModeSynchronized, Duration: 600, GracePeriodSeconds: 30, ReleaseDate: at(0)})
	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionStartNow, instructor); err != nil {
		t.Fatalf("start now: %v", err)
	}

	h.clock.Set(700)
	if err := h.engine.Triggers.OnFire(ctx, ex.ID, app.TriggerQuizEnd); err != nil {
		t.Fatalf("quiz end: %v", err)
	}
	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionStartNow, instructor); !errors.Is(err, domain.ErrQuizAlreadyEnded) {
		t.Fatalf("expected already ended, got %v", err)
	}
	if due := h.exercise(t, ex.ID).DueDate; !due.Equal(*at(630)) {
		t.Fatalf("due date must not move after the quiz ended, got %v", due)
	}
	if runs := h.evaluator.exerciseRuns(ex.ID); runs != 1 {
		t.Fatalf("expected one evaluation, got %d", runs)
	}
}

func TestEndNowRejectsSynchronized(t *testing.T) {
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "end-2", QuizMode: domain.ModeSynchronized, Duration: 60})
	if _, err := h.engine.Actions.Perform(context.Background(), ex.ID, domain.ActionEndNow, instructor); !errors.Is(err, domain.ErrModeMismatch) {
		t.Fatalf("expected mode mismatch, got %v", err)
	}
}

func TestOpenForPractice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "prac-1", QuizMode: domain.ModeIndividual, Duration: 60, ReleaseDate: at(0), DueDate: at(100)})

	if _, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionOpenForPractice, editor); !errors.Is(err, domain.ErrNotYetEnded) {
		t.Fatalf("expected not yet ended, got %v", err)
	}

	h.clock.Set(100)
	changes, cancel := h.broadcaster.Subscribe(ex.ID)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Actions.Perform(ctx, ex.ID, domain.ActionOpenForPractice, editor)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadyOpenForPractice):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got %d and %d", successes, rejected)
	}
	if !h.exercise(t, ex.ID).OpenForPractice {
		t.Fatalf("expected exercise open for practice")
	}
	if change := <-changes; change.Kind != domain.ChangeOpenForPractice {
		t.Fatalf("expected practice notification, got %+v", change)
	}
}

type examGate bool

func (g examGate) AllStudentsFinished(context.Context, domain.QuizExercise) (bool, error) {
	return bool(g), nil
}

func TestReEvaluate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.RejoinFirstJoinWins)
	ex := h.create(t, domain.QuizExercise{ID: "re-1", QuizMode: domain.ModeIndividual, Duration: 60, ReleaseDate: at(0), DueDate: at(100)})

	if err := h.engine.Actions.ReEvaluate(ctx, ex.ID, editor); !errors.Is(err, domain.ErrNotYetEnded) {
		t.Fatalf("expected not yet ended, got %v", err)
	}
	h.clock.Set(200)
	if err := h.engine.Actions.ReEvaluate(ctx, ex.ID, student); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.engine.Actions.ReEvaluate(ctx, ex.ID, editor); err != nil {
			t.Fatalf("re-evaluate: %v", err)
		}
	}
	if runs := h.evaluator.exerciseRuns(ex.ID); runs != 2 {
		t.Fatalf("explicit re-evaluation always runs, got %d", runs)
	}
}

func TestReEvaluateExamWaitsForStudents(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name     string
		finished bool
		wantErr  error
	}{
		{name: "students still working", finished: false, wantErr: domain.ErrNotYetEnded},
		{name: "all finished", finished: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, app.RejoinFirstJoinWins)
			engine := app.NewEngine(app.Deps{
				Exercises: h.exercises,
				Batches:   h.batches,
				Ledger:    h.batches,
				Scheduler: h.scheduler,
				Evaluator: h.evaluator,
				ExamGate:  examGate(tc.finished),
				Now:       h.clock.Now,
			})
			ex := h.create(t, domain.QuizExercise{ID: "exam-re", QuizMode: domain.ModeSynchronized, IsExamExercise: true})

			err := engine.Actions.ReEvaluate(ctx, ex.ID, instructor)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}
