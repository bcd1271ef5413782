package app_test

import (
	"context"
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

var (
	editor     = domain.Actor{UserID: "editor-1", Role: domain.RoleEditor}
	instructor = domain.Actor{UserID: "instructor-1", Role: domain.RoleInstructor}
	tutor      = domain.Actor{UserID: "tutor-1", Role: domain.RoleTutor}
	student    = domain.Actor{UserID: "student-1", Role: domain.RoleStudent}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(sec int) {
	c.mu.Lock()
	c.now = *at(sec)
	c.mu.Unlock()
}

// recordingScheduler keeps the latest registration per key and never fires.
type recordingScheduler struct {
	mu   sync.Mutex
	regs map[string]time.Time
}

func (s *recordingScheduler) ScheduleAt(_ context.Context, when time.Time, entityID string, kind app.TriggerKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[string(kind)+"|"+entityID] = when
	return nil
}

func (s *recordingScheduler) Cancel(_ context.Context, entityID string, kind app.TriggerKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, string(kind)+"|"+entityID)
	return nil
}

func (s *recordingScheduler) registered(entityID string, kind app.TriggerKind) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	when, ok := s.regs[string(kind)+"|"+entityID]
	return when, ok
}

type countingEvaluator struct {
	mu        sync.Mutex
	exercises map[string]int
	batches   map[string]int
}

func (e *countingEvaluator) EvaluateExercise(_ context.Context, ex domain.QuizExercise) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exercises[ex.ID]++
	return nil
}

func (e *countingEvaluator) EvaluateBatch(_ context.Context, _ domain.QuizExercise, batch domain.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches[batch.ID]++
	return nil
}

func (e *countingEvaluator) exerciseRuns(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exercises[id]
}

func (e *countingEvaluator) batchRuns(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches[id]
}

type harness struct {
	engine      *app.Engine
	clock       *fakeClock
	scheduler   *recordingScheduler
	evaluator   *countingEvaluator
	exercises   *memory.ExerciseStore
	batches     *memory.BatchStore
	broadcaster *app.Broadcaster
}

func newHarness(t *testing.T, policy app.RejoinPolicy) *harness {
	t.Helper()
	h := &harness{
		clock:       &fakeClock{now: t0},
		scheduler:   &recordingScheduler{regs: make(map[string]time.Time)},
		evaluator:   &countingEvaluator{exercises: make(map[string]int), batches: make(map[string]int)},
		exercises:   memory.NewExerciseStore(),
		batches:     memory.NewBatchStore(),
		broadcaster: app.NewBroadcaster(),
	}
	h.engine = app.NewEngine(app.Deps{
		Exercises:    h.exercises,
		Batches:      h.batches,
		Ledger:       h.batches,
		Scheduler:    h.scheduler,
		Notifier:     h.broadcaster,
		Evaluator:    h.evaluator,
		Now:          h.clock.Now,
		RejoinPolicy: policy,
	})
	return h
}

func (h *harness) create(t *testing.T, ex domain.QuizExercise) domain.QuizExercise {
	t.Helper()
	created, err := h.engine.Exercises.Create(context.Background(), editor, ex)
	if err != nil {
		t.Fatalf("create exercise: %v", err)
	}
	return created
}

func (h *harness) exercise(t *testing.T, id string) domain.QuizExercise {
	t.Helper()
	ex, err := h.exercises.GetExercise(context.Background(), id)
	if err != nil {
		t.Fatalf("get exercise: %v", err)
	}
	return ex
}
