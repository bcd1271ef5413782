package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/lifecycle"
	"quiz-engine/internal/logging"
)

// Deps bundles the collaborators of the engine. Zero-valued optional fields get
// harmless defaults in NewEngine.
type Deps struct {
	Exercises  ExerciseRepository
	Batches    BatchStore
	Ledger     EvaluationLedger
	Scheduler  TriggerScheduler
	Notifier   Notifier
	Evaluator  Evaluator
	Authorizer Authorizer
	ExamGate   ExamEndGate
	Logger     *slog.Logger
	// Now is injectable for deterministic tests.
	Now          func() time.Time
	RejoinPolicy RejoinPolicy
	// DefaultGracePeriod applies to exercises created without an explicit grace period.
	DefaultGracePeriod time.Duration
}

// Engine wires the lifecycle components together.
type Engine struct {
	Exercises  *ExerciseService
	Batches    *BatchCoordinator
	Actions    *QuizActions
	Triggers   *TriggerHandler
	Reconciler *Reconciler
	Registry   *BatchRegistry
}

func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Evaluator == nil {
		d.Evaluator = NewLoggingEvaluator(d.Logger)
	}
	if d.Authorizer == nil {
		d.Authorizer = RoleAuthorizer{}
	}
	if d.RejoinPolicy == "" {
		d.RejoinPolicy = RejoinFirstJoinWins
	}

	c := &core{
		exercises: d.Exercises,
		ledger:    d.Ledger,
		scheduler: d.Scheduler,
		notifier:  d.Notifier,
		authz:     d.Authorizer,
		logger:    d.Logger,
		clock:     d.Now,
	}
	registry := NewBatchRegistry(d.Batches)
	batches := &BatchCoordinator{core: c, registry: registry, policy: d.RejoinPolicy}
	triggers := &TriggerHandler{core: c, registry: registry, evaluator: d.Evaluator}
	return &Engine{
		Exercises: &ExerciseService{core: c, registry: registry, defaultGrace: d.DefaultGracePeriod},
		Batches:   batches,
		Actions: &QuizActions{
			core:      c,
			batches:   batches,
			triggers:  triggers,
			evaluator: d.Evaluator,
			examGate:  d.ExamGate,
		},
		Triggers:   triggers,
		Reconciler: &Reconciler{core: c, registry: registry},
		Registry:   registry,
	}
}

// core holds what every component shares.
type core struct {
	exercises ExerciseRepository
	ledger    EvaluationLedger
	scheduler TriggerScheduler
	notifier  Notifier
	authz     Authorizer
	logger    *slog.Logger
	clock     func() time.Time
}

// now is truncated to seconds; persisted timestamps carry no sub-second precision.
func (c *core) now() time.Time {
	return c.clock().UTC().Truncate(time.Second)
}

func (c *core) gate() lifecycle.Gate {
	return lifecycle.NewGate(c.clock)
}

// load reads the stored exercise, bypassing any cache. Every decision that checks
// preconditions goes through load; cached reads only serve presentation.
func (c *core) load(ctx context.Context, id string) (domain.QuizExercise, error) {
	if fresh, ok := c.exercises.(FreshExerciseReader); ok {
		return fresh.GetExerciseFresh(ctx, id)
	}
	return c.exercises.GetExercise(ctx, id)
}

const maxUpdateAttempts = 5

// mutateExercise reloads the exercise, applies mutate and writes it back with an
// optimistic version check, retrying on lost races. mutate must re-check its
// preconditions against the fresh copy it is given.
func (c *core) mutateExercise(ctx context.Context, id string, mutate func(*domain.QuizExercise) error) (domain.QuizExercise, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		ex, err := c.load(ctx, id)
		if err != nil {
			return domain.QuizExercise{}, err
		}
		if err := mutate(&ex); err != nil {
			return domain.QuizExercise{}, err
		}
		updated, err := c.exercises.UpdateExercise(ctx, ex)
		if errors.Is(err, domain.ErrStaleExercise) {
			c.logger.Debug("exercise update lost race, retrying", "exercise_id", id, "attempt", attempt+1)
			continue
		}
		return updated, err
	}
	return domain.QuizExercise{}, domain.ErrStaleExercise
}

// publish is fire-and-forget: a failed broadcast is logged, never returned.
func (c *core) publish(ctx context.Context, exerciseID, batchID string, kind domain.StateChangeKind) {
	change := domain.StateChange{ExerciseID: exerciseID, BatchID: batchID, Kind: kind, At: c.now()}
	if err := c.notifier.Publish(ctx, change); err != nil {
		c.logger.Warn("publish state change failed", "exercise_id", exerciseID, "kind", kind, "error", err)
	}
}

// arm registers a trigger and logs instead of failing; the reconciler repairs lost registrations.
func (c *core) arm(ctx context.Context, at time.Time, entityID string, kind TriggerKind) error {
	if err := c.scheduler.ScheduleAt(ctx, at, entityID, kind); err != nil {
		c.logger.Error("register trigger failed", "entity_id", entityID, "kind", kind, "at", at, "error", err)
		return err
	}
	c.logger.Debug("trigger registered", "entity_id", entityID, "kind", kind, "at", at)
	return nil
}

func (c *core) disarm(ctx context.Context, entityID string, kind TriggerKind) {
	if err := c.scheduler.Cancel(ctx, entityID, kind); err != nil {
		c.logger.Warn("cancel trigger failed", "entity_id", entityID, "kind", kind, "error", err)
	}
}

// armExerciseTriggers registers the exercise-level triggers that are still ahead.
// Exam exercises are never scheduled.
func (c *core) armExerciseTriggers(ctx context.Context, ex domain.QuizExercise) error {
	if ex.IsExamExercise {
		return nil
	}
	now := c.now()
	var errs []error
	if warm, _ := lifecycle.Resolve(lifecycle.EventShortlyBeforeRelease, ex); warm != nil && warm.After(now) {
		errs = append(errs, c.arm(ctx, *warm, ex.ID, TriggerWarmup))
	}
	if ex.ReleaseDate != nil && ex.ReleaseDate.After(now) {
		errs = append(errs, c.arm(ctx, *ex.ReleaseDate, ex.ID, TriggerRelease))
	}
	if ex.DueDate != nil {
		done, err := c.ledger.IsEvaluated(ctx, ex.ID, "")
		if err != nil {
			return err
		}
		if !done {
			errs = append(errs, c.arm(ctx, *ex.DueDate, ex.ID, TriggerQuizEnd))
		}
	}
	return errors.Join(errs...)
}

// batchEvaluationAt is when submissions for the batch stop being accepted:
// the earlier of batch end and exercise due date, plus the grace period.
func batchEvaluationAt(batch domain.Batch, ex domain.QuizExercise) *time.Time {
	end := lifecycle.BatchEnd(batch, ex)
	if end == nil {
		return nil
	}
	if ex.DueDate != nil && ex.DueDate.Before(*end) {
		*end = *ex.DueDate
	}
	t := end.Add(ex.GracePeriod())
	return &t
}

// NopNotifier drops every state change.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, domain.StateChange) error { return nil }
