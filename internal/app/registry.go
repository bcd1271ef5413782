package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quiz-engine/internal/domain"
)

// batchNamespace seeds name-based IDs so every process derives the same ID for the
// synchronized batch of an exercise and for an individual student's batch.
var batchNamespace = uuid.MustParse("8c2f7d4e-3b1a-4e55-9a0c-5d6e7f809a1b")

func SynchronizedBatchID(exerciseID string) string {
	return uuid.NewSHA1(batchNamespace, []byte("synchronized/"+exerciseID)).String()
}

func IndividualBatchID(exerciseID, userID string) string {
	return uuid.NewSHA1(batchNamespace, []byte("individual/"+exerciseID+"/"+userID)).String()
}

// BatchRegistry holds the batches of each exercise and checks the per-mode
// cardinality and membership rules before any write reaches the store.
// It makes no business decisions; BatchCoordinator is its only writer.
type BatchRegistry struct {
	store BatchStore
}

func NewBatchRegistry(store BatchStore) *BatchRegistry {
	return &BatchRegistry{store: store}
}

func (r *BatchRegistry) FindByID(ctx context.Context, id string) (domain.Batch, error) {
	return r.store.GetBatch(ctx, id)
}

func (r *BatchRegistry) FindAllForExercise(ctx context.Context, exerciseID string) ([]domain.Batch, error) {
	return r.store.ListBatches(ctx, exerciseID)
}

// FindJoinedBatchForUser returns the batch the user participates in. In SYNCHRONIZED
// mode that is the shared batch, if it exists yet.
func (r *BatchRegistry) FindJoinedBatchForUser(ctx context.Context, ex domain.QuizExercise, userID string) (domain.Batch, error) {
	if ex.QuizMode == domain.ModeSynchronized {
		b, err := r.store.GetBatch(ctx, SynchronizedBatchID(ex.ID))
		if errors.Is(err, domain.ErrBatchNotFound) {
			return domain.Batch{}, domain.ErrMembershipNotFound
		}
		if err != nil {
			return domain.Batch{}, err
		}
		return scheduledStart(b, ex), nil
	}
	m, err := r.store.GetMembership(ctx, ex.ID, userID)
	if err != nil {
		return domain.Batch{}, err
	}
	return r.store.GetBatch(ctx, m.BatchID)
}

// scheduledStart reports the synchronized batch as starting at the exercise start
// date when nobody started it explicitly. The stored batch stays unstarted so
// START_NOW and due-date healing only ever see explicit starts.
func scheduledStart(b domain.Batch, ex domain.QuizExercise) domain.Batch {
	if ex.QuizMode != domain.ModeSynchronized || b.StartTime != nil || ex.StartDate == nil {
		return b
	}
	start := *ex.StartDate
	b.StartTime = &start
	return b
}

func (r *BatchRegistry) insertSynchronized(ctx context.Context, ex domain.QuizExercise, now time.Time) (domain.Batch, error) {
	if err := requireMode(ex, domain.ModeSynchronized); err != nil {
		return domain.Batch{}, err
	}
	b, _, err := r.store.InsertBatchIfAbsent(ctx, domain.Batch{
		ID:         SynchronizedBatchID(ex.ID),
		ExerciseID: ex.ID,
		CreatedAt:  now,
	})
	return b, err
}

func (r *BatchRegistry) insertStaffBatch(ctx context.Context, ex domain.QuizExercise, b domain.Batch) (domain.Batch, error) {
	if err := requireMode(ex, domain.ModeBatched); err != nil {
		return domain.Batch{}, err
	}
	if b.StartTime != nil {
		return domain.Batch{}, fmt.Errorf("%w: new batches start unstarted", domain.ErrModeCardinalityViolation)
	}
	b.ExerciseID = ex.ID
	stored, created, err := r.store.InsertBatchIfAbsent(ctx, b)
	if err != nil {
		return domain.Batch{}, err
	}
	if !created {
		return domain.Batch{}, fmt.Errorf("%w: batch %s already exists", domain.ErrModeCardinalityViolation, b.ID)
	}
	return stored, nil
}

// insertIndividual creates the user's batch-of-one already started at now, or
// returns the existing one.
func (r *BatchRegistry) insertIndividual(ctx context.Context, ex domain.QuizExercise, userID string, now time.Time) (domain.Batch, bool, error) {
	if err := requireMode(ex, domain.ModeIndividual); err != nil {
		return domain.Batch{}, false, err
	}
	start := now
	return r.store.InsertBatchIfAbsent(ctx, domain.Batch{
		ID:         IndividualBatchID(ex.ID, userID),
		ExerciseID: ex.ID,
		CreatorID:  userID,
		StartTime:  &start,
		CreatedAt:  now,
	})
}

func (r *BatchRegistry) recordMembership(ctx context.Context, ex domain.QuizExercise, batch domain.Batch, userID string, now time.Time) (domain.Membership, bool, error) {
	if err := requireMemberships(ex, batch); err != nil {
		return domain.Membership{}, false, err
	}
	return r.store.PutMembershipIfAbsent(ctx, domain.Membership{
		ExerciseID: ex.ID,
		UserID:     userID,
		BatchID:    batch.ID,
		JoinedAt:   now,
	})
}

func (r *BatchRegistry) moveMembership(ctx context.Context, ex domain.QuizExercise, to domain.Batch, userID, fromBatchID string, now time.Time) (bool, error) {
	if ex.QuizMode != domain.ModeBatched {
		return false, fmt.Errorf("%w: only batched quizzes allow reselecting a batch", domain.ErrModeCardinalityViolation)
	}
	if err := requireMemberships(ex, to); err != nil {
		return false, err
	}
	return r.store.ReplaceMembership(ctx, domain.Membership{
		ExerciseID: ex.ID,
		UserID:     userID,
		BatchID:    to.ID,
		JoinedAt:   now,
	}, fromBatchID)
}

func (r *BatchRegistry) markStarted(ctx context.Context, ex domain.QuizExercise, batch domain.Batch, start time.Time) (domain.Batch, bool, error) {
	if ex.IsExamExercise {
		return domain.Batch{}, false, domain.ErrExamNotAllowed
	}
	if batch.ExerciseID != ex.ID {
		return domain.Batch{}, false, fmt.Errorf("%w: batch %s belongs to another exercise", domain.ErrModeCardinalityViolation, batch.ID)
	}
	if ex.QuizMode == domain.ModeIndividual {
		return domain.Batch{}, false, fmt.Errorf("%w: individual batches start on join", domain.ErrModeCardinalityViolation)
	}
	return r.store.SetStartTimeIfUnset(ctx, batch.ID, start)
}

func requireMode(ex domain.QuizExercise, mode domain.QuizMode) error {
	if ex.IsExamExercise {
		return domain.ErrExamNotAllowed
	}
	if ex.QuizMode != mode {
		return fmt.Errorf("%w: %s batch on %s quiz", domain.ErrModeCardinalityViolation, mode, ex.QuizMode)
	}
	return nil
}

func requireMemberships(ex domain.QuizExercise, batch domain.Batch) error {
	if ex.IsExamExercise {
		return domain.ErrExamNotAllowed
	}
	if ex.QuizMode == domain.ModeSynchronized {
		return fmt.Errorf("%w: synchronized quizzes have no memberships", domain.ErrModeCardinalityViolation)
	}
	if batch.ExerciseID != ex.ID {
		return fmt.Errorf("%w: batch %s belongs to another exercise", domain.ErrModeCardinalityViolation, batch.ID)
	}
	return nil
}
