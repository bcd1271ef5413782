package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"quiz-engine/internal/domain"
)

// RejoinPolicy decides what happens when a student of a BATCHED quiz selects a
// different batch than the one they joined first.
type RejoinPolicy string

const (
	// RejoinFirstJoinWins rejects every later selection with ALREADY_JOINED.
	RejoinFirstJoinWins RejoinPolicy = "first-join-wins"
	// RejoinReselectUnstarted lets the student move while their current batch has not started.
	RejoinReselectUnstarted RejoinPolicy = "reselect-unstarted"
)

func (p RejoinPolicy) IsValid() bool {
	return p == RejoinFirstJoinWins || p == RejoinReselectUnstarted
}

// BatchOptions configures a staff-created batch.
type BatchOptions struct {
	Password string
	// GeneratePassword assigns a random password when Password is empty.
	GeneratePassword bool
}

// JoinRequest selects a batch of a BATCHED quiz, by ID or by password alone.
type JoinRequest struct {
	BatchID  string
	Password string
}

// BatchCoordinator owns every batch transition: creation, joining and starting.
type BatchCoordinator struct {
	*core
	registry *BatchRegistry
	policy   RejoinPolicy
	loads    singleflight.Group
}

// GetOrCreateSynchronizedBatch returns the single batch of a SYNCHRONIZED quiz,
// creating it on first use. Concurrent callers all receive the same batch.
func (c *BatchCoordinator) GetOrCreateSynchronizedBatch(ctx context.Context, exerciseID string) (domain.Batch, error) {
	ex, err := c.load(ctx, exerciseID)
	if err != nil {
		return domain.Batch{}, err
	}
	return c.synchronizedBatch(ctx, ex)
}

func (c *BatchCoordinator) synchronizedBatch(ctx context.Context, ex domain.QuizExercise) (domain.Batch, error) {
	if ex.IsExamExercise {
		return domain.Batch{}, domain.ErrExamNotAllowed
	}
	if ex.QuizMode != domain.ModeSynchronized {
		return domain.Batch{}, domain.ErrModeMismatch
	}
	// The store insert is already atomic; singleflight only collapses local bursts.
	// The flight outlives any single caller, so it runs detached from their cancellation.
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := c.loads.Do(ex.ID, func() (interface{}, error) {
		return c.registry.insertSynchronized(flightCtx, ex, c.now())
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return v.(domain.Batch), nil
}

// CreateBatch adds an unstarted batch to a BATCHED quiz.
func (c *BatchCoordinator) CreateBatch(ctx context.Context, exerciseID string, creator domain.Actor, opts BatchOptions) (domain.Batch, error) {
	ex, err := c.load(ctx, exerciseID)
	if err != nil {
		return domain.Batch{}, err
	}
	if ex.IsExamExercise {
		return domain.Batch{}, domain.ErrExamNotAllowed
	}
	if ex.QuizMode != domain.ModeBatched {
		return domain.Batch{}, domain.ErrModeMismatch
	}
	if !c.authz.CanCreateBatch(ctx, creator, ex) {
		return domain.Batch{}, domain.ErrForbidden
	}

	password := opts.Password
	if password == "" && opts.GeneratePassword {
		if password, err = generatePassword(passwordLength); err != nil {
			return domain.Batch{}, fmt.Errorf("generate batch password: %w", err)
		}
	}
	batch, err := c.registry.insertStaffBatch(ctx, ex, domain.Batch{
		ID:        uuid.NewString(),
		CreatorID: creator.UserID,
		Password:  password,
		CreatedAt: c.now(),
	})
	if err != nil {
		return domain.Batch{}, err
	}
	c.logger.Info("batch created", "exercise_id", ex.ID, "batch_id", batch.ID, "creator", creator.UserID)
	c.publish(ctx, ex.ID, batch.ID, domain.ChangeBatchCreated)
	return batch, nil
}

// Join puts the user into the batch appropriate for the quiz mode and returns it.
// Repeating a successful join returns the same batch.
func (c *BatchCoordinator) Join(ctx context.Context, exerciseID, userID string, req JoinRequest) (domain.Batch, error) {
	ex, err := c.load(ctx, exerciseID)
	if err != nil {
		return domain.Batch{}, err
	}
	if ex.IsExamExercise {
		return domain.Batch{}, domain.ErrExamNotAllowed
	}
	gate := c.gate()
	if !gate.Visible(ex) {
		return domain.Batch{}, domain.ErrQuizNotVisible
	}
	if gate.ExerciseEnded(ex) {
		return domain.Batch{}, domain.ErrQuizAlreadyEnded
	}

	switch ex.QuizMode {
	case domain.ModeSynchronized:
		b, err := c.synchronizedBatch(ctx, ex)
		if err != nil {
			return domain.Batch{}, err
		}
		return scheduledStart(b, ex), nil
	case domain.ModeBatched:
		return c.joinBatched(ctx, ex, userID, req)
	case domain.ModeIndividual:
		return c.joinIndividual(ctx, ex, userID)
	default:
		return domain.Batch{}, domain.ErrModeMismatch
	}
}

func (c *BatchCoordinator) joinBatched(ctx context.Context, ex domain.QuizExercise, userID string, req JoinRequest) (domain.Batch, error) {
	target, err := c.locateBatch(ctx, ex, req)
	if err != nil {
		return domain.Batch{}, err
	}

	// Membership is checked before the password so a second selection reports
	// ALREADY_JOINED rather than leaking whether the guess was right.
	moveFrom := ""
	current, err := c.registry.store.GetMembership(ctx, ex.ID, userID)
	switch {
	case err == nil && current.BatchID == target.ID:
		return target, nil
	case err == nil:
		if c.policy != RejoinReselectUnstarted {
			return domain.Batch{}, domain.ErrAlreadyJoined
		}
		prev, err := c.registry.FindByID(ctx, current.BatchID)
		if err != nil && !errors.Is(err, domain.ErrBatchNotFound) {
			return domain.Batch{}, err
		}
		if prev.IsStarted() {
			return domain.Batch{}, domain.ErrAlreadyJoined
		}
		moveFrom = current.BatchID
	case !errors.Is(err, domain.ErrMembershipNotFound):
		return domain.Batch{}, err
	}

	if !passwordMatches(target.Password, req.Password) {
		return domain.Batch{}, domain.ErrWrongPassword
	}
	if c.gate().BatchEnded(target, ex) {
		return domain.Batch{}, domain.ErrBatchAlreadyEnded
	}

	now := c.now()
	if moveFrom != "" {
		moved, err := c.registry.moveMembership(ctx, ex, target, userID, moveFrom, now)
		if err != nil {
			return domain.Batch{}, err
		}
		if !moved {
			return domain.Batch{}, domain.ErrAlreadyJoined
		}
		c.logger.Info("user moved batch", "exercise_id", ex.ID, "user_id", userID, "from", moveFrom, "to", target.ID)
		return target, nil
	}

	m, _, err := c.registry.recordMembership(ctx, ex, target, userID, now)
	if err != nil {
		return domain.Batch{}, err
	}
	if m.BatchID != target.ID {
		return domain.Batch{}, domain.ErrAlreadyJoined
	}
	c.logger.Info("user joined batch", "exercise_id", ex.ID, "user_id", userID, "batch_id", target.ID)
	return target, nil
}

// locateBatch resolves the requested batch by ID, or by password when no ID is given.
func (c *BatchCoordinator) locateBatch(ctx context.Context, ex domain.QuizExercise, req JoinRequest) (domain.Batch, error) {
	if req.BatchID != "" {
		b, err := c.registry.FindByID(ctx, req.BatchID)
		if err != nil {
			return domain.Batch{}, err
		}
		if b.ExerciseID != ex.ID {
			return domain.Batch{}, domain.ErrBatchNotFound
		}
		return b, nil
	}
	if req.Password == "" {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	batches, err := c.registry.FindAllForExercise(ctx, ex.ID)
	if err != nil {
		return domain.Batch{}, err
	}
	for _, b := range batches {
		if b.Password != "" && passwordMatches(b.Password, req.Password) {
			return b, nil
		}
	}
	return domain.Batch{}, domain.ErrWrongPassword
}

func (c *BatchCoordinator) joinIndividual(ctx context.Context, ex domain.QuizExercise, userID string) (domain.Batch, error) {
	now := c.now()
	batch, created, err := c.registry.insertIndividual(ctx, ex, userID, now)
	if err != nil {
		return domain.Batch{}, err
	}
	// Membership and trigger are written on every join so a retry completes a join
	// that failed after the batch insert. Both writes are idempotent.
	if _, _, err := c.registry.recordMembership(ctx, ex, batch, userID, now); err != nil {
		return domain.Batch{}, err
	}
	if at := batchEvaluationAt(batch, ex); at != nil {
		if err := c.arm(ctx, *at, batch.ID, TriggerBatchEnd); err != nil {
			return batch, fmt.Errorf("schedule batch end: %w", err)
		}
	}
	if !created {
		return batch, nil
	}
	c.logger.Info("individual batch started", "exercise_id", ex.ID, "user_id", userID, "batch_id", batch.ID)
	c.publish(ctx, ex.ID, batch.ID, domain.ChangeBatchStarted)
	return batch, nil
}

// Start begins a batch of a SYNCHRONIZED or BATCHED quiz. Exactly one of any number
// of concurrent calls succeeds; the rest get ErrAlreadyStarted. When the follow-up
// bookkeeping fails after the start was recorded, the started batch is returned
// together with the error and the reconciler repairs the rest.
func (c *BatchCoordinator) Start(ctx context.Context, batchID string, actor domain.Actor) (domain.Batch, error) {
	batch, err := c.registry.FindByID(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	ex, err := c.load(ctx, batch.ExerciseID)
	if err != nil {
		return domain.Batch{}, err
	}
	if ex.IsExamExercise {
		return domain.Batch{}, domain.ErrExamNotAllowed
	}
	if !c.authz.CanStartBatch(ctx, actor, ex, batch) {
		return domain.Batch{}, domain.ErrForbidden
	}
	return c.start(ctx, ex, batch)
}

func (c *BatchCoordinator) start(ctx context.Context, ex domain.QuizExercise, batch domain.Batch) (domain.Batch, error) {
	if ex.QuizMode == domain.ModeIndividual {
		return domain.Batch{}, domain.ErrModeMismatch
	}
	if batch.IsStarted() {
		return domain.Batch{}, domain.ErrAlreadyStarted
	}
	now := c.now()
	started, won, err := c.registry.markStarted(ctx, ex, batch, now)
	if err != nil {
		return domain.Batch{}, err
	}
	if !won {
		return domain.Batch{}, domain.ErrAlreadyStarted
	}
	c.logger.Info("batch started", "exercise_id", ex.ID, "batch_id", started.ID, "mode", ex.QuizMode)

	switch ex.QuizMode {
	case domain.ModeSynchronized:
		updated, err := c.mutateExercise(ctx, ex.ID, func(e *domain.QuizExercise) error {
			if e.ReleaseDate != nil && e.ReleaseDate.After(now) {
				release := now
				e.ReleaseDate = &release
			}
			due := now.Add(e.BatchDuration() + e.GracePeriod())
			e.DueDate = &due
			return nil
		})
		if err != nil {
			c.logger.Error("record due date failed", "exercise_id", ex.ID, "error", err)
			return started, fmt.Errorf("record due date: %w", err)
		}
		if err := c.arm(ctx, *updated.DueDate, ex.ID, TriggerQuizEnd); err != nil {
			return started, fmt.Errorf("schedule quiz end: %w", err)
		}
	case domain.ModeBatched:
		if at := batchEvaluationAt(started, ex); at != nil {
			if err := c.arm(ctx, *at, started.ID, TriggerBatchEnd); err != nil {
				return started, fmt.Errorf("schedule batch end: %w", err)
			}
		}
	}
	c.publish(ctx, ex.ID, started.ID, domain.ChangeBatchStarted)
	return started, nil
}

const (
	passwordLength   = 8
	passwordAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
)

func generatePassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = passwordAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// passwordMatches treats an empty batch password as open.
func passwordMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
