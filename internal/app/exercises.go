package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/lifecycle"
)

// ExerciseService creates quiz exercises and answers read-side questions about them.
type ExerciseService struct {
	*core
	registry     *BatchRegistry
	defaultGrace time.Duration
}

// DefaultGracePeriodSeconds is applied by callers that leave the grace period unset.
func (s *ExerciseService) DefaultGracePeriodSeconds() int {
	return int(s.defaultGrace / time.Second)
}

// Create validates and stores a new exercise and registers its upcoming triggers.
func (s *ExerciseService) Create(ctx context.Context, actor domain.Actor, ex domain.QuizExercise) (domain.QuizExercise, error) {
	if !s.authz.CanManageExercise(ctx, actor, ex) {
		return domain.QuizExercise{}, domain.ErrForbidden
	}
	if err := validateExercise(ex); err != nil {
		return domain.QuizExercise{}, err
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	ex.Version = 0

	created, err := s.exercises.CreateExercise(ctx, ex)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	s.logger.Info("exercise created", "exercise_id", created.ID, "mode", created.QuizMode, "exam", created.IsExamExercise)
	if err := s.armExerciseTriggers(ctx, created); err != nil {
		return created, fmt.Errorf("schedule exercise triggers: %w", err)
	}
	return created, nil
}

func validateExercise(ex domain.QuizExercise) error {
	var problems []string
	if !ex.QuizMode.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown quiz mode %q", ex.QuizMode))
	}
	if ex.Duration < 0 {
		problems = append(problems, "duration must not be negative")
	}
	if ex.GracePeriodSeconds < 0 {
		problems = append(problems, "grace period must not be negative")
	}
	if ex.ReleaseDate != nil && ex.DueDate != nil && ex.DueDate.Before(*ex.ReleaseDate) {
		problems = append(problems, "due date before release date")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidExercise, strings.Join(problems, "; "))
	}
	return nil
}

// Get may answer from a cache.
func (s *ExerciseService) Get(ctx context.Context, id string) (domain.QuizExercise, error) {
	return s.exercises.GetExercise(ctx, id)
}

// ExerciseStatus is the caller-specific view of where a quiz stands.
type ExerciseStatus struct {
	ExerciseID        string          `json:"exerciseId"`
	QuizMode          domain.QuizMode `json:"quizMode"`
	Visible           bool            `json:"visible"`
	Started           bool            `json:"started"`
	Ended             bool            `json:"ended"`
	SubmissionAllowed bool            `json:"submissionAllowed"`
	OpenForPractice   bool            `json:"openForPractice"`
	Batch             *domain.Batch   `json:"batch,omitempty"`
}

// Status evaluates the quiz for userID: against their batch when they have one,
// otherwise against the exercise dates.
func (s *ExerciseService) Status(ctx context.Context, exerciseID, userID string) (ExerciseStatus, error) {
	ex, err := s.load(ctx, exerciseID)
	if err != nil {
		return ExerciseStatus{}, err
	}
	gate := s.gate()
	status := ExerciseStatus{
		ExerciseID:      ex.ID,
		QuizMode:        ex.QuizMode,
		Visible:         gate.Visible(ex),
		OpenForPractice: ex.OpenForPractice,
	}

	batch, err := s.joinedBatch(ctx, ex, userID)
	if err != nil {
		return ExerciseStatus{}, err
	}
	if batch == nil {
		status.Started = gate.ExerciseStarted(ex)
		status.Ended = gate.ExerciseEnded(ex)
		return status, nil
	}
	status.Batch = batch
	status.Started = gate.BatchStarted(*batch)
	status.Ended = gate.BatchEnded(*batch, ex)
	status.SubmissionAllowed = gate.SubmissionAllowed(*batch, ex)
	return status, nil
}

// ResolveEvent returns the moment of a lifecycle event for userID, batch-aware when
// the user has joined a batch.
func (s *ExerciseService) ResolveEvent(ctx context.Context, exerciseID, userID string, event lifecycle.Event) (*time.Time, error) {
	ex, err := s.load(ctx, exerciseID)
	if err != nil {
		return nil, err
	}
	batch, err := s.joinedBatch(ctx, ex, userID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return lifecycle.Resolve(event, ex)
	}
	return lifecycle.ResolveForBatch(event, *batch, ex)
}

func (s *ExerciseService) joinedBatch(ctx context.Context, ex domain.QuizExercise, userID string) (*domain.Batch, error) {
	if ex.IsExamExercise || userID == "" {
		return nil, nil
	}
	b, err := s.registry.FindJoinedBatchForUser(ctx, ex, userID)
	if errors.Is(err, domain.ErrMembershipNotFound) || errors.Is(err, domain.ErrBatchNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Batches lists the batches of an exercise.
func (s *ExerciseService) Batches(ctx context.Context, exerciseID string) ([]domain.Batch, error) {
	if _, err := s.exercises.GetExercise(ctx, exerciseID); err != nil {
		return nil, err
	}
	return s.registry.FindAllForExercise(ctx, exerciseID)
}
