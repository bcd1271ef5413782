package app

import (
	"context"
	"time"

	"quiz-engine/internal/domain"
)

// ExerciseRepository abstracts how quiz exercises are stored (in-memory, Redis, Postgres).
type ExerciseRepository interface {
	CreateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error)
	GetExercise(ctx context.Context, id string) (domain.QuizExercise, error)
	ListExercises(ctx context.Context) ([]domain.QuizExercise, error)
	// UpdateExercise stores ex only if the stored version still equals ex.Version and
	// returns the stored copy with the bumped version. A lost race yields domain.ErrStaleExercise.
	UpdateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error)
}

// FreshExerciseReader is implemented by caching repositories. GetExerciseFresh
// bypasses the cache and refreshes it with the stored copy.
type FreshExerciseReader interface {
	GetExerciseFresh(ctx context.Context, id string) (domain.QuizExercise, error)
}

// BatchStore is the persistence primitive behind BatchRegistry. Every write is a
// conditional operation so concurrent processes can race safely.
type BatchStore interface {
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	ListBatches(ctx context.Context, exerciseID string) ([]domain.Batch, error)
	// InsertBatchIfAbsent stores b unless a batch with the same ID exists. It returns
	// the stored batch and whether this call created it.
	InsertBatchIfAbsent(ctx context.Context, b domain.Batch) (domain.Batch, bool, error)
	// SetStartTimeIfUnset sets the start time only while it is still null. It returns
	// the stored batch and whether this call won.
	SetStartTimeIfUnset(ctx context.Context, batchID string, start time.Time) (domain.Batch, bool, error)

	GetMembership(ctx context.Context, exerciseID, userID string) (domain.Membership, error)
	// PutMembershipIfAbsent records m unless the user already joined a batch of the
	// exercise. It returns the stored membership and whether this call created it.
	PutMembershipIfAbsent(ctx context.Context, m domain.Membership) (domain.Membership, bool, error)
	// ReplaceMembership swaps the user's batch only if it still points at fromBatchID.
	ReplaceMembership(ctx context.Context, m domain.Membership, fromBatchID string) (bool, error)
}

// EvaluationLedger makes evaluation at-most-once per key across processes.
type EvaluationLedger interface {
	// ClaimEvaluation returns true for exactly one caller per (exercise, batch) key.
	ClaimEvaluation(ctx context.Context, exerciseID, batchID string) (bool, error)
	// ReleaseEvaluation drops a claim after a failed evaluation so it can be retried.
	ReleaseEvaluation(ctx context.Context, exerciseID, batchID string) error
	IsEvaluated(ctx context.Context, exerciseID, batchID string) (bool, error)
}

// TriggerKind identifies what a scheduled trigger does when it fires.
type TriggerKind string

const (
	TriggerWarmup   TriggerKind = "quiz-warmup"
	TriggerRelease  TriggerKind = "quiz-release"
	TriggerQuizEnd  TriggerKind = "quiz-end"
	TriggerBatchEnd TriggerKind = "batch-end"
)

// TriggerScheduler registers delayed callbacks. Registering the same (entity, kind)
// again supersedes the previous registration. Delivery may repeat or be late.
type TriggerScheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, entityID string, kind TriggerKind) error
	Cancel(ctx context.Context, entityID string, kind TriggerKind) error
}

// FireHandler is the re-entry point a TriggerScheduler calls when a trigger is due.
type FireHandler interface {
	OnFire(ctx context.Context, entityID string, kind TriggerKind) error
}

// Notifier broadcasts state changes. Failures never roll back the transition.
type Notifier interface {
	Publish(ctx context.Context, change domain.StateChange) error
}

// Evaluator computes results; grading itself lives outside this engine and must be idempotent.
type Evaluator interface {
	EvaluateExercise(ctx context.Context, ex domain.QuizExercise) error
	EvaluateBatch(ctx context.Context, ex domain.QuizExercise, batch domain.Batch) error
}

// Authorizer is the yes/no authorization collaborator.
type Authorizer interface {
	CanManageExercise(ctx context.Context, actor domain.Actor, ex domain.QuizExercise) bool
	CanCreateBatch(ctx context.Context, actor domain.Actor, ex domain.QuizExercise) bool
	CanStartBatch(ctx context.Context, actor domain.Actor, ex domain.QuizExercise, batch domain.Batch) bool
	CanPerformAction(ctx context.Context, actor domain.Actor, ex domain.QuizExercise, action domain.QuizAction) bool
}

// ExamEndGate tells whether every student of the exam owning ex has finished.
type ExamEndGate interface {
	AllStudentsFinished(ctx context.Context, ex domain.QuizExercise) (bool, error)
}
