package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/lifecycle"
)

// TriggerHandler reacts to fired triggers. Every handler re-reads current state and
// re-checks the condition before acting, so stale, repeated or late deliveries are
// harmless. Evaluation is guarded by the ledger and happens at most once per key.
type TriggerHandler struct {
	*core
	registry  *BatchRegistry
	evaluator Evaluator
}

var _ FireHandler = (*TriggerHandler)(nil)

func (h *TriggerHandler) OnFire(ctx context.Context, entityID string, kind TriggerKind) error {
	switch kind {
	case TriggerWarmup:
		return h.onWarmup(ctx, entityID)
	case TriggerRelease:
		return h.onRelease(ctx, entityID)
	case TriggerQuizEnd:
		return h.onQuizEnd(ctx, entityID)
	case TriggerBatchEnd:
		return h.onBatchEnd(ctx, entityID)
	}
	h.logger.Warn("unknown trigger kind", "entity_id", entityID, "kind", kind)
	return nil
}

func (h *TriggerHandler) onWarmup(ctx context.Context, exerciseID string) error {
	ex, ok, err := h.loadExercise(ctx, exerciseID)
	if !ok || err != nil {
		return err
	}
	at, _ := lifecycle.Resolve(lifecycle.EventShortlyBeforeRelease, ex)
	if !h.due(ctx, at, ex.ID, TriggerWarmup) || h.gate().Visible(ex) {
		return nil
	}
	h.publish(ctx, ex.ID, "", domain.ChangeWarmup)
	return nil
}

func (h *TriggerHandler) onRelease(ctx context.Context, exerciseID string) error {
	ex, ok, err := h.loadExercise(ctx, exerciseID)
	if !ok || err != nil {
		return err
	}
	if !h.due(ctx, ex.ReleaseDate, ex.ID, TriggerRelease) {
		return nil
	}
	h.publish(ctx, ex.ID, "", domain.ChangeReleased)
	return nil
}

func (h *TriggerHandler) onQuizEnd(ctx context.Context, exerciseID string) error {
	ex, ok, err := h.loadExercise(ctx, exerciseID)
	if !ok || err != nil {
		return err
	}
	if !h.due(ctx, ex.DueDate, ex.ID, TriggerQuizEnd) {
		return nil
	}
	return h.evaluate(ctx, ex, "", func() error { return h.evaluator.EvaluateExercise(ctx, ex) })
}

func (h *TriggerHandler) onBatchEnd(ctx context.Context, batchID string) error {
	batch, err := h.registry.FindByID(ctx, batchID)
	if errors.Is(err, domain.ErrBatchNotFound) {
		h.logger.Debug("trigger for missing batch ignored", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return err
	}
	ex, ok, err := h.loadExercise(ctx, batch.ExerciseID)
	if !ok || err != nil {
		return err
	}
	// Evaluating the whole exercise covers every batch in it.
	done, err := h.ledger.IsEvaluated(ctx, ex.ID, "")
	if err != nil {
		return fmt.Errorf("check exercise evaluation: %w", err)
	}
	if done {
		h.logger.Debug("batch covered by exercise evaluation", "exercise_id", ex.ID, "batch_id", batch.ID)
		return nil
	}
	if !h.due(ctx, batchEvaluationAt(batch, ex), batch.ID, TriggerBatchEnd) {
		return nil
	}
	return h.evaluate(ctx, ex, batch.ID, func() error { return h.evaluator.EvaluateBatch(ctx, ex, batch) })
}

// loadExercise reports ok=false for deleted or exam exercises, which are never acted upon.
func (h *TriggerHandler) loadExercise(ctx context.Context, id string) (domain.QuizExercise, bool, error) {
	ex, err := h.load(ctx, id)
	if errors.Is(err, domain.ErrExerciseNotFound) {
		h.logger.Debug("trigger for missing exercise ignored", "exercise_id", id)
		return domain.QuizExercise{}, false, nil
	}
	if err != nil {
		return domain.QuizExercise{}, false, err
	}
	if ex.IsExamExercise {
		return domain.QuizExercise{}, false, nil
	}
	return ex, true, nil
}

// due reports whether the moment at has been reached. A delivery that arrives early
// re-registers the trigger for the current moment instead of acting.
func (h *TriggerHandler) due(ctx context.Context, at *time.Time, entityID string, kind TriggerKind) bool {
	if at == nil {
		h.logger.Debug("stale trigger ignored", "entity_id", entityID, "kind", kind)
		return false
	}
	if at.After(h.clock()) {
		h.logger.Debug("early trigger re-registered", "entity_id", entityID, "kind", kind, "at", *at)
		_ = h.arm(ctx, *at, entityID, kind)
		return false
	}
	return true
}

func (h *TriggerHandler) evaluate(ctx context.Context, ex domain.QuizExercise, batchID string, run func() error) error {
	claimed, err := h.ledger.ClaimEvaluation(ctx, ex.ID, batchID)
	if err != nil {
		return fmt.Errorf("claim evaluation: %w", err)
	}
	if !claimed {
		h.logger.Debug("already evaluated", "exercise_id", ex.ID, "batch_id", batchID)
		return nil
	}
	if err := run(); err != nil {
		if rerr := h.ledger.ReleaseEvaluation(ctx, ex.ID, batchID); rerr != nil {
			h.logger.Error("release evaluation claim failed", "exercise_id", ex.ID, "batch_id", batchID, "error", rerr)
		}
		return fmt.Errorf("evaluate: %w", err)
	}
	h.logger.Info("evaluated", "exercise_id", ex.ID, "batch_id", batchID)
	if batchID == "" {
		h.publish(ctx, ex.ID, "", domain.ChangeQuizEnded)
	} else {
		h.publish(ctx, ex.ID, batchID, domain.ChangeBatchEnded)
	}
	h.publish(ctx, ex.ID, batchID, domain.ChangeEvaluated)
	return nil
}
