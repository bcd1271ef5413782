package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// ExerciseStore keeps exercises as JSON documents:
//
//	SET  quiz:exercise:{id}  {json}
//	SADD quiz:exercises      {id}
//
// Updates run under WATCH so a concurrent writer aborts the transaction.
type ExerciseStore struct {
	client *redis.Client
}

var _ app.ExerciseRepository = (*ExerciseStore)(nil)

func NewExerciseStore(client *redis.Client) *ExerciseStore {
	return &ExerciseStore{client: client}
}

func (s *ExerciseStore) CreateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	ex.Version = 1
	payload, err := json.Marshal(ex)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	ok, err := s.client.SetNX(ctx, exerciseKey(ex.ID), payload, 0).Result()
	if err != nil {
		return domain.QuizExercise{}, err
	}
	if !ok {
		return domain.QuizExercise{}, fmt.Errorf("%w: exercise %s already exists", domain.ErrInvalidExercise, ex.ID)
	}
	if err := s.client.SAdd(ctx, exercisesKey, ex.ID).Err(); err != nil {
		return domain.QuizExercise{}, err
	}
	return ex, nil
}

func (s *ExerciseStore) GetExercise(ctx context.Context, id string) (domain.QuizExercise, error) {
	return getExercise(ctx, s.client, id)
}

func getExercise(ctx context.Context, c redis.Cmdable, id string) (domain.QuizExercise, error) {
	raw, err := c.Get(ctx, exerciseKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.QuizExercise{}, domain.ErrExerciseNotFound
	}
	if err != nil {
		return domain.QuizExercise{}, err
	}
	var ex domain.QuizExercise
	if err := json.Unmarshal(raw, &ex); err != nil {
		return domain.QuizExercise{}, fmt.Errorf("decode exercise %s: %w", id, err)
	}
	return ex, nil
}

func (s *ExerciseStore) ListExercises(ctx context.Context) ([]domain.QuizExercise, error) {
	ids, err := s.client.SMembers(ctx, exercisesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]domain.QuizExercise, 0, len(ids))
	for _, id := range ids {
		ex, err := s.GetExercise(ctx, id)
		if errors.Is(err, domain.ErrExerciseNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (s *ExerciseStore) UpdateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	key := exerciseKey(ex.ID)
	var updated domain.QuizExercise
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := getExercise(ctx, tx, ex.ID)
		if err != nil {
			return err
		}
		if current.Version != ex.Version {
			return domain.ErrStaleExercise
		}
		updated = ex
		updated.Version++
		payload, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.QuizExercise{}, domain.ErrStaleExercise
	}
	if err != nil {
		return domain.QuizExercise{}, err
	}
	return updated, nil
}

const exercisesKey = "quiz:exercises"

func exerciseKey(id string) string {
	return "quiz:exercise:" + id
}
