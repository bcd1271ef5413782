package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// ExerciseStore is an in-memory implementation of app.ExerciseRepository.
type ExerciseStore struct {
	mu        sync.RWMutex
	exercises map[string]domain.QuizExercise
}

var _ app.ExerciseRepository = (*ExerciseStore)(nil)

func NewExerciseStore() *ExerciseStore {
	return &ExerciseStore{
		exercises: make(map[string]domain.QuizExercise),
	}
}

func (s *ExerciseStore) CreateExercise(_ context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exercises[ex.ID]; ok {
		return domain.QuizExercise{}, domain.ErrInvalidExercise
	}
	ex.Version = 1
	s.exercises[ex.ID] = cloneExercise(ex)
	return ex, nil
}

func (s *ExerciseStore) GetExercise(_ context.Context, id string) (domain.QuizExercise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.exercises[id]
	if !ok {
		return domain.QuizExercise{}, domain.ErrExerciseNotFound
	}
	return cloneExercise(ex), nil
}

func (s *ExerciseStore) ListExercises(_ context.Context) ([]domain.QuizExercise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QuizExercise, 0, len(s.exercises))
	for _, ex := range s.exercises {
		out = append(out, cloneExercise(ex))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *ExerciseStore) UpdateExercise(_ context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.exercises[ex.ID]
	if !ok {
		return domain.QuizExercise{}, domain.ErrExerciseNotFound
	}
	if current.Version != ex.Version {
		return domain.QuizExercise{}, domain.ErrStaleExercise
	}
	ex.Version++
	s.exercises[ex.ID] = cloneExercise(ex)
	return ex, nil
}

// cloneExercise detaches the date pointers so callers never share state with the store.
func cloneExercise(ex domain.QuizExercise) domain.QuizExercise {
	ex.ReleaseDate = cloneTime(ex.ReleaseDate)
	ex.StartDate = cloneTime(ex.StartDate)
	ex.DueDate = cloneTime(ex.DueDate)
	ex.AssessmentDueDate = cloneTime(ex.AssessmentDueDate)
	return ex
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
