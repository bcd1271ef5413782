package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// ExerciseCache caches exercises with TTL in front of a slower repository.
// Writes go through and refresh the entry; a stale-version rejection evicts it so
// the next optimistic retry reads the current row.
type ExerciseCache struct {
	inner app.ExerciseRepository
	ttl   time.Duration
	clock func() time.Time
	sf    singleflight.Group
	rnd   *rand.Rand
	rndMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedExercise
}

type cachedExercise struct {
	exercise  domain.QuizExercise
	expiresAt time.Time
}

var (
	_ app.ExerciseRepository  = (*ExerciseCache)(nil)
	_ app.FreshExerciseReader = (*ExerciseCache)(nil)
)

func NewExerciseCache(inner app.ExerciseRepository, ttl time.Duration) *ExerciseCache {
	return &ExerciseCache{
		inner: inner,
		ttl:   ttl,
		clock: time.Now,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		cache: make(map[string]cachedExercise),
	}
}

func (c *ExerciseCache) GetExercise(ctx context.Context, id string) (domain.QuizExercise, error) {
	if ex, ok := c.lookup(id); ok {
		return ex, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		if ex, ok := c.lookup(id); ok {
			return ex, nil
		}
		ex, err := c.inner.GetExercise(ctx, id)
		if err != nil {
			return domain.QuizExercise{}, err
		}
		c.store(ex)
		return ex, nil
	})
	if err != nil {
		return domain.QuizExercise{}, err
	}
	return result.(domain.QuizExercise), nil
}

// GetExerciseFresh reads the repository and replaces the cached entry.
func (c *ExerciseCache) GetExerciseFresh(ctx context.Context, id string) (domain.QuizExercise, error) {
	ex, err := c.inner.GetExercise(ctx, id)
	if errors.Is(err, domain.ErrExerciseNotFound) {
		c.evict(id)
	}
	if err != nil {
		return domain.QuizExercise{}, err
	}
	c.store(ex)
	return ex, nil
}

func (c *ExerciseCache) CreateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	created, err := c.inner.CreateExercise(ctx, ex)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	c.store(created)
	return created, nil
}

// ListExercises always reads through; it backs reconciliation, which must see the truth.
func (c *ExerciseCache) ListExercises(ctx context.Context) ([]domain.QuizExercise, error) {
	return c.inner.ListExercises(ctx)
}

func (c *ExerciseCache) UpdateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	updated, err := c.inner.UpdateExercise(ctx, ex)
	if err != nil {
		if errors.Is(err, domain.ErrStaleExercise) || errors.Is(err, domain.ErrExerciseNotFound) {
			c.evict(ex.ID)
		}
		return domain.QuizExercise{}, err
	}
	c.store(updated)
	return updated, nil
}

func (c *ExerciseCache) lookup(id string) (domain.QuizExercise, bool) {
	now := c.clock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.cache[id]; ok && entry.expiresAt.After(now) {
		return entry.exercise, true
	}
	return domain.QuizExercise{}, false
}

func (c *ExerciseCache) store(ex domain.QuizExercise) {
	expires := c.clock().Add(c.ttlWithJitter())
	c.mu.Lock()
	c.cache[ex.ID] = cachedExercise{exercise: ex, expiresAt: expires}
	c.mu.Unlock()
}

func (c *ExerciseCache) evict(id string) {
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}

func (c *ExerciseCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
