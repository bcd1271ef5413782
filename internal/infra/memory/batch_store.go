package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// BatchStore keeps batches, memberships and the evaluation ledger in process memory.
// A single mutex makes every conditional write atomic.
type BatchStore struct {
	mu          sync.RWMutex
	batches     map[string]domain.Batch
	memberships map[string]domain.Membership // exerciseID/userID
	evaluated   map[string]struct{}          // exerciseID/batchID
}

var (
	_ app.BatchStore       = (*BatchStore)(nil)
	_ app.EvaluationLedger = (*BatchStore)(nil)
)

func NewBatchStore() *BatchStore {
	return &BatchStore{
		batches:     make(map[string]domain.Batch),
		memberships: make(map[string]domain.Membership),
		evaluated:   make(map[string]struct{}),
	}
}

func (s *BatchStore) GetBatch(_ context.Context, id string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *BatchStore) ListBatches(_ context.Context, exerciseID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Batch
	for _, b := range s.batches {
		if b.ExerciseID == exerciseID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BatchStore) InsertBatchIfAbsent(_ context.Context, b domain.Batch) (domain.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.batches[b.ID]; ok {
		return cloneBatch(existing), false, nil
	}
	s.batches[b.ID] = cloneBatch(b)
	return b, true, nil
}

func (s *BatchStore) SetStartTimeIfUnset(_ context.Context, batchID string, start time.Time) (domain.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Batch{}, false, domain.ErrBatchNotFound
	}
	if b.StartTime != nil {
		return cloneBatch(b), false, nil
	}
	b.StartTime = &start
	s.batches[batchID] = b
	return cloneBatch(b), true, nil
}

func (s *BatchStore) GetMembership(_ context.Context, exerciseID, userID string) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[key(exerciseID, userID)]
	if !ok {
		return domain.Membership{}, domain.ErrMembershipNotFound
	}
	return m, nil
}

func (s *BatchStore) PutMembershipIfAbsent(_ context.Context, m domain.Membership) (domain.Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.ExerciseID, m.UserID)
	if existing, ok := s.memberships[k]; ok {
		return existing, false, nil
	}
	s.memberships[k] = m
	return m, true, nil
}

func (s *BatchStore) ReplaceMembership(_ context.Context, m domain.Membership, fromBatchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.ExerciseID, m.UserID)
	existing, ok := s.memberships[k]
	if !ok || existing.BatchID != fromBatchID {
		return false, nil
	}
	s.memberships[k] = m
	return true, nil
}

func (s *BatchStore) ClaimEvaluation(_ context.Context, exerciseID, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(exerciseID, batchID)
	if _, done := s.evaluated[k]; done {
		return false, nil
	}
	s.evaluated[k] = struct{}{}
	return true, nil
}

func (s *BatchStore) ReleaseEvaluation(_ context.Context, exerciseID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.evaluated, key(exerciseID, batchID))
	return nil
}

func (s *BatchStore) IsEvaluated(_ context.Context, exerciseID, batchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, done := s.evaluated[key(exerciseID, batchID)]
	return done, nil
}

func key(a, b string) string {
	return a + "/" + b
}

func cloneBatch(b domain.Batch) domain.Batch {
	b.StartTime = cloneTime(b.StartTime)
	return b
}
