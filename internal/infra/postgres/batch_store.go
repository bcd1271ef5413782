package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

type batchRow struct {
	bun.BaseModel `bun:"table:quiz_batches,alias:b"`

	ID         string     `bun:"id,pk"`
	ExerciseID string     `bun:"exercise_id,notnull"`
	CreatorID  string     `bun:"creator_id,notnull"`
	Password   string     `bun:"password,notnull"`
	StartTime  *time.Time `bun:"start_time"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
}

type membershipRow struct {
	bun.BaseModel `bun:"table:quiz_batch_memberships,alias:m"`

	ExerciseID string    `bun:"exercise_id,pk"`
	UserID     string    `bun:"user_id,pk"`
	BatchID    string    `bun:"batch_id,notnull"`
	JoinedAt   time.Time `bun:"joined_at,notnull"`
}

type evaluationRow struct {
	bun.BaseModel `bun:"table:quiz_evaluations,alias:e"`

	ExerciseID  string    `bun:"exercise_id,pk"`
	BatchID     string    `bun:"batch_id,pk"`
	EvaluatedAt time.Time `bun:"evaluated_at,notnull"`
}

// BatchStore persists batches, memberships and the evaluation ledger with bun.
// Conditional writes rely on ON CONFLICT DO NOTHING and guarded UPDATEs.
type BatchStore struct {
	db  *bun.DB
	now func() time.Time
}

var (
	_ app.BatchStore       = (*BatchStore)(nil)
	_ app.EvaluationLedger = (*BatchStore)(nil)
)

func NewBatchStore(db *bun.DB) *BatchStore {
	return &BatchStore{db: db, now: time.Now}
}

func (s *BatchStore) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var row batchRow
	err := s.db.NewSelect().Model(&row).Where("b.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("load batch: %w", err)
	}
	return row.toDomain(), nil
}

func (s *BatchStore) ListBatches(ctx context.Context, exerciseID string) ([]domain.Batch, error) {
	var rows []batchRow
	err := s.db.NewSelect().Model(&rows).
		Where("b.exercise_id = ?", exerciseID).
		OrderExpr("b.created_at ASC, b.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]domain.Batch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *BatchStore) InsertBatchIfAbsent(ctx context.Context, b domain.Batch) (domain.Batch, bool, error) {
	row := batchRow{
		ID:         b.ID,
		ExerciseID: b.ExerciseID,
		CreatorID:  b.CreatorID,
		Password:   b.Password,
		StartTime:  b.StartTime,
		CreatedAt:  b.CreatedAt,
	}
	res, err := s.db.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("insert batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return b, true, nil
	}
	existing, err := s.GetBatch(ctx, b.ID)
	return existing, false, err
}

func (s *BatchStore) SetStartTimeIfUnset(ctx context.Context, batchID string, start time.Time) (domain.Batch, bool, error) {
	res, err := s.db.NewUpdate().Model((*batchRow)(nil)).
		Set("start_time = ?", start).
		Where("id = ?", batchID).
		Where("start_time IS NULL").
		Exec(ctx)
	if err != nil {
		return domain.Batch{}, false, fmt.Errorf("start batch: %w", err)
	}
	n, _ := res.RowsAffected()
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, false, err
	}
	return b, n == 1, nil
}

func (s *BatchStore) GetMembership(ctx context.Context, exerciseID, userID string) (domain.Membership, error) {
	var row membershipRow
	err := s.db.NewSelect().Model(&row).
		Where("m.exercise_id = ?", exerciseID).
		Where("m.user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Membership{}, domain.ErrMembershipNotFound
	}
	if err != nil {
		return domain.Membership{}, fmt.Errorf("load membership: %w", err)
	}
	return row.toDomain(), nil
}

func (s *BatchStore) PutMembershipIfAbsent(ctx context.Context, m domain.Membership) (domain.Membership, bool, error) {
	row := membershipRow{ExerciseID: m.ExerciseID, UserID: m.UserID, BatchID: m.BatchID, JoinedAt: m.JoinedAt}
	res, err := s.db.NewInsert().Model(&row).On("CONFLICT (exercise_id, user_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return domain.Membership{}, false, fmt.Errorf("insert membership: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return m, true, nil
	}
	existing, err := s.GetMembership(ctx, m.ExerciseID, m.UserID)
	return existing, false, err
}

func (s *BatchStore) ReplaceMembership(ctx context.Context, m domain.Membership, fromBatchID string) (bool, error) {
	res, err := s.db.NewUpdate().Model((*membershipRow)(nil)).
		Set("batch_id = ?", m.BatchID).
		Set("joined_at = ?", m.JoinedAt).
		Where("exercise_id = ?", m.ExerciseID).
		Where("user_id = ?", m.UserID).
		Where("batch_id = ?", fromBatchID).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("replace membership: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *BatchStore) ClaimEvaluation(ctx context.Context, exerciseID, batchID string) (bool, error) {
	row := evaluationRow{ExerciseID: exerciseID, BatchID: batchID, EvaluatedAt: s.now().UTC()}
	res, err := s.db.NewInsert().Model(&row).On("CONFLICT (exercise_id, batch_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim evaluation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *BatchStore) ReleaseEvaluation(ctx context.Context, exerciseID, batchID string) error {
	_, err := s.db.NewDelete().Model((*evaluationRow)(nil)).
		Where("exercise_id = ?", exerciseID).
		Where("batch_id = ?", batchID).
		Exec(ctx)
	return err
}

func (s *BatchStore) IsEvaluated(ctx context.Context, exerciseID, batchID string) (bool, error) {
	return s.db.NewSelect().Model((*evaluationRow)(nil)).
		Where("e.exercise_id = ?", exerciseID).
		Where("e.batch_id = ?", batchID).
		Exists(ctx)
}

func (r batchRow) toDomain() domain.Batch {
	b := domain.Batch{
		ID:         r.ID,
		ExerciseID: r.ExerciseID,
		CreatorID:  r.CreatorID,
		Password:   r.Password,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.StartTime != nil {
		start := r.StartTime.UTC()
		b.StartTime = &start
	}
	return b
}

func (r membershipRow) toDomain() domain.Membership {
	return domain.Membership{
		ExerciseID: r.ExerciseID,
		UserID:     r.UserID,
		BatchID:    r.BatchID,
		JoinedAt:   r.JoinedAt.UTC(),
	}
}
