package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

// ExerciseStore persists exercises in the quiz_exercises table. Updates are
// conditional on the version column.
type ExerciseStore struct {
	pool *pgxpool.Pool
}

var _ app.ExerciseRepository = (*ExerciseStore)(nil)

func NewExerciseStore(pool *pgxpool.Pool) *ExerciseStore {
	return &ExerciseStore{pool: pool}
}

const exerciseColumns = `id, title, release_date, start_date, due_date, assessment_due_date,
	duration, quiz_mode, grace_period_seconds, open_for_practice, is_exam_exercise, version`

func (s *ExerciseStore) CreateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	ex.Version = 1
	tag, err := s.pool.Exec(ctx, `INSERT INTO quiz_exercises (`+exerciseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		ex.ID, ex.Title, ex.ReleaseDate, ex.StartDate, ex.DueDate, ex.AssessmentDueDate,
		ex.Duration, string(ex.QuizMode), ex.GracePeriodSeconds, ex.OpenForPractice, ex.IsExamExercise, ex.Version)
	if err != nil {
		return domain.QuizExercise{}, fmt.Errorf("insert exercise: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.QuizExercise{}, fmt.Errorf("%w: exercise %s already exists", domain.ErrInvalidExercise, ex.ID)
	}
	return ex, nil
}

func (s *ExerciseStore) GetExercise(ctx context.Context, id string) (domain.QuizExercise, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+exerciseColumns+` FROM quiz_exercises WHERE id=$1`, id)
	ex, err := scanExercise(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuizExercise{}, domain.ErrExerciseNotFound
	}
	if err != nil {
		return domain.QuizExercise{}, fmt.Errorf("load exercise: %w", err)
	}
	return ex, nil
}

func (s *ExerciseStore) ListExercises(ctx context.Context) ([]domain.QuizExercise, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+exerciseColumns+` FROM quiz_exercises ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list exercises: %w", err)
	}
	defer rows.Close()

	var out []domain.QuizExercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exercise: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *ExerciseStore) UpdateExercise(ctx context.Context, ex domain.QuizExercise) (domain.QuizExercise, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE quiz_exercises SET
			title=$2, release_date=$3, start_date=$4, due_date=$5, assessment_due_date=$6,
			duration=$7, quiz_mode=$8, grace_period_seconds=$9, open_for_practice=$10,
			is_exam_exercise=$11, version=version+1
		WHERE id=$1 AND version=$12`,
		ex.ID, ex.Title, ex.ReleaseDate, ex.StartDate, ex.DueDate, ex.AssessmentDueDate,
		ex.Duration, string(ex.QuizMode), ex.GracePeriodSeconds, ex.OpenForPractice, ex.IsExamExercise, ex.Version)
	if err != nil {
		return domain.QuizExercise{}, fmt.Errorf("update exercise: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetExercise(ctx, ex.ID); err != nil {
			return domain.QuizExercise{}, err
		}
		return domain.QuizExercise{}, domain.ErrStaleExercise
	}
	ex.Version++
	return ex, nil
}

func scanExercise(row pgx.Row) (domain.QuizExercise, error) {
	var (
		ex   domain.QuizExercise
		mode string
	)
	err := row.Scan(&ex.ID, &ex.Title, &ex.ReleaseDate, &ex.StartDate, &ex.DueDate, &ex.AssessmentDueDate,
		&ex.Duration, &mode, &ex.GracePeriodSeconds, &ex.OpenForPractice, &ex.IsExamExercise, &ex.Version)
	if err != nil {
		return domain.QuizExercise{}, err
	}
	ex.QuizMode = domain.QuizMode(mode)
	return ex, nil
}
