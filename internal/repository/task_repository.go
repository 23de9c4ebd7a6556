package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"nodeimage/internal/models"
)

var (
	ErrTaskNotFound = errors.New("moderation task not found")
	// ErrTaskExists means the subject already has a pending, processing or
	// failed task.
	ErrTaskExists = errors.New("moderation task already exists for subject")
	// ErrInvalidTransition means the task was not in the required source status.
	ErrInvalidTransition = errors.New("invalid moderation task transition")
)

// InterruptedReason is stored on tasks found stuck in processing at startup.
const InterruptedReason = "interrupted before completion"

// TaskFilter narrows List. A zero Limit means the default page size.
type TaskFilter struct {
	Status models.TaskStatus
	Limit  int
	Offset int
}

const defaultTaskPage = 50

func (f TaskFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultTaskPage
	}
	return f.Limit
}

type TaskRepository struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

const taskColumns = `id, subject_id, subject_ref, artifact_name, client_key, status,
	retry_count, result, last_error, created_at, updated_at`

func (r *TaskRepository) Create(ctx context.Context, task models.ModerationTask) error {
	const query = `
		INSERT INTO moderation_tasks (
			id, subject_id, subject_ref, artifact_name, client_key, status,
			retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		task.ID,
		task.SubjectID,
		task.SubjectRef,
		task.ArtifactName,
		task.ClientKey,
		task.Status,
		task.RetryCount,
		task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTaskExists
		}
		return fmt.Errorf("insert moderation task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (models.ModerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM moderation_tasks WHERE id = $1`
	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ModerationTask{}, ErrTaskNotFound
		}
		return models.ModerationTask{}, err
	}
	return task, nil
}

func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]models.ModerationTask, error) {
	builder := r.psql.
		Select(taskColumns).
		From("moderation_tasks").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(filter.limit()))
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.ModerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) NextEligible(ctx context.Context) (models.ModerationTask, bool, error) {
	query := `SELECT ` + taskColumns + `
		FROM moderation_tasks
		WHERE status IN ('pending', 'failed')
		ORDER BY created_at ASC, id ASC
		LIMIT 1`
	task, err := scanTask(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ModerationTask{}, false, nil
		}
		return models.ModerationTask{}, false, err
	}
	return task, true, nil
}

func (r *TaskRepository) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE moderation_tasks
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'failed')
	`
	return r.transition(ctx, query, id, at)
}

func (r *TaskRepository) MarkCompleted(ctx context.Context, id string, result models.TaskResult, at time.Time) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	const query = `
		UPDATE moderation_tasks
		SET status = 'completed', result = $3, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	return r.transition(ctx, query, id, at, payload)
}

func (r *TaskRepository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) (models.ModerationTask, error) {
	query := `
		UPDATE moderation_tasks
		SET status = 'failed', retry_count = retry_count + 1, last_error = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + taskColumns
	task, err := scanTask(r.pool.QueryRow(ctx, query, id, at, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ModerationTask{}, ErrInvalidTransition
		}
		return models.ModerationTask{}, err
	}
	return task, nil
}

func (r *TaskRepository) MarkError(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE moderation_tasks
		SET status = 'error', updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`
	return r.transition(ctx, query, id, at)
}

// ResetFailed skips error tasks whose subject already has a live task. Of
// several error tasks for one subject only the newest is revived.
func (r *TaskRepository) ResetFailed(ctx context.Context, at time.Time) (int, error) {
	const query = `
		WITH revivable AS (
			SELECT DISTINCT ON (e.subject_id) e.id
			FROM moderation_tasks AS e
			WHERE e.status = 'error'
			  AND NOT EXISTS (
				SELECT 1 FROM moderation_tasks AS live
				WHERE live.subject_id = e.subject_id
				  AND live.status IN ('pending', 'processing', 'failed')
			  )
			ORDER BY e.subject_id, e.created_at DESC, e.id DESC
		)
		UPDATE moderation_tasks AS t
		SET status = 'pending', retry_count = 0, updated_at = $1
		WHERE t.status = 'failed'
		   OR t.id IN (SELECT id FROM revivable)
	`
	tag, err := r.pool.Exec(ctx, query, at)
	if err != nil {
		return 0, fmt.Errorf("reset failed tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverProcessing fails every task left in processing, counting the lost
// attempt as a retry.
func (r *TaskRepository) RecoverProcessing(ctx context.Context, at time.Time) (int, error) {
	const query = `
		UPDATE moderation_tasks
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2, updated_at = $1
		WHERE status = 'processing'
	`
	tag, err := r.pool.Exec(ctx, query, at, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("recover processing tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	const query = `SELECT status, COUNT(*) FROM moderation_tasks GROUP BY status`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int, len(models.AllTaskStatuses))
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *TaskRepository) transition(ctx context.Context, query, id string, at time.Time, extra ...any) error {
	args := append([]any{id, at}, extra...)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func scanTask(row pgx.Row) (models.ModerationTask, error) {
	var (
		task   models.ModerationTask
		result []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.SubjectID,
		&task.SubjectRef,
		&task.ArtifactName,
		&task.ClientKey,
		&task.Status,
		&task.RetryCount,
		&result,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return models.ModerationTask{}, err
	}
	if len(result) > 0 {
		var decoded models.TaskResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return models.ModerationTask{}, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &decoded
	}
	return task, nil
}
