package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrNotClaimable means the task exists but is not pending anymore,
	// i.e. another worker already owns it or it reached a terminal state.
	ErrNotClaimable = errors.New("task is not claimable")
)

const taskColumns = `task_id, status, original_filename, original_key, original_size,
	quality, generate_webp,
	optimized_key, optimized_size, compression_ratio, size_reduction, algorithm,
	processing_ms, size_increase_prevented,
	webp_key, webp_size, webp_compression_ratio, webp_size_reduction, webp_processing_ms, webp_generated,
	error_message, created_at, started_at, completed_at, expires_at`

type Store struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Store{dbpool: pool}, nil
}

func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{dbpool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.dbpool
}

func (s *Store) Create(ctx context.Context, task *entities.OptimizationTask) error {
	query := `
		INSERT INTO optimization_tasks
			(task_id, status, original_filename, original_key, original_size,
			 quality, generate_webp, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := s.dbpool.QueryRow(ctx, query,
		task.TaskID,
		task.Status,
		task.OriginalFilename,
		task.OriginalKey,
		task.OriginalSize,
		task.Quality,
		task.GenerateWebP,
		task.CreatedAt,
		task.ExpiresAt,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

func (s *Store) GetByTaskID(ctx context.Context, taskID string) (entities.OptimizationTask, error) {
	query := `SELECT id, ` + taskColumns + ` FROM optimization_tasks WHERE task_id = $1`

	task, err := s.scanTask(s.dbpool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entities.OptimizationTask{}, ErrNotFound
		}
		return entities.OptimizationTask{}, err
	}

	return task, nil
}

// Claim transitions a pending task to processing. The conditional
// UPDATE makes the claim exclusive: exactly one caller gets the row
// back, everyone else sees ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, taskID string, now time.Time) (entities.OptimizationTask, error) {
	query := `
		UPDATE optimization_tasks
		SET status = $1, started_at = $2
		WHERE task_id = $3 AND status = $4
		RETURNING id, ` + taskColumns

	task, err := s.scanTask(s.dbpool.QueryRow(ctx, query,
		entities.StatusProcessing, now, taskID, entities.StatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetByTaskID(ctx, taskID); getErr != nil {
				return entities.OptimizationTask{}, getErr
			}
			return entities.OptimizationTask{}, ErrNotClaimable
		}
		return entities.OptimizationTask{}, err
	}

	return task, nil
}

func (s *Store) MarkCompleted(ctx context.Context, taskID string, res entities.OptimizationResult, now time.Time) error {
	query := `
		UPDATE optimization_tasks
		SET status = $1, optimized_key = $2, optimized_size = $3,
			compression_ratio = $4, size_reduction = $5, algorithm = $6,
			processing_ms = $7, size_increase_prevented = $8, completed_at = $9
		WHERE task_id = $10 AND status = $11
	`

	tag, err := s.dbpool.Exec(ctx, query,
		entities.StatusCompleted,
		res.OptimizedKey,
		res.OptimizedSize,
		res.CompressionRatio,
		res.SizeReduction,
		res.Algorithm,
		res.ProcessingMs,
		res.SizeIncreasePrevented,
		now,
		taskID,
		entities.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkFailed writes the terminal failure. A task already in a terminal
// state is left untouched so a late give-up hook cannot regress a
// completed task.
func (s *Store) MarkFailed(ctx context.Context, taskID string, reason string, now time.Time) error {
	query := `
		UPDATE optimization_tasks
		SET status = $1, error_message = $2, completed_at = $3
		WHERE task_id = $4 AND status IN ($5, $6)
	`

	_, err := s.dbpool.Exec(ctx, query,
		entities.StatusFailed,
		reason,
		now,
		taskID,
		entities.StatusPending,
		entities.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	return nil
}

// UpdateWebP attaches WebP artifact data without a status transition.
func (s *Store) UpdateWebP(ctx context.Context, taskID string, res entities.WebPResult) error {
	query := `
		UPDATE optimization_tasks
		SET webp_key = $1, webp_size = $2, webp_compression_ratio = $3,
			webp_size_reduction = $4, webp_processing_ms = $5, webp_generated = $6
		WHERE task_id = $7 AND status = $8
	`

	tag, err := s.dbpool.Exec(ctx, query,
		res.WebPKey,
		res.WebPSize,
		res.CompressionRatio,
		res.SizeReduction,
		res.ProcessingMs,
		res.Generated,
		taskID,
		entities.StatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("update webp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	_, err := s.dbpool.Exec(ctx, `DELETE FROM optimization_tasks WHERE task_id = $1`, taskID)
	return err
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]entities.OptimizationTask, error) {
	query := `SELECT id, ` + taskColumns + ` FROM optimization_tasks WHERE expires_at < $1`

	rows, err := s.dbpool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []entities.OptimizationTask
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

func (s *Store) scanTask(row pgx.Row) (entities.OptimizationTask, error) {
	var t entities.OptimizationTask
	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.Status,
		&t.OriginalFilename,
		&t.OriginalKey,
		&t.OriginalSize,
		&t.Quality,
		&t.GenerateWebP,
		&t.OptimizedKey,
		&t.OptimizedSize,
		&t.CompressionRatio,
		&t.SizeReduction,
		&t.Algorithm,
		&t.ProcessingMs,
		&t.SizeIncreasePrevented,
		&t.WebPKey,
		&t.WebPSize,
		&t.WebPCompressionRatio,
		&t.WebPSizeReduction,
		&t.WebPProcessingMs,
		&t.WebPGenerated,
		&t.ErrorMessage,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.ExpiresAt,
	)
	return t, err
}
