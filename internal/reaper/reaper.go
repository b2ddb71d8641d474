package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
)

// TaskStore is the slice of the task repository the reaper needs.
type TaskStore interface {
	ListExpired(ctx context.Context, now time.Time) ([]entities.OptimizationTask, error)
	Delete(ctx context.Context, taskID string) error
}

// Storage deletes artifacts; missing keys must be tolerated.
type Storage interface {
	Delete(ctx context.Context, key string) error
}

// Reaper periodically removes tasks past their retention deadline along
// with their backing artifacts.
type Reaper struct {
	tasks    TaskStore
	storage  Storage
	interval time.Duration
	logger   *zap.Logger
}

func New(tasks TaskStore, storage Storage, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		tasks:    tasks,
		storage:  storage,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on a fixed schedule until the context ends.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", zap.Duration("interval", r.interval))

	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped", zap.Error(ctx.Err()))
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes every expired task once. Re-running against already
// cleaned tasks is a no-op: artifact deletes tolerate missing keys and
// deleted rows simply no longer show up.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.tasks.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, task := range expired {
		if !r.cleanTask(ctx, task) {
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		r.logger.Info("cleaned up expired tasks", zap.Int("count", cleaned))
	}

	return cleaned, nil
}

func (r *Reaper) cleanTask(ctx context.Context, task entities.OptimizationTask) bool {
	keys := []string{task.OriginalKey}
	if task.OptimizedKey != "" {
		keys = append(keys, task.OptimizedKey)
	}
	if task.WebPKey != "" {
		keys = append(keys, task.WebPKey)
	}

	for _, key := range keys {
		if err := r.storage.Delete(ctx, key); err != nil {
			// Keep the record so the next sweep retries the artifacts.
			r.logger.Warn("artifact delete failed",
				zap.String("task_id", task.TaskID),
				zap.String("key", key),
				zap.Error(err),
			)
			return false
		}
	}

	if err := r.tasks.Delete(ctx, task.TaskID); err != nil {
		r.logger.Warn("task delete failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return false
	}

	return true
}
