package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
	"github.com/seriusokhatsky/image-optimization/internal/optimizer"
	"github.com/seriusokhatsky/image-optimization/internal/quota"
	"github.com/seriusokhatsky/image-optimization/internal/queue"
)

var (
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrTaskExpired      = errors.New("task has expired")
	ErrTaskNotCompleted = errors.New("task is not completed")
	ErrWebPNotAvailable = errors.New("webp artifact not available")
)

var allowedMIMEs = map[string]struct{}{
	optimizer.MimePNG:  {},
	optimizer.MimeJPEG: {},
	optimizer.MimeWebP: {},
	optimizer.MimeGIF:  {},
}

// TaskStore is the slice of the task repository the submission and
// download paths need.
type TaskStore interface {
	Create(ctx context.Context, task *entities.OptimizationTask) error
	GetByTaskID(ctx context.Context, taskID string) (entities.OptimizationTask, error)
	Delete(ctx context.Context, taskID string) error
}

type Storage interface {
	UploadWithHook(ctx context.Context, key string, contentType string, payload []byte, onSuccess func()) error
	Download(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
}

type Ledger interface {
	ResolveOrFetch(ctx context.Context, token string) (entities.QuotaRecord, error)
	Admit(rec entities.QuotaRecord, sizeKB int64) error
	Consume(ctx context.Context, token string, sizeKB int64) error
	Refresh(ctx context.Context, token string) (entities.QuotaRecord, error)
	Reset(ctx context.Context, token string) (entities.QuotaRecord, error)
	Current(ctx context.Context, token string) (entities.QuotaRecord, error)
}

type Producer interface {
	EnqueueOptimize(ctx context.Context, job queue.OptimizeJob) error
}

type SubmitParams struct {
	Filename     string
	Quality      int
	GenerateWebP bool
	Token        string
}

type useCase struct {
	tasks     TaskStore
	storage   Storage
	ledger    Ledger
	wqueue    Producer
	retention time.Duration
	logger    *zap.Logger
}

func New(tasks TaskStore, storage Storage, ledger Ledger, wqueue Producer, retention time.Duration, logger *zap.Logger) *useCase {
	return &useCase{
		tasks:     tasks,
		storage:   storage,
		ledger:    ledger,
		wqueue:    wqueue,
		retention: retention,
		logger:    logger,
	}
}

// Submit runs the admission pipeline and hands the task to the queue.
// The response goes out immediately; processing happens in the worker.
func (c *useCase) Submit(ctx context.Context, data []byte, params SubmitParams) (entities.OptimizationTask, error) {
	mime := mimetype.Detect(data).String()
	if _, ok := allowedMIMEs[mime]; !ok {
		return entities.OptimizationTask{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}

	rec, err := c.ledger.ResolveOrFetch(ctx, params.Token)
	if err != nil {
		return entities.OptimizationTask{}, err
	}

	sizeKB := entities.SizeToKB(int64(len(data)))
	if err := c.ledger.Admit(rec, sizeKB); err != nil {
		return entities.OptimizationTask{}, err
	}

	// Book the quota before anything durable exists. A losing race
	// surfaces here as ErrQuotaExceeded and aborts the submission.
	if err := c.ledger.Consume(ctx, params.Token, sizeKB); err != nil {
		return entities.OptimizationTask{}, err
	}

	task := entities.NewTask(params.Filename, int64(len(data)), params.Quality, params.GenerateWebP, c.retention, time.Now())
	if err := c.tasks.Create(ctx, &task); err != nil {
		return entities.OptimizationTask{}, fmt.Errorf("create task: %w", err)
	}

	// The response goes out before the pooled upload runs, and net/http
	// cancels the request context at that point. The upload must outlive
	// the request or the enqueue hook never fires and the task is stuck
	// pending.
	uploadCtx := context.WithoutCancel(ctx)

	taskID := task.TaskID
	err = c.storage.UploadWithHook(uploadCtx, task.OriginalKey, mime, data, func() {
		if qErr := c.wqueue.EnqueueOptimize(context.Background(), queue.OptimizeJob{TaskID: taskID}); qErr != nil {
			c.logger.Error("enqueue failed", zap.String("task_id", taskID), zap.Error(qErr))
		}
	})
	if err != nil {
		// The task row must not dangle without its original artifact.
		_ = c.tasks.Delete(ctx, task.TaskID)
		return entities.OptimizationTask{}, fmt.Errorf("store original: %w", err)
	}

	c.logger.Info("task submitted",
		zap.String("task_id", task.TaskID),
		zap.Int64("original_size", task.OriginalSize),
		zap.Int("quality", task.Quality),
		zap.Bool("generate_webp", task.GenerateWebP),
	)

	return task, nil
}

// Status returns the task; an expired task is reported distinctly from
// an unknown one.
func (c *useCase) Status(ctx context.Context, taskID string) (entities.OptimizationTask, error) {
	task, err := c.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return entities.OptimizationTask{}, err
	}
	if task.IsExpired(time.Now()) {
		return task, ErrTaskExpired
	}
	return task, nil
}

// Download fetches the optimized artifact for a completed task. The
// caller must invoke CleanupAfterDownload once the bytes reached the
// client: the primary download is a one-shot destructive read.
func (c *useCase) Download(ctx context.Context, taskID string) (entities.OptimizationTask, []byte, error) {
	task, err := c.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return entities.OptimizationTask{}, nil, err
	}
	if task.IsExpired(time.Now()) {
		return task, nil, ErrTaskExpired
	}
	if task.Status != entities.StatusCompleted {
		return task, nil, ErrTaskNotCompleted
	}

	data, _, err := c.storage.Download(ctx, task.OptimizedKey)
	if err != nil {
		return task, nil, fmt.Errorf("fetch optimized artifact: %w", err)
	}

	return task, data, nil
}

// CleanupAfterDownload deletes the artifacts and the record after a
// successful primary transfer. Best-effort on the blobs: the reaper
// picks up leftovers.
func (c *useCase) CleanupAfterDownload(ctx context.Context, task entities.OptimizationTask) {
	for _, key := range []string{task.OriginalKey, task.OptimizedKey, task.WebPKey} {
		if key == "" {
			continue
		}
		if err := c.storage.Delete(ctx, key); err != nil {
			c.logger.Warn("post-download artifact delete failed",
				zap.String("task_id", task.TaskID),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if err := c.tasks.Delete(ctx, task.TaskID); err != nil {
		c.logger.Warn("post-download task delete failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}

	c.logger.Info("task downloaded and removed", zap.String("task_id", task.TaskID))
}

// DownloadWebP fetches the WebP companion. Unlike the primary download
// it is repeatable and deletes nothing.
func (c *useCase) DownloadWebP(ctx context.Context, taskID string) (entities.OptimizationTask, []byte, error) {
	task, err := c.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return entities.OptimizationTask{}, nil, err
	}
	if task.IsExpired(time.Now()) {
		return task, nil, ErrTaskExpired
	}
	if task.Status != entities.StatusCompleted {
		return task, nil, ErrTaskNotCompleted
	}
	if !task.WebPGenerated || task.WebPKey == "" {
		return task, nil, ErrWebPNotAvailable
	}

	data, _, err := c.storage.Download(ctx, task.WebPKey)
	if err != nil {
		return task, nil, fmt.Errorf("fetch webp artifact: %w", err)
	}

	return task, data, nil
}

// Quota returns the cached ledger state for a token, creating it from
// the source on first touch.
func (c *useCase) Quota(ctx context.Context, token string) (entities.QuotaRecord, error) {
	rec, err := c.ledger.Current(ctx, token)
	if errors.Is(err, quota.ErrNotFound) {
		return c.ledger.ResolveOrFetch(ctx, token)
	}
	return rec, err
}

func (c *useCase) RefreshQuota(ctx context.Context, token string) (entities.QuotaRecord, error) {
	return c.ledger.Refresh(ctx, token)
}

func (c *useCase) ResetUsage(ctx context.Context, token string) (entities.QuotaRecord, error) {
	return c.ledger.Reset(ctx, token)
}
