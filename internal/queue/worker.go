package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/config"
	"github.com/seriusokhatsky/image-optimization/internal/entities"
	"github.com/seriusokhatsky/image-optimization/internal/optimizer"
	"github.com/seriusokhatsky/image-optimization/internal/repository/taskstore"
)

// TaskStore is the slice of the task repository the worker needs.
type TaskStore interface {
	GetByTaskID(ctx context.Context, taskID string) (entities.OptimizationTask, error)
	Claim(ctx context.Context, taskID string, now time.Time) (entities.OptimizationTask, error)
	MarkCompleted(ctx context.Context, taskID string, res entities.OptimizationResult, now time.Time) error
	MarkFailed(ctx context.Context, taskID string, reason string, now time.Time) error
	UpdateWebP(ctx context.Context, taskID string, res entities.WebPResult) error
}

// Storage is the blob side: fetch the original, land the results.
type Storage interface {
	Download(ctx context.Context, key string) ([]byte, string, error)
	Upload(ctx context.Context, key, contentType string, payload []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// streamClient is the slice of the Redis API the worker drives the
// consumer group with.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// errDefinitive marks outcomes a retry cannot change: missing input,
// transformer-reported non-optimized results. The task is already
// marked failed when this is returned.
var errDefinitive = errors.New("definitive failure")

type Worker struct {
	rc      streamClient
	cfg     config.OptimizeWorkerConfig
	tasks   TaskStore
	storage Storage
	orch    *optimizer.Orchestrator
	webp    *optimizer.Generator
	logger  *zap.Logger
}

func Init(ctx context.Context, rc redis.UniversalClient, cfg config.OptimizeWorkerConfig, tasks *taskstore.Store, storage Storage, logger *zap.Logger) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen)
	worker := NewWorker(rc, cfg, tasks, storage, logger)

	go func() {
		if err := worker.Start(ctx); err != nil {
			logger.Error("optimize worker stopped", zap.Error(err))
		}
	}()

	return producer
}

func NewWorker(rc streamClient, cfg config.OptimizeWorkerConfig, tasks TaskStore, storage Storage, logger *zap.Logger) *Worker {
	return &Worker{
		rc:      rc,
		cfg:     cfg,
		tasks:   tasks,
		storage: storage,
		orch:    optimizer.NewOrchestrator(),
		webp:    optimizer.NewGenerator(),
		logger:  logger,
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	w.logger.Info("optimize worker starting",
		zap.String("group", w.cfg.Group),
		zap.String("stream", w.cfg.Stream),
		zap.Int("workers", w.cfg.Workers),
	)

	// Adopt orphaned pending messages
	w.autoClaim(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			err := w.loop(ctx)
			if err != nil {
				w.logger.Error("worker loop stopped", zap.Int("worker", id), zap.Error(err))
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim scans the consumer group for messages that were delivered
// to other consumers but never acknowledged (crashed worker, kill
// before XACK) and takes ownership so they are retried after restart.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	// Require a decent idle time so we don't steal messages still being
	// processed by slow workers.
	minIdle := 30 * time.Second
	if w.cfg.BlockTimeout > 0 {
		t := w.cfg.BlockTimeout * 6 * time.Second
		if t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		// XREADGROUP delivers new messages and tracks them in the
		// group's pending entries list until we XACK in handle().
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	raw, ok := m.Values["payload"].(string)
	if !ok {
		w.logger.Error("malformed stream message: missing payload", zap.String("id", m.ID))
		w.ack(ctx, m.ID)
		return
	}
	var job OptimizeJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error("malformed stream message", zap.String("id", m.ID), zap.Error(err))
		w.ack(ctx, m.ID)
		return
	}
	attempt := toInt(m.Values["attempt"])

	err := w.ProcessTask(ctx, job, attempt)
	if err == nil || errors.Is(err, errDefinitive) {
		w.ack(ctx, m.ID)
		return
	}

	if attempt+1 >= w.cfg.MaxAttempts {
		w.giveUp(ctx, job, err)
		w.ack(ctx, m.ID)
		return
	}

	w.logger.Warn("optimization attempt failed, requeueing",
		zap.String("task_id", job.TaskID),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)

	// Backoff with the message still unacked: a crash here leaves it in
	// the pending entries list for XAutoClaim to redeliver.
	backoff := (w.cfg.BackoffBase << attempt) * time.Second
	if backoff > 0 {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	// Requeue before acknowledging so the retry cannot be lost. If the
	// XAdd fails there is no follow-up message, so the give-up hook
	// must write the terminal state now.
	if qErr := w.requeue(ctx, raw, attempt+1); qErr != nil {
		w.giveUp(ctx, job, fmt.Errorf("requeue failed: %w (after: %v)", qErr, err))
	}
	w.ack(ctx, m.ID)
}

func (w *Worker) requeue(ctx context.Context, raw string, attempt int) error {
	return w.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: w.cfg.Stream,
		MaxLen: w.cfg.MaxLen,
		Values: map[string]any{
			"payload": raw,
			"attempt": attempt,
		},
	}).Err()
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, id).Err(); err != nil {
		w.logger.Warn("ack failed", zap.String("id", id), zap.Error(err))
	}
}

// giveUp is the dead-letter hook: once the retry budget is exhausted
// the task must still end up failed, never stuck in processing.
func (w *Worker) giveUp(ctx context.Context, job OptimizeJob, cause error) {
	w.logger.Error("optimization gave up after max attempts",
		zap.String("task_id", job.TaskID),
		zap.Error(cause),
	)
	sentry.CaptureException(fmt.Errorf("task %s exhausted retries: %w", job.TaskID, cause))

	if err := w.tasks.MarkFailed(ctx, job.TaskID, cause.Error(), time.Now()); err != nil {
		w.logger.Error("failed to mark exhausted task", zap.String("task_id", job.TaskID), zap.Error(err))
	}
}

// ProcessTask drives one task through processing. A nil return means
// the message is done with; a non-definitive error asks for a retry.
func (w *Worker) ProcessTask(ctx context.Context, job OptimizeJob, attempt int) error {
	now := time.Now()

	task, err := w.tasks.Claim(ctx, job.TaskID, now)
	switch {
	case err == nil:
	case errors.Is(err, taskstore.ErrNotFound):
		// Deleted under us (download or reaper); nothing to do.
		return nil
	case errors.Is(err, taskstore.ErrNotClaimable):
		if attempt == 0 {
			// Someone else holds the claim or the task is terminal.
			return nil
		}
		// A retry resumes our own half-finished claim.
		task, err = w.tasks.GetByTaskID(ctx, job.TaskID)
		if err != nil {
			return nil
		}
		if task.Status != entities.StatusProcessing {
			return nil
		}
	default:
		return fmt.Errorf("claim task: %w", err)
	}

	w.logger.Info("processing task",
		zap.String("task_id", task.TaskID),
		zap.Int("attempt", attempt),
	)

	exists, err := w.storage.Exists(ctx, task.OriginalKey)
	if err != nil {
		return fmt.Errorf("stat original: %w", err)
	}
	if !exists {
		// Retrying will not conjure the file back.
		return w.failTask(ctx, task.TaskID, "Original file not found")
	}

	data, _, err := w.storage.Download(ctx, task.OriginalKey)
	if err != nil {
		return fmt.Errorf("download original: %w", err)
	}

	mime := mimetype.Detect(data).String()

	out, err := w.optimizeWithBudget(ctx, data, mime, task.Quality)
	if err != nil {
		return err
	}

	if !out.Optimized {
		return w.failTask(ctx, task.TaskID, out.Reason)
	}

	optimizedKey := task.OptimizedArtifactKey()
	if err := w.storage.Upload(ctx, optimizedKey, mime, out.Data); err != nil {
		return fmt.Errorf("upload optimized: %w", err)
	}

	res := entities.OptimizationResult{
		OptimizedKey:          optimizedKey,
		OptimizedSize:         out.OptimizedSize,
		CompressionRatio:      out.CompressionRatio,
		SizeReduction:         out.SizeReduction,
		Algorithm:             out.Algorithm,
		ProcessingMs:          out.ProcessingMs,
		SizeIncreasePrevented: out.SizeIncreasePrevented,
	}
	if err := w.tasks.MarkCompleted(ctx, task.TaskID, res, time.Now()); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	w.logger.Info("task completed",
		zap.String("task_id", task.TaskID),
		zap.Int64("original_size", out.OriginalSize),
		zap.Int64("optimized_size", out.OptimizedSize),
		zap.Float64("compression_ratio", out.CompressionRatio),
		zap.Bool("size_increase_prevented", out.SizeIncreasePrevented),
	)

	// WebP is a bonus artifact, attached after completion. Whatever
	// happens here the task stays completed.
	if task.GenerateWebP {
		w.generateWebP(ctx, task, out.Data, mime)
	}

	return nil
}

// optimizeWithBudget runs the orchestrator under the task's execution
// budget. A blown budget is a transformation error and retryable.
func (w *Worker) optimizeWithBudget(ctx context.Context, data []byte, mime string, quality int) (optimizer.Outcome, error) {
	budget := w.cfg.TaskTimeout * time.Second
	if budget <= 0 {
		budget = 5 * time.Minute
	}

	octx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan optimizer.Outcome, 1)
	go func() {
		done <- w.orch.Optimize(octx, data, mime, quality)
	}()

	select {
	case out := <-done:
		return out, nil
	case <-octx.Done():
		return optimizer.Outcome{}, fmt.Errorf("optimization timed out after %v", budget)
	}
}

func (w *Worker) generateWebP(ctx context.Context, task entities.OptimizationTask, optimized []byte, mime string) {
	if !w.webp.CanConvert(mime) {
		w.logger.Info("webp conversion not supported for type",
			zap.String("task_id", task.TaskID),
			zap.String("mime", mime),
		)
		return
	}

	out := w.webp.Convert(optimized, mime, task.Quality)
	if !out.Success {
		w.logger.Warn("webp generation failed",
			zap.String("task_id", task.TaskID),
			zap.String("reason", out.Reason),
		)
		return
	}

	webpKey := task.WebPArtifactKey()
	if err := w.storage.Upload(ctx, webpKey, "image/webp", out.Data); err != nil {
		w.logger.Warn("webp upload failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}

	if out.SizeIncreaseWarning {
		w.logger.Warn("webp larger than source, serving anyway",
			zap.String("task_id", task.TaskID),
			zap.Int64("webp_size", out.WebPSize),
			zap.Int64("source_size", out.SourceSize),
		)
	}

	res := entities.WebPResult{
		WebPKey:          webpKey,
		WebPSize:         out.WebPSize,
		CompressionRatio: out.CompressionRatio,
		SizeReduction:    out.SizeReduction,
		ProcessingMs:     out.ProcessingMs,
		Generated:        true,
	}
	if err := w.tasks.UpdateWebP(ctx, task.TaskID, res); err != nil {
		w.logger.Warn("webp attach failed", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func (w *Worker) failTask(ctx context.Context, taskID, reason string) error {
	if err := w.tasks.MarkFailed(ctx, taskID, reason, time.Now()); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	w.logger.Info("task failed", zap.String("task_id", taskID), zap.String("reason", reason))
	return errDefinitive
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
