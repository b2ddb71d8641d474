package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/seriusokhatsky/image-optimization/internal/config"
	"github.com/seriusokhatsky/image-optimization/internal/entities"
	"github.com/seriusokhatsky/image-optimization/internal/optimizer"
	"github.com/seriusokhatsky/image-optimization/internal/repository/taskstore"
)

type fakeTaskStore struct {
	tasks map[string]*entities.OptimizationTask
}

func newFakeTaskStore(tasks ...*entities.OptimizationTask) *fakeTaskStore {
	s := &fakeTaskStore{tasks: map[string]*entities.OptimizationTask{}}
	for _, t := range tasks {
		s.tasks[t.TaskID] = t
	}
	return s
}

func (s *fakeTaskStore) GetByTaskID(_ context.Context, taskID string) (entities.OptimizationTask, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return entities.OptimizationTask{}, taskstore.ErrNotFound
	}
	return *t, nil
}

func (s *fakeTaskStore) Claim(_ context.Context, taskID string, now time.Time) (entities.OptimizationTask, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return entities.OptimizationTask{}, taskstore.ErrNotFound
	}
	if t.Status != entities.StatusPending {
		return entities.OptimizationTask{}, taskstore.ErrNotClaimable
	}
	if err := t.Start(now); err != nil {
		return entities.OptimizationTask{}, err
	}
	return *t, nil
}

func (s *fakeTaskStore) MarkCompleted(_ context.Context, taskID string, res entities.OptimizationResult, now time.Time) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return taskstore.ErrNotFound
	}
	return t.Complete(res, now)
}

func (s *fakeTaskStore) MarkFailed(_ context.Context, taskID string, reason string, now time.Time) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return taskstore.ErrNotFound
	}
	if t.IsTerminal() {
		return nil
	}
	return t.Fail(reason, now)
}

func (s *fakeTaskStore) UpdateWebP(_ context.Context, taskID string, res entities.WebPResult) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return taskstore.ErrNotFound
	}
	return t.AttachWebP(res)
}

type fakeStorage struct {
	objects   map[string][]byte
	uploadErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) Download(_ context.Context, key string) ([]byte, string, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return data, "application/octet-stream", nil
}

func (s *fakeStorage) Upload(_ context.Context, key, _ string, payload []byte) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[key] = payload
	return nil
}

func (s *fakeStorage) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func pngBytes(t *testing.T, side int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 11), uint8((x + y) * 3), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func testWorker(t *testing.T, tasks TaskStore, storage Storage) *Worker {
	t.Helper()
	cfg := config.OptimizeWorkerConfig{MaxAttempts: 3, TaskTimeout: 5}
	return NewWorker(nil, cfg, tasks, storage, zaptest.NewLogger(t))
}

// fakeStream records the order of stream operations so the tests can
// hold the requeue-then-ack discipline.
type fakeStream struct {
	ops     []string
	added   []*redis.XAddArgs
	xaddErr error
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusCmd(ctx)
}

func (f *fakeStream) XAutoClaim(ctx context.Context, _ *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	return redis.NewXAutoClaimCmd(ctx)
}

func (f *fakeStream) XReadGroup(ctx context.Context, _ *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	return redis.NewXStreamSliceCmd(ctx)
}

func (f *fakeStream) XAck(ctx context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.ops = append(f.ops, "ack")
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(ids)))
	return cmd
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.ops = append(f.ops, "requeue")
	f.added = append(f.added, a)
	cmd := redis.NewStringCmd(ctx)
	if f.xaddErr != nil {
		cmd.SetErr(f.xaddErr)
	} else {
		cmd.SetVal("1-1")
	}
	return cmd
}

func streamMessage(t *testing.T, taskID string, attempt int) redis.XMessage {
	t.Helper()
	raw, err := json.Marshal(OptimizeJob{TaskID: taskID})
	if err != nil {
		t.Fatal(err)
	}
	return redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"payload": string(raw),
			"attempt": strconv.Itoa(attempt),
		},
	}
}

func pendingTask(filename string, size int64, generateWebP bool) *entities.OptimizationTask {
	task := entities.NewTask(filename, size, 80, generateWebP, 0, time.Now())
	return &task
}

func TestProcessTaskCompletes(t *testing.T) {
	original := pngBytes(t, 64)
	task := pendingTask("photo.png", int64(len(original)), false)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)
	smaller := original[:len(original)/2]
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return smaller, nil
	}))

	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if task.Status != entities.StatusCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if task.OptimizedSize != int64(len(smaller)) {
		t.Errorf("OptimizedSize = %d, want %d", task.OptimizedSize, len(smaller))
	}
	if got, ok := storage.objects[task.OptimizedArtifactKey()]; !ok || !bytes.Equal(got, smaller) {
		t.Error("optimized artifact not uploaded under the derived key")
	}
	if task.WebPGenerated {
		t.Error("webp generated without being requested")
	}
}

func TestProcessTaskMissingOriginalIsDefinitive(t *testing.T) {
	task := pendingTask("gone.png", 1000, false)
	tasks := newFakeTaskStore(task)
	storage := newFakeStorage() // no original uploaded

	w := testWorker(t, tasks, storage)

	err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0)
	if !errors.Is(err, errDefinitive) {
		t.Fatalf("err = %v, want errDefinitive", err)
	}
	if task.Status != entities.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if task.ErrorMessage != "Original file not found" {
		t.Errorf("ErrorMessage = %q", task.ErrorMessage)
	}
}

func TestProcessTaskTransformerErrorIsDefinitive(t *testing.T) {
	original := pngBytes(t, 32)
	task := pendingTask("broken.png", int64(len(original)), false)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return nil, errors.New("codec blew up")
	}))

	err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0)
	if !errors.Is(err, errDefinitive) {
		t.Fatalf("err = %v, want errDefinitive", err)
	}
	if task.Status != entities.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
}

func TestProcessTaskUploadErrorIsRetryable(t *testing.T) {
	original := pngBytes(t, 32)
	task := pendingTask("flaky.png", int64(len(original)), false)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original
	storage.uploadErr = errors.New("storage unavailable")

	w := testWorker(t, tasks, storage)
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return src[:len(src)/2], nil
	}))

	err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0)
	if err == nil || errors.Is(err, errDefinitive) {
		t.Fatalf("err = %v, want a retryable error", err)
	}
	if task.Status != entities.StatusProcessing {
		t.Errorf("status = %q, want processing (claim kept for retry)", task.Status)
	}
}

func TestProcessTaskRetryResumesOwnClaim(t *testing.T) {
	original := pngBytes(t, 32)
	task := pendingTask("resume.png", int64(len(original)), false)
	if err := task.Start(time.Now()); err != nil {
		t.Fatal(err)
	}

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return src[:len(src)/2], nil
	}))

	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 1); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if task.Status != entities.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
}

func TestProcessTaskFirstAttemptSkipsForeignClaim(t *testing.T) {
	original := pngBytes(t, 32)
	task := pendingTask("claimed.png", int64(len(original)), false)
	if err := task.Start(time.Now()); err != nil {
		t.Fatal(err)
	}

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)

	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if task.Status != entities.StatusProcessing {
		t.Errorf("status = %q, want processing (untouched)", task.Status)
	}
}

func TestProcessTaskVanishedTask(t *testing.T) {
	w := testWorker(t, newFakeTaskStore(), newFakeStorage())
	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: "no-such-task"}, 0); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
}

func TestProcessTaskAttachesWebP(t *testing.T) {
	original := pngBytes(t, 64)
	task := pendingTask("photo.png", int64(len(original)), true)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)
	// Stub output must stay a decodable PNG so the WebP pass can work
	// with it.
	smaller := pngBytes(t, 8)
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return smaller, nil
	}))

	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	if task.Status != entities.StatusCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if !task.WebPGenerated {
		t.Fatal("WebPGenerated = false, want true")
	}
	if task.WebPKey != task.WebPArtifactKey() {
		t.Errorf("WebPKey = %q, want %q", task.WebPKey, task.WebPArtifactKey())
	}
	if _, ok := storage.objects[task.WebPArtifactKey()]; !ok {
		t.Error("webp artifact not uploaded")
	}
}

func TestProcessTaskWebPFailureKeepsTaskCompleted(t *testing.T) {
	original := pngBytes(t, 64)
	task := pendingTask("photo.png", int64(len(original)), true)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original

	w := testWorker(t, tasks, storage)
	// Smaller but not a decodable image: the primary pass accepts it,
	// the WebP pass cannot.
	junk := bytes.Repeat([]byte{0x42}, len(original)/2)
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return junk, nil
	}))

	if err := w.ProcessTask(context.Background(), OptimizeJob{TaskID: task.TaskID}, 0); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if task.Status != entities.StatusCompleted {
		t.Fatalf("status = %q, want completed despite webp failure", task.Status)
	}
	if task.WebPGenerated {
		t.Error("WebPGenerated = true, want false")
	}
}

// retryableSetup builds a worker whose ProcessTask fails retryably: the
// original exists and transforms fine, but the artifact upload errors.
func retryableSetup(t *testing.T, stream *fakeStream) (*Worker, *entities.OptimizationTask) {
	t.Helper()

	original := pngBytes(t, 32)
	task := pendingTask("flaky.png", int64(len(original)), false)

	tasks := newFakeTaskStore(task)
	storage := newFakeStorage()
	storage.objects[task.OriginalKey] = original
	storage.uploadErr = errors.New("storage unavailable")

	cfg := config.OptimizeWorkerConfig{MaxAttempts: 3, TaskTimeout: 5}
	w := NewWorker(stream, cfg, tasks, storage, zaptest.NewLogger(t))
	w.orch.WithTransformer(optimizer.MimePNG, optimizer.TransformerFunc(func(src []byte, quality int) ([]byte, error) {
		return src[:len(src)/2], nil
	}))
	return w, task
}

func TestHandleRequeuesBeforeAck(t *testing.T) {
	stream := &fakeStream{}
	w, task := retryableSetup(t, stream)

	w.handle(context.Background(), streamMessage(t, task.TaskID, 0))

	if len(stream.ops) != 2 || stream.ops[0] != "requeue" || stream.ops[1] != "ack" {
		t.Fatalf("ops = %v, want [requeue ack]", stream.ops)
	}
	values, ok := stream.added[0].Values.(map[string]any)
	if !ok {
		t.Fatalf("unexpected XAdd values type %T", stream.added[0].Values)
	}
	if values["attempt"] != 1 {
		t.Errorf("requeued attempt = %v, want 1", values["attempt"])
	}
	if task.Status != entities.StatusProcessing {
		t.Errorf("status = %q, want processing (claim kept for the retry)", task.Status)
	}
}

func TestHandleRequeueFailureMarksFailed(t *testing.T) {
	stream := &fakeStream{xaddErr: errors.New("redis down")}
	w, task := retryableSetup(t, stream)

	w.handle(context.Background(), streamMessage(t, task.TaskID, 0))

	if task.Status != entities.StatusFailed {
		t.Fatalf("status = %q, want failed when the retry cannot be queued", task.Status)
	}
	if stream.ops[len(stream.ops)-1] != "ack" {
		t.Errorf("ops = %v, message must still be acknowledged", stream.ops)
	}
}

func TestHandleExhaustedAttemptsGiveUp(t *testing.T) {
	stream := &fakeStream{}
	w, task := retryableSetup(t, stream)

	w.handle(context.Background(), streamMessage(t, task.TaskID, 2))

	if task.Status != entities.StatusFailed {
		t.Fatalf("status = %q, want failed after the last attempt", task.Status)
	}
	if len(stream.added) != 0 {
		t.Error("exhausted message must not be requeued")
	}
	if len(stream.ops) != 1 || stream.ops[0] != "ack" {
		t.Errorf("ops = %v, want [ack]", stream.ops)
	}
}

func TestHandleAcksDefinitiveFailure(t *testing.T) {
	task := pendingTask("gone.png", 1000, false)
	tasks := newFakeTaskStore(task)
	storage := newFakeStorage() // no original uploaded

	stream := &fakeStream{}
	cfg := config.OptimizeWorkerConfig{MaxAttempts: 3, TaskTimeout: 5}
	w := NewWorker(stream, cfg, tasks, storage, zaptest.NewLogger(t))

	w.handle(context.Background(), streamMessage(t, task.TaskID, 0))

	if len(stream.added) != 0 {
		t.Error("definitive failure must not be requeued")
	}
	if len(stream.ops) != 1 || stream.ops[0] != "ack" {
		t.Errorf("ops = %v, want [ack]", stream.ops)
	}
	if task.Status != entities.StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
}

func TestToInt(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{"3", 3},
		{int64(7), 7},
		{2, 2},
		{nil, 0},
		{"garbage", 0},
	}
	for _, tc := range tests {
		if got := toInt(tc.in); got != tc.want {
			t.Errorf("toInt(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
