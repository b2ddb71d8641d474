package entities

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// DefaultRetention is how long a task and its artifacts are kept
// around after submission.
const DefaultRetention = 24 * time.Hour

const DefaultQuality = 80

// OptimizationTask tracks a single optimization request from submission
// until it is downloaded or reaped.
type OptimizationTask struct {
	ID     int64      `json:"-"`
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`

	OriginalFilename string `json:"original_filename"`
	OriginalKey      string `json:"original_key"`
	OriginalSize     int64  `json:"original_size"`

	Quality      int  `json:"quality"`
	GenerateWebP bool `json:"generate_webp"`

	OptimizedKey          string  `json:"optimized_key,omitempty"`
	OptimizedSize         int64   `json:"optimized_size,omitempty"`
	CompressionRatio      float64 `json:"compression_ratio,omitempty"`
	SizeReduction         int64   `json:"size_reduction,omitempty"`
	Algorithm             string  `json:"algorithm,omitempty"`
	ProcessingMs          float64 `json:"processing_ms,omitempty"`
	SizeIncreasePrevented bool    `json:"size_increase_prevented,omitempty"`

	WebPKey              string  `json:"webp_key,omitempty"`
	WebPSize             int64   `json:"webp_size,omitempty"`
	WebPCompressionRatio float64 `json:"webp_compression_ratio,omitempty"`
	WebPSizeReduction    int64   `json:"webp_size_reduction,omitempty"`
	WebPProcessingMs     float64 `json:"webp_processing_ms,omitempty"`
	WebPGenerated        bool    `json:"webp_generated"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// OptimizationResult is what the worker writes back on a successful run.
type OptimizationResult struct {
	OptimizedKey          string
	OptimizedSize         int64
	CompressionRatio      float64
	SizeReduction         int64
	Algorithm             string
	ProcessingMs          float64
	SizeIncreasePrevented bool
}

// WebPResult is attached after completion; it never changes the task status.
type WebPResult struct {
	WebPKey          string
	WebPSize         int64
	CompressionRatio float64
	SizeReduction    int64
	ProcessingMs     float64
	Generated        bool
}

// NewTask builds a pending task. The expiry deadline is fixed here and
// never moves afterwards.
func NewTask(filename string, size int64, quality int, generateWebP bool, retention time.Duration, now time.Time) OptimizationTask {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	id := uuid.NewString()

	return OptimizationTask{
		TaskID:           id,
		Status:           StatusPending,
		OriginalFilename: filename,
		OriginalKey:      OriginalKey(id, filename),
		OriginalSize:     size,
		Quality:          quality,
		GenerateWebP:     generateWebP,
		CreatedAt:        now,
		ExpiresAt:        now.Add(retention),
	}
}

// Start transitions the task to processing. Only a pending task can be
// claimed; the store enforces the same rule atomically.
func (t *OptimizationTask) Start(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("task %s: cannot start from status %q", t.TaskID, t.Status)
	}
	t.Status = StatusProcessing
	t.StartedAt = &now
	return nil
}

// Complete records the optimization result and moves the task to its
// terminal completed state.
func (t *OptimizationTask) Complete(res OptimizationResult, now time.Time) error {
	if t.Status != StatusProcessing {
		return fmt.Errorf("task %s: cannot complete from status %q", t.TaskID, t.Status)
	}
	t.Status = StatusCompleted
	t.OptimizedKey = res.OptimizedKey
	t.OptimizedSize = res.OptimizedSize
	t.CompressionRatio = res.CompressionRatio
	t.SizeReduction = res.SizeReduction
	t.Algorithm = res.Algorithm
	t.ProcessingMs = res.ProcessingMs
	t.SizeIncreasePrevented = res.SizeIncreasePrevented
	t.CompletedAt = &now
	return nil
}

// Fail records the error and moves the task to its terminal failed state.
func (t *OptimizationTask) Fail(reason string, now time.Time) error {
	if t.Status == StatusCompleted || t.Status == StatusFailed {
		return fmt.Errorf("task %s: cannot fail from status %q", t.TaskID, t.Status)
	}
	t.Status = StatusFailed
	t.ErrorMessage = reason
	t.CompletedAt = &now
	return nil
}

// AttachWebP records WebP artifact data on an already completed task.
func (t *OptimizationTask) AttachWebP(res WebPResult) error {
	if t.Status != StatusCompleted {
		return fmt.Errorf("task %s: cannot attach webp in status %q", t.TaskID, t.Status)
	}
	t.WebPKey = res.WebPKey
	t.WebPSize = res.WebPSize
	t.WebPCompressionRatio = res.CompressionRatio
	t.WebPSizeReduction = res.SizeReduction
	t.WebPProcessingMs = res.ProcessingMs
	t.WebPGenerated = res.Generated
	return nil
}

func (t *OptimizationTask) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *OptimizationTask) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// OptimizedFilename derives the download name, e.g. my_cat.jpeg ->
// my_cat-optimized.jpeg.
func (t *OptimizationTask) OptimizedFilename() string {
	ext := filepath.Ext(t.OriginalFilename)
	name := strings.TrimSuffix(t.OriginalFilename, ext)
	return name + "-optimized" + ext
}

// WebPFilename derives the WebP download name, e.g. my_cat.jpeg ->
// my_cat.jpeg.webp.
func (t *OptimizationTask) WebPFilename() string {
	return t.OriginalFilename + ".webp"
}

// Artifact keys are grouped into three logical collections. The stored
// name is the task id, the caller-visible filename only matters at
// download time.

func OriginalKey(taskID, filename string) string {
	return "uploads/original/" + taskID + strings.ToLower(filepath.Ext(filename))
}

func (t *OptimizationTask) OptimizedArtifactKey() string {
	return "uploads/optimized/" + filepath.Base(t.OriginalKey)
}

func (t *OptimizationTask) WebPArtifactKey() string {
	return "uploads/webp/" + filepath.Base(t.OriginalKey) + ".webp"
}
