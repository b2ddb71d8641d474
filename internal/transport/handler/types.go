package handler

import (
	"time"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
)

type SubmitParams struct {
	Quality      int    `validate:"gte=1,lte=100"`
	GenerateWebP bool   // from form generate_webp=1
	Token        string `validate:"required"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type fileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type submitData struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	OriginalFile fileInfo `json:"original_file"`
}

type optimizationData struct {
	CompressionRatio      float64 `json:"compression_ratio"`
	SizeReduction         int64   `json:"size_reduction"`
	Algorithm             string  `json:"algorithm"`
	ProcessingTime        string  `json:"processing_time"`
	OptimizedSize         int64   `json:"optimized_size"`
	SizeIncreasePrevented bool    `json:"size_increase_prevented,omitempty"`
}

type webpData struct {
	CompressionRatio float64 `json:"compression_ratio"`
	SizeReduction    int64   `json:"size_reduction"`
	ProcessingTime   string  `json:"processing_time"`
	WebPSize         int64   `json:"webp_size"`
}

type statusData struct {
	TaskID       string            `json:"task_id"`
	Status       string            `json:"status"`
	OriginalFile fileInfo          `json:"original_file"`
	CreatedAt    string            `json:"created_at"`
	StartedAt    string            `json:"started_at,omitempty"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	Optimization *optimizationData `json:"optimization,omitempty"`
	WebP         *webpData         `json:"webp,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type quotaData struct {
	UsedKB       int64      `json:"used_kb"`
	QuotaKB      int64      `json:"quota_kb"`
	RemainingKB  int64      `json:"remaining_kb"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastCheckAt  *time.Time `json:"last_quota_check,omitempty"`
}

func newStatusData(task entities.OptimizationTask) statusData {
	d := statusData{
		TaskID: task.TaskID,
		Status: string(task.Status),
		OriginalFile: fileInfo{
			Name: task.OriginalFilename,
			Size: task.OriginalSize,
		},
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
	}

	if task.StartedAt != nil {
		d.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		d.CompletedAt = task.CompletedAt.Format(time.RFC3339)
	}

	switch task.Status {
	case entities.StatusCompleted:
		d.Optimization = &optimizationData{
			CompressionRatio:      task.CompressionRatio,
			SizeReduction:         task.SizeReduction,
			Algorithm:             task.Algorithm,
			ProcessingTime:        formatMs(task.ProcessingMs),
			OptimizedSize:         task.OptimizedSize,
			SizeIncreasePrevented: task.SizeIncreasePrevented,
		}
		if task.WebPGenerated {
			d.WebP = &webpData{
				CompressionRatio: task.WebPCompressionRatio,
				SizeReduction:    task.WebPSizeReduction,
				ProcessingTime:   formatMs(task.WebPProcessingMs),
				WebPSize:         task.WebPSize,
			}
		}
	case entities.StatusFailed:
		d.Error = task.ErrorMessage
	}

	return d
}

func newQuotaData(rec entities.QuotaRecord) quotaData {
	return quotaData{
		UsedKB:      rec.UsedKB,
		QuotaKB:     rec.QuotaKB,
		RemainingKB: rec.RemainingKB(),
		LastUsedAt:  rec.LastUsedAt,
		LastCheckAt: rec.LastCheckedAt,
	}
}
