package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/config"
	"github.com/seriusokhatsky/image-optimization/internal/entities"
	"github.com/seriusokhatsky/image-optimization/internal/quota"
	"github.com/seriusokhatsky/image-optimization/internal/repository/taskstore"
	"github.com/seriusokhatsky/image-optimization/internal/usecase"
)

type UseCase interface {
	Submit(ctx context.Context, data []byte, params usecase.SubmitParams) (entities.OptimizationTask, error)
	Status(ctx context.Context, taskID string) (entities.OptimizationTask, error)
	Download(ctx context.Context, taskID string) (entities.OptimizationTask, []byte, error)
	CleanupAfterDownload(ctx context.Context, task entities.OptimizationTask)
	DownloadWebP(ctx context.Context, taskID string) (entities.OptimizationTask, []byte, error)
	Quota(ctx context.Context, token string) (entities.QuotaRecord, error)
	RefreshQuota(ctx context.Context, token string) (entities.QuotaRecord, error)
	ResetUsage(ctx context.Context, token string) (entities.QuotaRecord, error)
}

type Handler struct {
	useCase   UseCase
	cfg       *config.Config
	validator *validator.Validate
	logger    *zap.Logger
}

func New(useCase UseCase, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		useCase:   useCase,
		cfg:       cfg,
		validator: validator.New(),
		logger:    logger,
	}
}

// Submit accepts a file for optimization and returns the task id right
// away; the result is picked up via the status endpoint.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, fh, err := r.FormFile("file")
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeJSONError(w, `missing file: form field key should be "file"`, "", http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), "", http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	token := tokenFrom(r)
	if token == "" {
		writeJSONError(w, "Token required", CodeTokenRequired, http.StatusUnauthorized)
		return
	}

	quality, err := parseIntDefault(r.Form.Get("quality"), entities.DefaultQuality)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"Quality": "must be an integer"})
		return
	}

	params := SubmitParams{
		Quality:      quality,
		GenerateWebP: r.Form.Get("generate_webp") == "1" || r.Form.Get("generate_webp") == "true",
		Token:        token,
	}

	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, "failed to read uploaded file", CodeInternal, http.StatusInternalServerError)
		return
	}

	task, err := h.useCase.Submit(r.Context(), data, usecase.SubmitParams{
		Filename:     fh.Filename,
		Quality:      params.Quality,
		GenerateWebP: params.GenerateWebP,
		Token:        token,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, apiResponse{
		Success: true,
		Message: "File uploaded successfully. Optimization in progress.",
		Data: submitData{
			TaskID: task.TaskID,
			Status: string(task.Status),
			OriginalFile: fileInfo{
				Name: task.OriginalFilename,
				Size: task.OriginalSize,
			},
		},
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := h.useCase.Status(r.Context(), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: newStatusData(task)})
}

// Download streams the optimized artifact. A successful transfer is
// destructive: the task record and all artifacts are gone afterwards.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, data, err := h.useCase.Download(r.Context(), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.OptimizedFilename()))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))

	if _, err := w.Write(data); err != nil {
		h.logger.Warn("download transfer interrupted", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}

	h.useCase.CleanupAfterDownload(r.Context(), task)
}

func (h *Handler) DownloadWebP(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, data, err := h.useCase.DownloadWebP(r.Context(), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.WebPFilename()))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))

	_, _ = w.Write(data)
}

func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	h.quotaOp(w, r, h.useCase.Quota)
}

func (h *Handler) RefreshQuota(w http.ResponseWriter, r *http.Request) {
	h.quotaOp(w, r, h.useCase.RefreshQuota)
}

func (h *Handler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	h.quotaOp(w, r, h.useCase.ResetUsage)
}

func (h *Handler) quotaOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (entities.QuotaRecord, error)) {
	token := tokenFrom(r)
	if token == "" {
		writeJSONError(w, "Token required", CodeTokenRequired, http.StatusUnauthorized)
		return
	}

	rec, err := op(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: newQuotaData(rec)})
}

func tokenFrom(r *http.Request) string {
	if t := r.Header.Get("X-Token"); t != "" {
		return t
	}
	return r.FormValue("token")
}

// writeError maps domain errors onto stable codes. Internal detail goes
// to the log, not to the caller.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrTokenInvalid):
		writeJSONError(w, "Invalid token or quota service unavailable", CodeTokenInvalid, http.StatusForbidden)
	case errors.Is(err, quota.ErrQuotaUnavailable):
		writeJSONError(w, "No quota available. Please refresh your quota or check your subscription.", CodeQuotaUnavailable, http.StatusForbidden)
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeJSONError(w, "Quota exceeded", CodeQuotaExceeded, http.StatusTooManyRequests)
	case errors.Is(err, quota.ErrNotFound):
		writeJSONError(w, "Quota record not found", CodeTokenInvalid, http.StatusNotFound)
	case errors.Is(err, usecase.ErrUnsupportedType):
		writeJSONError(w, err.Error(), CodeUnsupportedType, http.StatusBadRequest)
	case errors.Is(err, usecase.ErrTaskExpired):
		writeJSONError(w, "Task has expired", CodeTaskExpired, http.StatusGone)
	case errors.Is(err, usecase.ErrTaskNotCompleted):
		writeJSONError(w, "Task is not completed", CodeTaskNotCompleted, http.StatusConflict)
	case errors.Is(err, usecase.ErrWebPNotAvailable):
		writeJSONError(w, "WebP artifact not available for this task", CodeWebPNotAvailable, http.StatusNotFound)
	case errors.Is(err, taskstore.ErrNotFound):
		writeJSONError(w, "Task not found", CodeTaskNotFound, http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSONError(w, "internal error", CodeInternal, http.StatusInternalServerError)
	}
}
