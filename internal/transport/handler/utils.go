package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type APIError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// Stable machine-readable error codes; clients switch on these, not on
// the message text.
const (
	CodeTokenRequired    = "TOKEN_REQUIRED"
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeQuotaUnavailable = "QUOTA_UNAVAILABLE"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeUnsupportedType  = "UNSUPPORTED_TYPE"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeTaskExpired      = "TASK_EXPIRED"
	CodeTaskNotCompleted = "TASK_NOT_COMPLETED"
	CodeWebPNotAvailable = "WEBP_NOT_AVAILABLE"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeInternal         = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}

func writeMultipartError(w http.ResponseWriter, err error) {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", CodeFileTooLarge, http.StatusRequestEntityTooLarge)

	case strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", "", http.StatusBadRequest)

	default:
		writeJSONError(w, err.Error(), CodeInternal, http.StatusInternalServerError)
	}
}

// parseIntDefault falls back to def only when the value is absent; a
// present but non-numeric value is the caller's error, not ours to
// paper over.
func parseIntDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range verrs {
			field := e.Field()
			switch e.Tag() {
			case "required":
				errs[field] = "is required"
			case "max":
				errs[field] = "exceeds maximum length"
			case "gte", "lte":
				errs[field] = "out of allowed range"
			default:
				errs[field] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}

func formatMs(ms float64) string {
	return fmt.Sprintf("%.2f ms", ms)
}
