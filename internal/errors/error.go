package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
)

// ErrorCode enum for machine-readable errors
type ErrorCode string

const (
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrInternal     ErrorCode = "INTERNAL" // DB died, NATS down
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"

	// Pipeline codes. Validation and virus detections are terminal: the job
	// system must never retry them. Scan failures are transient.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrVirusDetected    ErrorCode = "VIRUS_DETECTED"
	ErrScanFailed       ErrorCode = "SCAN_FAILED"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrSourceUnreadable ErrorCode = "SOURCE_UNREADABLE"
	ErrMaxSizeExceeded  ErrorCode = "MAX_SIZE_EXCEEDED"
)

// AppError carries the "User View" and the "System View"
type AppError struct {
	Code     ErrorCode // Machine code (for caller logic and retry classification)
	Reason   string    // Stable machine-readable reason, e.g. "magic_bytes_mismatch"
	Message  string    // Safe user-facing message
	Internal error     // Original error (DB error, etc) - NEVER show to user
	Stack    string    // Stack trace for audit
}

// Implement the standard error interface
func (e *AppError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Internal
}

// New factory to capture stack trace automatically
func New(code ErrorCode, msg string, internal error) *AppError {
	return &AppError{
		Code:     code,
		Message:  msg,
		Internal: internal,
		Stack:    string(debug.Stack()),
	}
}

// NewReason is New plus a stable reason code for log aggregation.
func NewReason(code ErrorCode, reason, msg string, internal error) *AppError {
	e := New(code, msg, internal)
	e.Reason = reason
	return e
}

// CodeOf walks the error chain and returns the first AppError code,
// or ErrInternal for plain Go errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the job system should re-deliver the work that
// produced err. A transient scan failure is retryable, and so is any
// unclassified infrastructure error. If the chain contains a validation
// failure or a virus detection anywhere the error is terminal no matter how
// it was wrapped.
func Retryable(err error) bool {
	retryable := true
	for e := err; e != nil; e = errors.Unwrap(e) {
		appErr, ok := e.(*AppError)
		if !ok {
			continue
		}
		switch appErr.Code {
		case ErrValidationFailed, ErrVirusDetected, ErrMaxSizeExceeded, ErrInvalidInput:
			return false
		case ErrScanFailed:
			retryable = true
		}
	}
	return retryable
}

func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())

	// 1. Unwrap the AppError
	var appErr *AppError
	if !errors.As(err, &appErr) {
		// If it's a generic Go error (e.g. from a library), wrap it as Internal
		appErr = New(ErrInternal, "Unexpected system error", err)
	}

	// 2. Map Error Code -> HTTP Status
	status := http.StatusInternalServerError
	switch appErr.Code {
	case ErrInvalidInput, ErrValidationFailed:
		status = http.StatusBadRequest
	case ErrMaxSizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case ErrVirusDetected:
		status = http.StatusUnprocessableEntity
	case ErrConflict, ErrInvalidState:
		status = http.StatusConflict
	case ErrUnauthorized:
		status = http.StatusUnauthorized
	case ErrNotFound:
		status = http.StatusNotFound
	case ErrScanFailed:
		status = http.StatusServiceUnavailable
	}

	// 3. LOGGING (Audit Strategy)
	// We use the same rigorous logging for every service.
	logFields := []any{
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"code", appErr.Code,
		"reason", appErr.Reason,
		"user_msg", appErr.Message,
	}

	if status >= http.StatusInternalServerError {
		// For 5xx: Log EVERYTHING (Internal error + Stack trace)
		logFields = append(logFields, "internal_err", appErr.Internal, "stack", appErr.Stack)
		slog.Error("Internal Server Error", logFields...)
	} else {
		// For 4xx: Log as INFO/WARN. (No stack trace needed usually)
		if appErr.Internal != nil {
			logFields = append(logFields, "internal_details", appErr.Internal)
		}
		slog.Warn("Request Failed", logFields...)
	}

	// 4. JSON Response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error_code": string(appErr.Code),
		"message":    appErr.Message,
		"request_id": reqID,
	})
}

// RespondJSON is a handy helper for success cases too
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
