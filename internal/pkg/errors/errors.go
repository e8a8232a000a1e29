package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code for each error type
type ErrorCode string

const (
	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"
	ErrCodeConflict     ErrorCode = "CONFLICT"

	// File handling errors
	ErrCodeInvalidFile       ErrorCode = "INVALID_FILE"
	ErrCodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrCodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Import engine errors
	ErrCodeSchema               ErrorCode = "SCHEMA_ERROR"
	ErrCodeRowValidation        ErrorCode = "ROW_VALIDATION_ERROR"
	ErrCodePersistenceTransient ErrorCode = "PERSISTENCE_TRANSIENT"
	ErrCodePersistencePermanent ErrorCode = "PERSISTENCE_PERMANENT"
	ErrCodeJobFatal             ErrorCode = "JOB_FATAL"
	ErrCodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	ErrCodeJobAlreadyClaimed    ErrorCode = "JOB_ALREADY_CLAIMED"

	// Queue errors
	ErrCodeQueueError ErrorCode = "QUEUE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	StatusCode int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Common error constructors

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

func InternalWrap(err error, message string) *AppError {
	return Wrap(err, ErrCodeInternal, message, http.StatusInternalServerError)
}

func NotFound(message string) *AppError {
	return New(ErrCodeNotFound, message, http.StatusNotFound)
}

func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message, http.StatusBadRequest)
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// File handling errors

func InvalidFile(message string) *AppError {
	return New(ErrCodeInvalidFile, message, http.StatusBadRequest)
}

func UnsupportedFormat(format string) *AppError {
	return New(ErrCodeUnsupportedFormat,
		fmt.Sprintf("unsupported file format: %s", format),
		http.StatusBadRequest)
}

// Import engine errors

// SchemaError means a required column could not be mapped from the file
// header. It fails the whole job before any row is processed.
func SchemaError(message string) *AppError {
	return New(ErrCodeSchema, message, http.StatusUnprocessableEntity)
}

// RowValidation marks a single structurally invalid row. It is absorbed into
// the job's error counters and never terminates the job.
func RowValidation(message string) *AppError {
	return New(ErrCodeRowValidation, message, http.StatusUnprocessableEntity)
}

// PersistenceTransient marks a store failure that may succeed on retry.
func PersistenceTransient(err error) *AppError {
	return Wrap(err, ErrCodePersistenceTransient, "transient persistence failure", http.StatusServiceUnavailable)
}

// PersistencePermanent marks a store failure traceable to the data itself.
func PersistencePermanent(err error) *AppError {
	return Wrap(err, ErrCodePersistencePermanent, "permanent persistence failure", http.StatusUnprocessableEntity)
}

// JobFatal marks an unrecoverable job failure (retry budget exhausted,
// source unreadable, checkpoint failing repeatedly).
func JobFatal(err error, message string) *AppError {
	return Wrap(err, ErrCodeJobFatal, message, http.StatusInternalServerError)
}

// InvalidTransition guards against illegal job status changes. Surfacing it
// to a user indicates a supervisor bug.
func InvalidTransition(from, to string) *AppError {
	return New(ErrCodeInvalidTransition,
		fmt.Sprintf("illegal status transition: %s -> %s", from, to),
		http.StatusConflict)
}

// JobAlreadyClaimed means another live supervisor holds the job. Triggers
// that land on a claimed job treat this as a no-op.
func JobAlreadyClaimed(jobID string) *AppError {
	return New(ErrCodeJobAlreadyClaimed,
		fmt.Sprintf("job %s is already claimed by a live supervisor", jobID),
		http.StatusConflict)
}

// Queue errors

func QueueError(err error) *AppError {
	return Wrap(err, ErrCodeQueueError, "queue operation failed", http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// HasCode reports whether err carries the given ErrorCode anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.Code == code
}
