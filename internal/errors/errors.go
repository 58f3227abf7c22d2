// Package errors provides error code definitions shared across the client engine.
package errors

import "fmt"

// ErrorCode identifies a class of failure surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrDownloadFailed ErrorCode = "DOWNLOAD_FAILED"
	ErrRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrRemoteTimeout     ErrorCode = "REMOTE_TIMEOUT"
	ErrRemoteUnreachable ErrorCode = "REMOTE_UNREACHABLE"

	// Conflict errors
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"

	// Backup errors
	ErrExportFailed  ErrorCode = "EXPORT_FAILED"
	ErrImportFailed  ErrorCode = "IMPORT_FAILED"
	ErrImportInvalid ErrorCode = "IMPORT_INVALID"

	// Offline readiness errors
	ErrPrepareFailed ErrorCode = "OFFLINE_PREPARE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
