// Package errors provides custom error types for the pm3 daemon and client.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeDepsInvalid         = "DEPS_INVALID"
	ErrCodeSpawnFailed         = "SPAWN_FAILED"
	ErrCodeInvalidCommand      = "INVALID_COMMAND"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeNotRunning          = "NOT_RUNNING"
	ErrCodeInvalidSignal       = "INVALID_SIGNAL"
	ErrCodeEnvFile             = "ENV_FILE"
	ErrCodeHealthConfigInvalid = "HEALTH_CONFIG_INVALID"
	ErrCodeMemoryConfigInvalid = "MEMORY_CONFIG_INVALID"
	ErrCodeProtocolMalformed   = "PROTOCOL_MALFORMED"
	ErrCodeIPCTransport        = "IPC_TRANSPORT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with the given code and a formatted message.
func Newf(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a new not found error for a process.
func NotFound(name string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("process not found: %s", name),
	}
}

// NotRunning creates an error for an operation on a process with no live pid.
func NotRunning(name string) *AppError {
	return &AppError{
		Code:    ErrCodeNotRunning,
		Message: fmt.Sprintf("process '%s' is not running", name),
	}
}

// InvalidCommand creates an error for an empty or unparseable command line.
func InvalidCommand(reason string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidCommand,
		Message: fmt.Sprintf("invalid command: %s", reason),
	}
}

// InvalidSignal creates an error for an unrecognized signal name.
func InvalidSignal(name string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidSignal,
		Message: fmt.Sprintf("invalid signal: %s", name),
	}
}

// SpawnFailed wraps an OS launch failure.
func SpawnFailed(err error) *AppError {
	return &AppError{
		Code:    ErrCodeSpawnFailed,
		Message: "failed to spawn process",
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Code returns the error code for an error, or INTERNAL_ERROR if it is not
// an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsNotRunning checks if the error is a not running error.
func IsNotRunning(err error) bool {
	return Code(err) == ErrCodeNotRunning
}
