// Package errors provides the error taxonomy shared by the store, the
// outbox, the token manager and the sync engine. Codes are stable strings
// so they can be bridged unchanged to the mobile UI layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a unique error code that can be bridged to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Transport errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrTimeout ErrorCode = "TIMEOUT"

	// Session errors
	ErrUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	ErrForbidden           ErrorCode = "FORBIDDEN"
	ErrTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	ErrRefreshExpired      ErrorCode = "REFRESH_TOKEN_EXPIRED"
	ErrInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
	ErrRefreshRateLimited  ErrorCode = "REFRESH_RATE_LIMITED"
	ErrServerRateLimited   ErrorCode = "SERVER_RATE_LIMITED"
	ErrOfflineLoginUnknown ErrorCode = "OFFLINE_LOGIN_UNAVAILABLE"

	// Sync errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrSyncRejected ErrorCode = "SYNC_REJECTED"
	ErrSyncAborted  ErrorCode = "SYNC_ABORTED"
	ErrServer       ErrorCode = "SERVER_ERROR"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindCache      Kind = "cache"
	KindInternal   Kind = "internal"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code       ErrorCode
	Kind       Kind
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	// StatusCode is the HTTP status of the remote response, 0 for local errors.
	StatusCode int
	Details    map[string]any
	Err        error
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

// Is reports whether target is an *AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *AppError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kindForCode(code),
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kindForCode(code),
		Message: message,
		Err:     err,
	}
}

// Validation reports a malformed payload rejected before enqueue.
func Validation(message string, err error) *AppError {
	return &AppError{Code: ErrValidation, Kind: KindValidation, Message: message, Err: err}
}

// Network reports a transient transport failure.
func Network(message string, err error) *AppError {
	return &AppError{Code: ErrNetwork, Kind: KindNetwork, Message: message, Retryable: true, Err: err}
}

// Timeout reports a remote call that exceeded its deadline.
func Timeout(message string, err error) *AppError {
	return &AppError{Code: ErrTimeout, Kind: KindNetwork, Message: message, Retryable: true, Err: err}
}

// Auth reports an expired or invalid session.
func Auth(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Kind: KindAuth, Message: message, Err: err}
}

// RateLimit reports a lockout that must be waited out.
func RateLimit(code ErrorCode, message string, retryAfter time.Duration) *AppError {
	return &AppError{Code: code, Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// Server reports a non-auth error response from the remote API.
func Server(statusCode int, code ErrorCode, message string, retryable bool) *AppError {
	return &AppError{Code: code, Kind: KindServer, Message: message, Retryable: retryable, StatusCode: statusCode}
}

// Cache reports a local store failure.
func Cache(message string, err error) *AppError {
	return &AppError{Code: ErrDatabase, Kind: KindCache, Message: message, Err: err}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// KindOf returns the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether an automatic retry may succeed.
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// RetryAfter returns the wait carried by a rate-limit error.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// As is a re-export of the standard library helper.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case ErrValidation:
		return KindValidation
	case ErrDatabase, ErrMigration:
		return KindCache
	case ErrNetwork, ErrTimeout:
		return KindNetwork
	case ErrUnauthenticated, ErrForbidden, ErrTokenExpired, ErrRefreshExpired, ErrInvalidCredentials, ErrOfflineLoginUnknown:
		return KindAuth
	case ErrRefreshRateLimited, ErrServerRateLimited:
		return KindRateLimit
	case ErrServer, ErrSyncRejected:
		return KindServer
	default:
		return KindInternal
	}
}
