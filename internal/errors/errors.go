package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConfigNotFound     = errors.New("configuration not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrDuplicateViolation = errors.New("duplicate violation")
	ErrServerError        = errors.New("server error")
	ErrInternalError      = errors.New("internal error")
)

// ErrorType represents the category of a platform error
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// PlatformError is a structured error for GitHub API operations
type PlatformError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "list_repos", "create_issue")
	Repo       string // Repository full name if applicable
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	RetryAfter time.Duration
	Timestamp  time.Time
	Retryable  bool
}

func (e *PlatformError) Error() string {
	if e.Repo != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Repo, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PlatformError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrServerError:
		return e.Type == ErrorTypeServer
	}

	return errors.Is(e.Err, target)
}

// NewPlatformError creates a new PlatformError
func NewPlatformError(errorType ErrorType, op string, err error) *PlatformError {
	return &PlatformError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeServer || errorType == ErrorTypeRateLimit,
	}
}

// WithRepo adds repository context to the error
func (e *PlatformError) WithRepo(repo string) *PlatformError {
	e.Repo = repo
	return e
}

// WithStatusCode adds the HTTP status code to the error
func (e *PlatformError) WithStatusCode(code int) *PlatformError {
	e.StatusCode = code
	if code >= 500 || code == 429 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// WithRetryAfter records the server-requested delay before retrying.
func (e *PlatformError) WithRetryAfter(d time.Duration) *PlatformError {
	e.RetryAfter = d
	return e
}

// RateLimited builds a rate-limit error carrying the retry-after hint.
func RateLimited(op string, retryAfter time.Duration) *PlatformError {
	e := NewPlatformError(ErrorTypeRateLimit, op, ErrRateLimited)
	e.RetryAfter = retryAfter
	e.StatusCode = 429
	return e
}

// WrapAuthError wraps an authentication failure with context
func WrapAuthError(op string, err error) error {
	return NewPlatformError(ErrorTypeAuth, op, err)
}

// WrapNotFound wraps a 404 with context
func WrapNotFound(op string, err error) error {
	return NewPlatformError(ErrorTypeNotFound, op, err).WithStatusCode(404)
}

// WrapServerError wraps a 5xx response with context
func WrapServerError(op string, err error, statusCode int) error {
	return NewPlatformError(ErrorTypeServer, op, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsRateLimited checks for a rate-limit error and returns the delay hint.
func IsRateLimited(err error) (time.Duration, bool) {
	var pe *PlatformError
	if errors.As(err, &pe) && pe.Type == ErrorTypeRateLimit {
		return pe.RetryAfter, true
	}
	return 0, false
}

// IsNotFound checks whether an error represents a missing resource.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Type == ErrorTypeNotFound
	}
	return errors.Is(err, ErrNotFound)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		if pe.Type == ErrorTypeAuth {
			return true
		}
		if pe.StatusCode == 401 || pe.StatusCode == 403 {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
