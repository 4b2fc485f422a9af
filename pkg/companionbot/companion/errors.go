package companion

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the orchestration and tool boundaries.
type ErrorKind string

const (
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrUpstream       ErrorKind = "upstream_server_error"
	ErrTimeout        ErrorKind = "timeout"
	ErrContextTooLong ErrorKind = "context_too_long"
	ErrInvalidInput   ErrorKind = "invalid_input"
	ErrAccessDenied   ErrorKind = "access_denied"
	ErrQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrNotFound       ErrorKind = "not_found"
	ErrPersistence    ErrorKind = "persistence_error"
	ErrTransient      ErrorKind = "transient"
)

// KindError is an error tagged with a classification kind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewKindError wraps err with a classification kind.
func NewKindError(kind ErrorKind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of an error, defaulting to Transient.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrTransient
}

// FriendlyMessage converts an orchestration failure into a short
// user-visible sentence with an actionable hint. Never leaks internals.
func FriendlyMessage(err error) string {
	switch KindOf(err) {
	case ErrRateLimited:
		return "I'm being rate-limited right now. Give me a minute and try again."
	case ErrTimeout:
		return "That took too long and timed out. Please try again."
	case ErrContextTooLong:
		return "This conversation got too long for me to process — run /compact to condense it."
	case ErrUpstream:
		return "The model service is having trouble. Please try again shortly."
	case ErrQuotaExceeded:
		return "Too many background tasks are already running for this chat."
	default:
		return "Something went wrong handling that message. Please try again."
	}
}
