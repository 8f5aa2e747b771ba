package errs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

type ErrorType int

const (
	ErrDatabase ErrorType = iota
	ErrSerialization
	ErrAPI
	ErrRateLimit
	ErrCache
	ErrValidation
	ErrQueue
	ErrIO
	ErrConfig
	ErrTimeout
	ErrQuarantined
	ErrUnknown
)

// Severity tells callers how to react to an error.
type Severity int

const (
	// Recoverable errors degrade a single read (e.g. a corrupt cache entry becomes a miss).
	Recoverable Severity = iota
	// Retryable errors may succeed when attempted again.
	Retryable
	// Fatal errors are permanent for the item they occurred on.
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	// StatusCode is set for API errors.
	StatusCode int
	Context    map[string]any
	Cause      error
}

func New(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(errorType ErrorType, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...))
}

func NewWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

// NewAPI builds an API error carrying the provider's HTTP status.
func NewAPI(statusCode int, message string) *Error {
	e := New(ErrAPI, message)
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status: %d", e.StatusCode))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// Severity classifies the error itself.
func (e *Error) Severity() Severity {
	switch e.Type {
	case ErrRateLimit, ErrTimeout, ErrDatabase, ErrIO:
		return Retryable
	case ErrAPI:
		switch {
		case e.StatusCode == 429 || e.StatusCode == 502 || e.StatusCode == 503:
			return Retryable
		case e.StatusCode >= 400 && e.StatusCode < 500:
			return Fatal
		default:
			return Retryable
		}
	case ErrValidation, ErrConfig, ErrQuarantined:
		return Fatal
	default:
		return Recoverable
	}
}

func (t ErrorType) String() string {
	switch t {
	case ErrDatabase:
		return "Database"
	case ErrSerialization:
		return "Serialization"
	case ErrAPI:
		return "API"
	case ErrRateLimit:
		return "RateLimit"
	case ErrCache:
		return "Cache"
	case ErrValidation:
		return "Validation"
	case ErrQueue:
		return "Queue"
	case ErrIO:
		return "IO"
	case ErrConfig:
		return "Config"
	case ErrTimeout:
		return "Timeout"
	case ErrQuarantined:
		return "Quarantined"
	default:
		return "Unknown"
	}
}

// Classify maps any error to a Severity. Errors outside the taxonomy are
// Retryable unless they come from a cancelled context.
func Classify(err error) Severity {
	if err == nil {
		return Recoverable
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Severity()
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	return Retryable
}

func IsRetryable(err error) bool {
	return Classify(err) == Retryable
}

type ErrorHandler interface {
	Handle(err error) bool
	GetAdvice(err *Error) string
}

type DefaultErrorHandler struct{}

func NewDefaultErrorHandler() ErrorHandler {
	return &DefaultErrorHandler{}
}

func (h *DefaultErrorHandler) Handle(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		log.Error("Unknown Error: %v", err)
		return false
	}

	log.Error("Error Detail: %v\n advice: %s", err, h.GetAdvice(e))
	return true
}

// GetAdvice returns error handling advice
func (h *DefaultErrorHandler) GetAdvice(err *Error) string {
	switch err.Type {
	case ErrDatabase:
		return "Check that the database file is writable and not locked by another process"
	case ErrSerialization:
		return "A stored payload could not be decoded; clear the affected cache stage if it persists"
	case ErrAPI:
		if err.StatusCode == 401 || err.StatusCode == 403 {
			return "Check that LLM_API_KEY is valid for the configured provider"
		}
		return "Review the provider status page or the request payload"
	case ErrRateLimit:
		return "The provider is rate limiting; lower PIPELINE_MAX_CONCURRENT or LLM_REQUESTS_PER_SECOND"
	case ErrTimeout:
		return "The provider did not answer in time; raise LLM_TIMEOUT or retry later"
	case ErrCache:
		return "The cache backend misbehaved; the pipeline continues without the affected entry"
	case ErrValidation:
		return "The requested transition is not allowed for the item's current state"
	case ErrQueue:
		return "Inspect the batch with GET /api/batches/{id}"
	case ErrIO:
		return "Check disk space and permissions for the data directory"
	case ErrConfig:
		return "Check that configuration files or environment variables are set correctly"
	case ErrQuarantined:
		return "The item exhausted its retries and needs manual reprocessing"
	default:
		return "Please review detailed error information and check relevant configuration"
	}
}

func IsErrorType(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return NewWithCause(errorType, message, err)
}

// SafeExecute runs fn and converts a panic into an Unknown error.
func SafeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = New(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
