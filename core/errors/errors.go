package errors

import (
	"errors"
	"time"
)

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryFormatInvalid   Category = "format_invalid"
	CategoryCryptoFailed    Category = "crypto_failed"
	CategoryIOFailure       Category = "io_failure"
	CategoryStateContention Category = "state_contention"
	CategoryCorruption      Category = "corruption_detected"
	CategoryInternalFailure Category = "internal_failure"
)

type classifiedError struct {
	category   Category
	code       string
	hint       string
	retryable  bool
	retryAfter time.Duration
	cause      error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func (e *classifiedError) RetryAfter() time.Duration {
	return e.retryAfter
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// WrapRetryAfter wraps a retryable error together with a backoff hint callers
// can honor before retrying. Used for session lock contention.
func WrapRetryAfter(cause error, category Category, code, hint string, retryAfter time.Duration) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:   category,
		code:       code,
		hint:       hint,
		retryable:  true,
		retryAfter: retryAfter,
		cause:      cause,
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// RetryAfterOf reports the backoff hint carried by a retryable error, or zero
// when the error carries none.
func RetryAfterOf(err error) time.Duration {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryAfter
	}
	return 0
}
