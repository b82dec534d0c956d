package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMedia rejects an upload at intake; no job is created.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrStorageUnavailable covers every object store failure. Attempts
	// failing with it are retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrEncode is a decode, resize or encode failure inside an attempt.
	ErrEncode = errors.New("encode failed")
	// ErrLocationLookup is a reverse geocoding failure.
	ErrLocationLookup = errors.New("location lookup failed")
	ErrNotFound       = errors.New("not found")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedMedia, fmt.Sprintf(format, args...))
}

// Retryable reports whether a job attempt that failed with err may run again.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnsupportedMedia):
		return false
	default:
		return true
	}
}
