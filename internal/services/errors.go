package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRecoverableExtraction = errors.New("recoverable extraction error")
	ErrFatalMedia            = errors.New("fatal media error")
	ErrStateCorruption       = errors.New("state store corruption")
	ErrTimeout               = errors.New("timeout")
	ErrValidation            = errors.New("validation error")
	ErrConfiguration         = errors.New("configuration error")
	ErrNotFound              = errors.New("not found")
	ErrTransient             = errors.New("transient failure")
)

// ErrorKind is the persisted classification of a work unit failure.
type ErrorKind string

const (
	KindRecoverableExtraction ErrorKind = "recoverable_extraction"
	KindFatalMedia            ErrorKind = "fatal_media"
	KindStateCorruption       ErrorKind = "state_store_corruption"
	KindTimeout               ErrorKind = "timeout"
	KindValidation            ErrorKind = "validation"
	KindConfiguration         ErrorKind = "configuration"
	KindNotFound              ErrorKind = "not_found"
	KindCanceled              ErrorKind = "canceled"
	KindTransient             ErrorKind = "transient"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error to the classification recorded in pipeline state.
// Deadline expiry counts as a timeout even when no marker was attached.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStateCorruption):
		return KindStateCorruption
	case errors.Is(err, ErrFatalMedia):
		return KindFatalMedia
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRecoverableExtraction):
		return KindRecoverableExtraction
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindTransient
	}
}

// IsRecoverable reports whether a failed unit may be retried.
func IsRecoverable(err error) bool {
	switch Kind(err) {
	case KindRecoverableExtraction, KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must close the run.
func IsFatal(err error) bool {
	switch Kind(err) {
	case KindStateCorruption, KindConfiguration:
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
