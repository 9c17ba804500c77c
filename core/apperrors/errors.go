// Package apperrors provides the error taxonomy shared by the training and
// weights pipeline, with HTTP status mapping for the REST layer.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrTransport         = errors.New("transport error")
	ErrExtraction        = errors.New("extraction error")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrAmbiguousArtifact = errors.New("ambiguous artifact")
	ErrUpload            = errors.New("upload error")
	ErrInternal          = errors.New("internal error")
)

// Error is a classified error with optional context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // Offending input field for validation errors
	Op         string // Operation that failed (e.g. "replicate.getTraining")
	StatusCode int    // Remote HTTP status for transport errors, 0 if none
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches the
// classification as well as underlying conditions such as context.DeadlineExceeded.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Validation creates a validation error for a specific input field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
	}
}

// Transport creates an error for a failed remote call. statusCode is the
// HTTP status returned by the remote side, or 0 when no response arrived.
func Transport(op string, statusCode int, cause error) error {
	msg := fmt.Sprintf("%s: %v", op, cause)
	if cause == nil {
		msg = fmt.Sprintf("%s: remote responded with status %d", op, statusCode)
	}
	return &Error{
		Sentinel:   ErrTransport,
		Message:    msg,
		Op:         op,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// Extraction creates an error for a malformed or unsupported archive.
func Extraction(op string, cause error) error {
	return &Error{
		Sentinel: ErrExtraction,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// ArtifactNotFound reports that no file with suffix exists under root.
func ArtifactNotFound(suffix, root string) error {
	return &Error{
		Sentinel: ErrArtifactNotFound,
		Message:  fmt.Sprintf("no %s file found in %s", suffix, root),
	}
}

// AmbiguousArtifact reports that more than one file with suffix was found.
func AmbiguousArtifact(suffix string, matches []string) error {
	return &Error{
		Sentinel: ErrAmbiguousArtifact,
		Message:  fmt.Sprintf("found %d %s files, expected exactly one: %s", len(matches), suffix, strings.Join(matches, ", ")),
	}
}

// Upload creates an error for a failed blob upload of key.
func Upload(key string, cause error) error {
	return &Error{
		Sentinel: ErrUpload,
		Message:  fmt.Sprintf("upload %s: %v", key, cause),
		Op:       "upload",
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
