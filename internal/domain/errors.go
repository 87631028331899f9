package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ErrorKind classifies a stage failure. The kind string is part of the
// status contract and also drives the retry policy.
type ErrorKind string

const (
	ErrKindValidation          ErrorKind = "ValidationError"
	ErrKindServiceUnconfigured ErrorKind = "ServiceUnconfigured"
	ErrKindAPI                 ErrorKind = "ApiError"
	ErrKindScanner             ErrorKind = "ScannerError"
	ErrKindScannerTimeout      ErrorKind = "ScannerTimeout"
	ErrKindInternal            ErrorKind = "InternalError"
)

// StageError is a classified failure from a pipeline stage or a
// collaborator call.
type StageError struct {
	Kind    ErrorKind
	Message string
}

func (e *StageError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewStageError builds a classified stage error with a formatted message.
func NewStageError(kind ErrorKind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the StageError wrapped in err, or wraps err as an
// InternalError when it carries no classification.
func Classify(err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: ErrKindInternal, Message: err.Error()}
}
