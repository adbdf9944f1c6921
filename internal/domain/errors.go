package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes of the pipeline.
var (
	ErrConfig             = errors.New("invalid configuration")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrLengthMismatch     = errors.New("length mismatch")
	ErrIntegrity          = errors.New("index integrity violation")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrParse              = errors.New("malformed structured output")
)

// ConfigError reports an invalid parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError creates a ConfigError.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DimensionMismatchError is returned when a vector does not match the index dimension.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: index has %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// LengthMismatchError is returned when parallel slices differ in length.
type LengthMismatchError struct {
	What  string
	Left  int
	Right int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s: %s (%d != %d)", ErrLengthMismatch, e.What, e.Left, e.Right)
}

func (e *LengthMismatchError) Unwrap() error { return ErrLengthMismatch }

// IntegrityError reports persisted index state that cannot be trusted.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrIntegrity, e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// ServiceError wraps a failed call to an external embedding, generation or
// reranking service. Retryable is a hint for the caller; nothing is retried
// internally.
type ServiceError struct {
	Service   string
	Op        string
	Retryable bool
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrServiceUnavailable, e.Service, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ServiceError) Unwrap() []error { return []error{ErrServiceUnavailable, e.Err} }

// ParseError reports generation output that could not be parsed.
type ParseError struct {
	Expected string
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: expected %s: %v", ErrParse, e.Expected, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }
