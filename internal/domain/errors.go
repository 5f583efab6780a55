package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation errors are terminal and surface to the caller;
// transient I/O errors are retried with backoff; an ambiguous placement is
// resolved by a status query before anything is retried; invariant
// violations are bugs and suspend trading.

// ValidationError marks input that violates a pre-condition. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransientIOError marks a network fault, timeout or rate limit.
// Retryable with exponential backoff.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient i/o failure in %s", e.Op)
	}
	return fmt.Sprintf("transient i/o failure in %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable transient failure.
func NewTransientError(op string, err error) error {
	return &TransientIOError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientIOError.
func IsTransient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

// AmbiguousPlacementError marks an exchange write whose outcome is unknown,
// typically a timeout mid-request. The affected pair is blocked for writes
// until a reconciler resolves the order by idempotency key.
type AmbiguousPlacementError struct {
	Pair           string
	IdempotencyKey string
	Err            error
}

func (e *AmbiguousPlacementError) Error() string {
	return fmt.Sprintf("ambiguous placement on %s (key %s): %v", e.Pair, e.IdempotencyKey, e.Err)
}

func (e *AmbiguousPlacementError) Unwrap() error { return e.Err }

// IsAmbiguous reports whether err is (or wraps) an AmbiguousPlacementError.
func IsAmbiguous(err error) bool {
	var a *AmbiguousPlacementError
	return errors.As(err, &a)
}

// ExchangeRejectedError marks an order that came back Rejected or Expired.
// State is left unchanged.
type ExchangeRejectedError struct {
	OrderID OrderID
	Status  string
}

func (e *ExchangeRejectedError) Error() string {
	return fmt.Sprintf("order %s rejected by exchange: %s", e.OrderID, e.Status)
}

// IsRejected reports whether err is (or wraps) an ExchangeRejectedError.
func IsRejected(err error) bool {
	var r *ExchangeRejectedError
	return errors.As(err, &r)
}

// InvariantViolationError marks a broken aggregate contract. Treated as a
// bug: full state is logged and trading is suspended.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

// NewInvariantViolation builds an InvariantViolationError.
func NewInvariantViolation(invariant, format string, args ...any) error {
	return &InvariantViolationError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is (or wraps) an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var i *InvariantViolationError
	return errors.As(err, &i)
}

// ConfigurationError marks a config file invalid on load or hot reload.
// On hot reload the previous config is retained and the engine continues.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigurationError for a named field.
func NewConfigError(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
