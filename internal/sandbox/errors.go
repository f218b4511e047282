package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout           = errors.New("execution timed out")
	ErrMemoryLimit       = errors.New("memory limit exceeded")
	ErrConcurrencyLimit  = errors.New("concurrency limit exceeded")
	ErrFunctionNotFound  = errors.New("function file not found")
	ErrEngineUnavailable = errors.New("restricted execution engine not available")
)

// SecurityError is raised on any violation of the trust boundary: unsafe
// paths, prohibited code patterns, oversized source, compilation failures,
// and ACL denials. Security errors are fail-closed and never retryable.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "security violation: " + e.Reason
}

// NewSecurityError builds a SecurityError with a formatted reason.
func NewSecurityError(format string, args ...any) *SecurityError {
	return &SecurityError{Reason: fmt.Sprintf(format, args...)}
}

// IsSecurityError reports whether err is (or wraps) a SecurityError.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// ExecutionError wraps runtime failures inside the sandbox that are not
// security violations: the user function raised, timed out, or exceeded
// its memory ceiling after passing all static checks.
type ExecutionError struct {
	Function string
	Op       string // The operation that failed
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("function %s: %s: %s", e.Function, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsMemoryLimit returns true if the error is a memory ceiling breach.
func IsMemoryLimit(err error) bool {
	return errors.Is(err, ErrMemoryLimit)
}

// IsConcurrencyLimit returns true if the error is semaphore exhaustion.
func IsConcurrencyLimit(err error) bool {
	return errors.Is(err, ErrConcurrencyLimit)
}

// IsNotFound returns true if the function file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFunctionNotFound)
}
