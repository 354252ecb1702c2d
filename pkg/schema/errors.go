package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeCapability     = "CAPABILITY_ERROR"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeUnresolvedRef  = "UNRESOLVED_REFERENCE"
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeStore          = "STORE_ERROR"
)

// StrandError is the structured error type for all engine operations.
type StrandError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StrandError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StrandError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StrandError.
func NewError(code, message string) *StrandError {
	return &StrandError{Code: code, Message: message}
}

// NewErrorf creates a new StrandError with a formatted message.
func NewErrorf(code, format string, args ...any) *StrandError {
	return &StrandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StrandError) WithStep(stepID string) *StrandError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StrandError) WithCause(err error) *StrandError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StrandError) WithDetails(details map[string]any) *StrandError {
	e.Details = details
	return e
}

// IsRetryable reports whether a retry policy may re-attempt a step that
// failed with this error. Budget aborts, cancellation, and validation
// failures are terminal; everything else is subject to the step's policy.
func (e *StrandError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeBudgetExceeded, ErrCodeCancelled, ErrCodeValidation,
		ErrCodeCycleDetected, ErrCodeUnresolvedRef, ErrCodeRetryExhausted:
		return false
	}
	return true
}
