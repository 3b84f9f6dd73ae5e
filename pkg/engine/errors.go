package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error raised while lifting phases.
type ErrorClass string

const (
	// ErrorClassDomain indicates an expected, recoverable failure.
	// Domain errors are captured into PhaseResult.Errors and never abort sibling targets.
	ErrorClassDomain ErrorClass = "domain"

	// ErrorClassFault indicates an unexpected failure.
	// A fault fails the whole Lift-Phase call once every sibling target has finished.
	ErrorClassFault ErrorClass = "fault"

	// ErrorClassResolution indicates a phase could not be resolved for a target.
	// Resolution errors surface before any execution starts.
	ErrorClassResolution ErrorClass = "resolution"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Target is the target ID the error relates to, if applicable.
	Target string `json:"target,omitempty"`

	// Phase is the phase being lifted when the error occurred.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains structured data describing the failure.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Target != "" && e.Phase != "" {
		fmt.Fprintf(&b, " (target=%s, phase=%s)", e.Target, e.Phase)
	} else if e.Target != "" {
		fmt.Fprintf(&b, " (target=%s)", e.Target)
	} else if e.Phase != "" {
		fmt.Fprintf(&b, " (phase=%s)", e.Phase)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewDomainError creates an expected failure carrying structured details.
func NewDomainError(message string, details map[string]interface{}) *EngineError {
	return &EngineError{
		Class:   ErrorClassDomain,
		Message: message,
		Details: details,
	}
}

// NewFault creates an unexpected failure.
func NewFault(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFault,
		Message: message,
		Err:     err,
	}
}

// NewResolutionError creates a phase resolution failure.
func NewResolutionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassResolution,
		Message: message,
		Err:     err,
	}
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(targetID string) *EngineError {
	e.Target = targetID
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase string) *EngineError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsDomainError returns the domain error in err's chain, if any.
func AsDomainError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) && e.Class == ErrorClassDomain {
		return e, true
	}
	return nil, false
}

// IsDomainError returns true if the error is classified as a domain error.
func IsDomainError(err error) bool {
	_, ok := AsDomainError(err)
	return ok
}

// IsFault returns true for any non-nil error that is not a domain error.
// Anything a plan function returns that was not explicitly raised as a domain
// error is treated as unexpected.
func IsFault(err error) bool {
	return err != nil && !IsDomainError(err)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeActionFailed   = "ACTION_FAILED"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodePanic          = "PANIC"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeProvisioning   = "PROVISIONING_FAILED"
	ErrCodeNotEnoughNodes = "NOT_ENOUGH_NODES"
)

// PhaseError is the aggregated failure raised when at least one target faulted.
// It carries every PhaseResult produced before the failure was detected,
// including partial results of the faulted targets.
type PhaseError struct {
	// Message describes the failing operation.
	Message string `json:"message"`

	// Results holds every PhaseResult produced so far.
	Results []PhaseResult `json:"results"`

	// Exceptions holds one fault per failed target.
	Exceptions []error `json:"-"`

	// Cause is the first fault, in plan order.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

// Unwrap returns the original fault.
func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// AsPhaseError returns the aggregated failure in err's chain, if any.
func AsPhaseError(err error) (*PhaseError, bool) {
	var e *PhaseError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Errors returns the domain errors captured in results, or nil when there are none.
func Errors(results []PhaseResult) []*EngineError {
	var errs []*EngineError
	for _, r := range results {
		errs = append(errs, r.Errors...)
	}
	return errs
}
