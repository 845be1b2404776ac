package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound returns true if the error marks a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassBusy indicates the target lock is held elsewhere.
	// Callers re-queue with backoff; the error never reaches users.
	ErrorClassBusy ErrorClass = "busy"

	// ErrorClassPolicyRejected indicates a policy pre or post hook
	// vetoed the action. User-visible; the action fails.
	ErrorClassPolicyRejected ErrorClass = "policy_rejected"

	// ErrorClassDriverTransient indicates a driver failure the driver
	// classified as retryable. Retried automatically with backoff.
	ErrorClassDriverTransient ErrorClass = "driver_transient"

	// ErrorClassDriverPermanent indicates a non-recoverable driver
	// failure. The action fails and dependents are cancelled.
	ErrorClassDriverPermanent ErrorClass = "driver_permanent"

	// ErrorClassTimeout indicates the action exceeded its maximum run
	// time. Treated like a permanent driver failure.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassOwnershipLost indicates this instance's lock was broken
	// out from under it by a reassignment. The executor abandons all
	// further writes for the action; the new owner is authoritative.
	ErrorClassOwnershipLost ErrorClass = "ownership_lost"

	// ErrorClassInternal indicates an engine-side failure that is
	// neither a driver nor a policy outcome (store errors, bad input).
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with target context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Target is the cluster/node ID involved, if applicable.
	Target string `json:"target,omitempty"`

	// ActionID is the action involved, if applicable.
	ActionID string `json:"action_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target=%s)", e.Target)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
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
	return e.Class == t.Class
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithAction adds action context to an error.
func (e *EngineError) WithAction(actionID string) *EngineError {
	e.ActionID = actionID
	return e
}

// NewBusyError creates a lock-unavailable error.
func NewBusyError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassBusy, Message: message, Err: err}
}

// NewPolicyRejectedError creates a policy-veto error.
func NewPolicyRejectedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPolicyRejected, Message: message, Err: err}
}

// NewDriverTransientError creates a retryable driver error.
func NewDriverTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDriverTransient, Message: message, Err: err}
}

// NewDriverPermanentError creates a non-recoverable driver error.
func NewDriverPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDriverPermanent, Message: message, Err: err}
}

// NewTimeoutError creates an action-timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTimeout, Message: message, Err: err}
}

// NewOwnershipLostError creates an ownership-lost error.
func NewOwnershipLostError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassOwnershipLost, Message: message, Err: err}
}

// NewInternalError creates an engine-internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassInternal, Message: message, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsBusy returns true if the error is a lock-unavailable error.
func IsBusy(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassBusy
}

// IsPolicyRejected returns true if a policy hook vetoed the action.
func IsPolicyRejected(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPolicyRejected
}

// IsTimeout returns true if the action exceeded its run time.
func IsTimeout(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTimeout
}

// IsOwnershipLost returns true if the instance lost the target lock.
func IsOwnershipLost(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassOwnershipLost
}

// IsRetryable returns true if the executor may retry the driver call.
// Only transient driver failures are retried; Busy is handled by the
// scheduler's re-queue path, not the executor.
func IsRetryable(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDriverTransient
}
