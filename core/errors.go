package core

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed tool invocation.
type FailureKind string

const (
	FailurePolicyViolation  FailureKind = "policy_violation"
	FailurePathViolation    FailureKind = "path_violation"
	FailureToolTimeout      FailureKind = "tool_timeout"
	FailureToolFailure      FailureKind = "tool_failure"
	FailureInvalidArguments FailureKind = "invalid_arguments"
	FailureUnknownTool      FailureKind = "unknown_tool"
)

var (
	ErrPolicyViolation = errors.New("policy violation")
	ErrPathViolation   = errors.New("path violation")
	ErrToolTimeout     = errors.New("tool timeout")
	ErrInvalidArgs     = errors.New("invalid arguments")

	ErrOracleTransient = errors.New("oracle transient error")
	ErrOracleFatal     = errors.New("oracle fatal error")

	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrStalled        = errors.New("stalled loop")
)

// ToolFailure is the typed failure record carried by an observation.
type ToolFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *ToolFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap maps failure kinds onto the sentinel errors so callers can use errors.Is.
func (f *ToolFailure) Unwrap() error {
	switch f.Kind {
	case FailurePolicyViolation:
		return ErrPolicyViolation
	case FailurePathViolation:
		return ErrPathViolation
	case FailureToolTimeout:
		return ErrToolTimeout
	case FailureInvalidArguments:
		return ErrInvalidArgs
	}
	return nil
}

// FailureFromError converts a handler error into a ToolFailure, keeping the
// kind of wrapped sentinels.
func FailureFromError(err error) *ToolFailure {
	var tf *ToolFailure
	if errors.As(err, &tf) {
		return tf
	}
	kind := FailureToolFailure
	switch {
	case errors.Is(err, ErrPolicyViolation):
		kind = FailurePolicyViolation
	case errors.Is(err, ErrPathViolation):
		kind = FailurePathViolation
	case errors.Is(err, ErrToolTimeout):
		kind = FailureToolTimeout
	case errors.Is(err, ErrInvalidArgs):
		kind = FailureInvalidArguments
	}
	return &ToolFailure{Kind: kind, Message: err.Error()}
}

// Observation is the value every tool bus call returns.
type Observation struct {
	Text    string       `json:"text"`
	Failure *ToolFailure `json:"failure,omitempty"`
}

// Failed reports whether the observation carries a failure.
func (o Observation) Failed() bool { return o.Failure != nil }

// String renders the observation as the loop sees it.
func (o Observation) String() string {
	if o.Failure != nil {
		return "error: " + o.Failure.Error()
	}
	return o.Text
}

// Fail builds a failed observation.
func Fail(kind FailureKind, format string, args ...any) Observation {
	return Observation{Failure: &ToolFailure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// OracleError wraps a decision oracle failure.
type OracleError struct {
	Transient bool
	Err       error
}

func (e *OracleError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("oracle %s: %v", kind, e.Err)
}

func (e *OracleError) Unwrap() []error {
	if e.Transient {
		return []error{ErrOracleTransient, e.Err}
	}
	return []error{ErrOracleFatal, e.Err}
}

// Transient marks err as retryable.
func Transient(err error) error { return &OracleError{Transient: true, Err: err} }

// Fatal marks err as not retryable.
func Fatal(err error) error { return &OracleError{Err: err} }

// IsTransient reports whether err should be retried by the oracle guard.
func IsTransient(err error) bool {
	return errors.Is(err, ErrOracleTransient)
}
