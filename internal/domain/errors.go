package domain

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies every non-Applied outcome.
type Reason string

const (
	ReasonNotAllowedInState Reason = "NotAllowedInState"
	ReasonPermissionDenied  Reason = "PermissionDenied"
	ReasonLockTimeout       Reason = "LockTimeout"
	ReasonLockExpired       Reason = "LockExpired"
	ReasonConflictDetected  Reason = "ConflictDetected"
	ReasonUnknownProject    Reason = "UnknownProject"
	ReasonUnknownSession    Reason = "UnknownSession"
	ReasonInternalInvariant Reason = "InternalInvariantViolation"
	ReasonInvalidCommand    Reason = "InvalidCommand"
	ReasonRateLimited       Reason = "RateLimited"
)

// Broadcast reports whether errors of this reason are shared with the whole project.
func (r Reason) Broadcast() bool {
	return r == ReasonLockExpired || r == ReasonConflictDetected
}

// Error is the typed error carried across component boundaries.
type Error struct {
	Reason     Reason
	Message    string
	Required   PermissionLevel
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Errorf builds a typed error.
func Errorf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reason from err, or InternalInvariantViolation for untyped errors.
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonInternalInvariant
}

// ResultStatus is the outcome kind of a command.
type ResultStatus string

const (
	StatusApplied  ResultStatus = "applied"
	StatusRejected ResultStatus = "rejected"
	StatusPending  ResultStatus = "pending"
)

// Result is returned by the synchronizer for every command.
type Result struct {
	Status       ResultStatus    `json:"status" enum:"applied,rejected,pending"`
	RequestID    string          `json:"request_id"`
	Command      CommandName     `json:"command"`
	Event        *Event          `json:"event,omitempty"`
	State        *ProjectState   `json:"state,omitempty"`
	Reason       Reason          `json:"reason,omitempty"`
	Message      string          `json:"message,omitempty"`
	Required     PermissionLevel `json:"required_level,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
}

// Applied builds an Applied result.
func Applied(requestID string, name CommandName, ev *Event, st *ProjectState) Result {
	return Result{Status: StatusApplied, RequestID: requestID, Command: name, Event: ev, State: st}
}

// Rejected builds a Rejected result from a typed error.
func Rejected(requestID string, name CommandName, err error) Result {
	res := Result{Status: StatusRejected, RequestID: requestID, Command: name, Reason: ReasonOf(err), Message: err.Error()}
	var de *Error
	if errors.As(err, &de) {
		res.Required = de.Required
		if de.Message != "" {
			res.Message = de.Message
		}
	}
	return res
}

// Pending builds a Pending result with a suggested retry delay.
func Pending(requestID string, name CommandName, retryAfter time.Duration) Result {
	return Result{
		Status:       StatusPending,
		RequestID:    requestID,
		Command:      name,
		Reason:       ReasonLockTimeout,
		Message:      "resource busy; retry later",
		RetryAfterMS: retryAfter.Milliseconds(),
	}
}
