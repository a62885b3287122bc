// Package errors provides structured error types for conductor.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for conductor.
const (
	// Contention errors (recoverable by retry or picking other work)
	CodeClaimLost      Code = "CLAIM_LOST"
	CodeLockHeld       Code = "LOCK_HELD"
	CodeVersionExpired Code = "VERSION_EXPIRED"

	// Validation errors (surfaced to caller, never silently corrected)
	CodeDependencyCycle   Code = "DEPENDENCY_CYCLE"
	CodePhaseUnknown      Code = "PHASE_UNKNOWN"
	CodeTransitionInvalid Code = "TRANSITION_INVALID"
	CodeStatusInvalid     Code = "STATUS_INVALID"

	// Gate outcomes (not failures, but surfaced with structure)
	CodeGateRejected Code = "GATE_REJECTED"

	// Entity lookup
	CodeTaskNotFound    Code = "TASK_NOT_FOUND"
	CodeTicketNotFound  Code = "TICKET_NOT_FOUND"
	CodeJoinNotFound    Code = "JOIN_NOT_FOUND"
	CodeSandboxNotFound Code = "SANDBOX_NOT_FOUND"

	// External failures
	CodeSpawnFailed   Code = "SANDBOX_SPAWN_FAILED"
	CodeMergeConflict Code = "MERGE_CONFLICT"
	CodeTransportDown Code = "EVENT_TRANSPORT_DOWN"
	CodeMaxRetries    Code = "MAX_RETRIES_EXCEEDED"

	// Corruption (fatal for the operation, record quarantined)
	CodeCorruptRecord Code = "CORRUPT_RECORD"
)

// Category groups error codes for classification and HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryContention
	CategoryValidation
	CategoryNotFound
	CategoryTransient
	CategoryPermanent
	CategoryCorruption
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeClaimLost:         CategoryContention,
	CodeLockHeld:          CategoryContention,
	CodeVersionExpired:    CategoryContention,
	CodeDependencyCycle:   CategoryValidation,
	CodePhaseUnknown:      CategoryValidation,
	CodeTransitionInvalid: CategoryValidation,
	CodeStatusInvalid:     CategoryValidation,
	CodeGateRejected:      CategoryValidation,
	CodeTaskNotFound:      CategoryNotFound,
	CodeTicketNotFound:    CategoryNotFound,
	CodeJoinNotFound:      CategoryNotFound,
	CodeSandboxNotFound:   CategoryNotFound,
	CodeSpawnFailed:       CategoryTransient,
	CodeTransportDown:     CategoryTransient,
	CodeMergeConflict:     CategoryPermanent,
	CodeMaxRetries:        CategoryPermanent,
	CodeCorruptRecord:     CategoryCorruption,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryContention:
		return 409
	case CategoryValidation:
		return 400
	case CategoryNotFound:
		return 404
	case CategoryTransient:
		return 503
	case CategoryPermanent:
		return 500
	case CategoryCorruption:
		return 500
	default:
		return 500
	}
}

// Retryable reports whether errors in this category may be retried locally.
func (c Category) Retryable() bool {
	return c == CategoryContention || c == CategoryTransient
}

// Error is the structured error type for conductor.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Category returns the error category.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// Retryable reports whether the error may be retried locally.
func (e *Error) Retryable() bool {
	return e.Category().Retryable()
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// MarshalJSON implements json.Marshaler, including the cause message.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// --- Error constructors ---

// ErrClaimLost indicates a claim race was lost to another orchestrator.
func ErrClaimLost(taskID string) *Error {
	return &Error{
		Code: CodeClaimLost,
		What: fmt.Sprintf("task %s was claimed by another worker", taskID),
		Why:  "The status-guarded claim update matched zero rows",
		Fix:  "Pick another eligible task; this is a normal race outcome",
	}
}

// ErrLockHeld indicates a resource lock could not be acquired.
func ErrLockHeld(resourceType, resourceID, owner string) *Error {
	return &Error{
		Code: CodeLockHeld,
		What: fmt.Sprintf("%s resource %q is locked", resourceType, resourceID),
		Why:  fmt.Sprintf("An active lock is held by task %s", owner),
		Fix:  "Defer the task until the lock is released or expires",
	}
}

// ErrVersionExpired indicates an optimistic-concurrency write lost a race.
func ErrVersionExpired(ticketID string, version int64) *Error {
	return &Error{
		Code: CodeVersionExpired,
		What: fmt.Sprintf("ticket %s was modified concurrently", ticketID),
		Why:  fmt.Sprintf("Expected version %d no longer matches", version),
		Fix:  "Reload the ticket and re-apply the change, or abort",
	}
}

// ErrDependencyCycle indicates a task dependency cycle.
func ErrDependencyCycle(taskID string) *Error {
	return &Error{
		Code: CodeDependencyCycle,
		What: fmt.Sprintf("task %s would create a dependency cycle", taskID),
		Why:  "Task dependencies must form a DAG",
		Fix:  "Remove the dependency that closes the cycle",
	}
}

// ErrPhaseUnknown indicates a phase id not present in the registry.
func ErrPhaseUnknown(projectID, phaseID string) *Error {
	return &Error{
		Code: CodePhaseUnknown,
		What: fmt.Sprintf("phase %q is not defined for project %s", phaseID, projectID),
		Why:  "Tickets may only reference phases registered for their project",
		Fix:  "Register the phase or correct the phase id",
	}
}

// ErrTransitionInvalid indicates a phase transition outside allowed_next.
func ErrTransitionInvalid(ticketID, from, to string) *Error {
	return &Error{
		Code: CodeTransitionInvalid,
		What: fmt.Sprintf("ticket %s cannot move from %s to %s", ticketID, from, to),
		Why:  "The target phase is not in the current phase's allowed transitions",
		Fix:  "Use a discovery or manual-override transition if this is intended",
	}
}

// ErrStatusInvalid indicates an illegal task status transition.
func ErrStatusInvalid(taskID, from, to string) *Error {
	return &Error{
		Code: CodeStatusInvalid,
		What: fmt.Sprintf("task %s cannot move from %s to %s", taskID, from, to),
		Why:  "Task status transitions follow pending→assigned→running→terminal",
		Fix:  "Check the task's current status before requesting the transition",
	}
}

// ErrGateRejected indicates unsatisfied done-criteria or missing artifacts.
func ErrGateRejected(ticketID string, failing []string) *Error {
	return &Error{
		Code: CodeGateRejected,
		What: fmt.Sprintf("ticket %s failed its phase gate", ticketID),
		Why:  fmt.Sprintf("Unsatisfied criteria: %s", strings.Join(failing, "; ")),
		Fix:  "Attach satisfied evidence records or produce the expected artifacts",
	}
}

// ErrTaskNotFound indicates a missing task.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
	}
}

// ErrTicketNotFound indicates a missing ticket.
func ErrTicketNotFound(id string) *Error {
	return &Error{
		Code: CodeTicketNotFound,
		What: fmt.Sprintf("ticket %s not found", id),
	}
}

// ErrJoinNotFound indicates a missing join registration.
func ErrJoinNotFound(id string) *Error {
	return &Error{
		Code: CodeJoinNotFound,
		What: fmt.Sprintf("join %s not found", id),
	}
}

// ErrSandboxNotFound indicates a missing sandbox.
func ErrSandboxNotFound(id string) *Error {
	return &Error{
		Code: CodeSandboxNotFound,
		What: fmt.Sprintf("sandbox %s not found", id),
	}
}

// ErrSpawnFailed indicates a sandbox spawn failure (transient).
func ErrSpawnFailed(taskID string, cause error) *Error {
	return &Error{
		Code:  CodeSpawnFailed,
		What:  fmt.Sprintf("failed to spawn sandbox for task %s", taskID),
		Why:   "Workspace preparation or runtime start failed",
		Fix:   "Retried automatically with backoff; check the repository and runtime",
		Cause: cause,
	}
}

// ErrMergeConflict indicates an irresolvable branch merge conflict.
func ErrMergeConflict(continuationID, branch string, cause error) *Error {
	return &Error{
		Code:  CodeMergeConflict,
		What:  fmt.Sprintf("merge conflict converging branch %s for task %s", branch, continuationID),
		Why:   "Conflict resolution attempts were exhausted",
		Fix:   "Resolve the conflict manually, then resume the continuation task",
		Cause: cause,
	}
}

// ErrTransportDown indicates the event transport is unreachable.
func ErrTransportDown(cause error) *Error {
	return &Error{
		Code:  CodeTransportDown,
		What:  "event bus transport is unreachable",
		Why:   "Remote publish or subscribe failed after bounded retries",
		Fix:   "Local delivery continues; check the broker connection",
		Cause: cause,
	}
}

// ErrMaxRetries indicates retry exhaustion for a task.
func ErrMaxRetries(taskID string, attempts int) *Error {
	return &Error{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %s failed after %d attempts", taskID, attempts),
		Why:  "Maximum retry attempts exceeded without successful completion",
		Fix:  "A bug discovery was recorded; human intervention required",
	}
}

// ErrCorruptRecord indicates an invariant violated at read time.
func ErrCorruptRecord(entity, id, detail string) *Error {
	return &Error{
		Code: CodeCorruptRecord,
		What: fmt.Sprintf("%s %s violates a persisted invariant", entity, id),
		Why:  detail,
		Fix:  "The record has been quarantined; operator attention required",
	}
}

// AsError attempts to convert err to a *Error, returning nil otherwise.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	e := AsError(err)
	return e != nil && e.Code == code
}

// Wrap wraps a generic error with an unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
