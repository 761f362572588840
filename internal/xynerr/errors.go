// Package xynerr defines the typed error taxonomy shared by the queue,
// executor, pack installer and HTTP surface.
package xynerr

import (
	"fmt"
	"net/http"
)

// Kind identifies a category of failure from the taxonomy in the runtime
// design: queue, executor, pack-install and store errors.
type Kind string

const (
	// Queue
	KindNoClaimAvailable   Kind = "no_claim_available"
	KindLostLease          Kind = "lost_lease"
	KindRunDeadlineExceed  Kind = "run_deadline_exceeded"
	KindStepBudgetExceeded Kind = "step_budget_exceeded"

	// Executor
	KindHandlerCrash       Kind = "handler_crash"
	KindStepHandlerError   Kind = "step_handler_error"
	KindTemplateResolution Kind = "template_resolution_error"
	KindBlueprintNotFound  Kind = "blueprint_not_found"

	// Pack install
	KindPackAlreadyInstalled   Kind = "pack_already_installed"
	KindInstallationInProgress Kind = "installation_in_progress"
	KindInstallationPrevFailed Kind = "installation_previously_failed"
	KindConflictingState       Kind = "conflicting_state"
	KindOwnershipViolation     Kind = "ownership_violation"
	KindInvariantViolation     Kind = "invariant_violation"
	KindInvalidIdentifier      Kind = "invalid_identifier"
	KindMigrationApplyFailed   Kind = "migration_apply_failed"

	// Store
	KindNotFound            Kind = "not_found"
	KindConstraintViolation Kind = "constraint_violation"
	KindConflict            Kind = "conflict"
	KindTransientDBError    Kind = "transient_db_error"
)

// httpStatus maps a Kind to its default HTTP status. Handlers may still
// override this per-endpoint (e.g. pack conflicts always answer 409).
var httpStatus = map[Kind]int{
	KindNoClaimAvailable:       http.StatusInternalServerError,
	KindLostLease:              http.StatusInternalServerError,
	KindRunDeadlineExceed:      http.StatusInternalServerError,
	KindStepBudgetExceeded:     http.StatusInternalServerError,
	KindHandlerCrash:           http.StatusInternalServerError,
	KindStepHandlerError:       http.StatusInternalServerError,
	KindTemplateResolution:     http.StatusBadRequest,
	KindBlueprintNotFound:      http.StatusBadRequest,
	KindPackAlreadyInstalled:   http.StatusConflict,
	KindInstallationInProgress: http.StatusConflict,
	KindInstallationPrevFailed: http.StatusConflict,
	KindConflictingState:       http.StatusConflict,
	KindOwnershipViolation:     http.StatusConflict,
	KindInvariantViolation:     http.StatusInternalServerError,
	KindInvalidIdentifier:      http.StatusBadRequest,
	KindMigrationApplyFailed:   http.StatusInternalServerError,
	KindNotFound:               http.StatusNotFound,
	KindConstraintViolation:    http.StatusConflict,
	KindConflict:               http.StatusConflict,
	KindTransientDBError:       http.StatusInternalServerError,
}

// Error is the structured error type surfaced across the runtime: a typed
// Kind, a human Message, the HTTP status it maps to, optional structured
// Details for the 409 typed-error body, and an optionally wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value pair to the error's Details map and
// returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given kind with the default HTTP status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus[kind]}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus[kind], Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	xe, ok := err.(*Error)
	if !ok {
		return false
	}
	return xe.Kind == kind
}

// NotFound is a convenience constructor for the common not-found case.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
}
