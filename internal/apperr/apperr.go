// Package apperr holds the error taxonomy shared by the split calculator,
// the reconciliation validator and the workflow committer.
package apperr

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-readable code surfaced to the admin UI.
type Reason string

const (
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonUnknownRequest      Reason = "unknown_request"
	ReasonWrongExpense        Reason = "wrong_expense"
	ReasonAlreadyProcessed    Reason = "already_processed"
	ReasonConflictingDecision Reason = "conflicting_decision"
	ReasonUnknownItem         Reason = "unknown_item"
	ReasonEmptyItem           Reason = "empty_item"
	ReasonPendingDecisions    Reason = "pending_decisions"
	ReasonNoApprovedChanges   Reason = "no_approved_changes"
	ReasonValidationMismatch  Reason = "validation_mismatch"
	ReasonCriticalUnresolved  Reason = "critical_unresolved"
	ReasonStalePreview        Reason = "stale_preview"
)

var (
	ErrForbidden        = errors.New("admin capability required")
	ErrExpenseNotFound  = errors.New("expense not found")
	ErrApplyInProgress  = errors.New("another apply for this expense is in progress")
	ErrCommitInProgress = errors.New("another commit for this expense is in progress")
)

// ValidationError reports bad input or an unappliable split. No state was mutated.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Message)
}

func Validation(reason Reason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ExternalServiceError means the ledger was unreachable or refused the update.
// The internal store has not been touched and the whole apply can be retried.
type ExternalServiceError struct {
	ExpenseID string
	Err       error
}

func (e *ExternalServiceError) Error() string {
	if e.ExpenseID == "" {
		return fmt.Sprintf("ledger request failed: %v", e.Err)
	}
	return fmt.Sprintf("ledger update for expense %s failed: %v", e.ExpenseID, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// CriticalInconsistencyError means the ledger holds (or may hold) the new split
// while the mirror does not. It requires manual reconciliation and must not be retried.
type CriticalInconsistencyError struct {
	ExpenseID string
	Err       error
}

func (e *CriticalInconsistencyError) Error() string {
	return fmt.Sprintf("CRITICAL: ledger and mirror diverged for expense %s, requires manual reconciliation: %v", e.ExpenseID, e.Err)
}

func (e *CriticalInconsistencyError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsExternal(err error) bool {
	var x *ExternalServiceError
	return errors.As(err, &x)
}

func IsCritical(err error) bool {
	var c *CriticalInconsistencyError
	return errors.As(err, &c)
}

// ReasonOf returns the validation reason carried by err, or "" when err is not a ValidationError.
func ReasonOf(err error) Reason {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return ""
}
