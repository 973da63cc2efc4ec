/*
errors.go - Error taxonomy for the ledger and settlement saga

PURPOSE:
  All error kinds in one place. Callers only ever see one of these kinds
  plus the figures needed to act (e.g. the derived remaining balance),
  never a raw store error.

ERROR CATEGORIES:
  1. Caller errors   - AuthError, NotFoundError, InsufficientBalanceError,
                       EmptyAcknowledgmentError, ErrInvalidRequest
  2. Retry signals   - ErrConcurrentModification, TransactionAbortedError
  3. Operator alarms - CriticalIntegrityError, IrrecoverableStateError
  4. Non-fatal       - NotificationDeliveryError (logged, never returned)

  Operator alarms must stay distinguishable from ordinary failures:
  "nothing happened" vs "something is now inconsistent".

USAGE:
  var insufficient *ledger.InsufficientBalanceError
  if errors.As(err, &insufficient) {
      fmt.Println(insufficient.Remaining)
  }
  if errors.Is(err, ledger.ErrIrrecoverableState) {
      // page someone
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnauthenticated        = errors.New("no verified actor")
	ErrMembershipNotFound     = errors.New("membership not found")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrFlagNotFound           = errors.New("reconciliation flag not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrIntegrityViolation     = errors.New("balance integrity violation")
	ErrTransactionAborted     = errors.New("transaction aborted")
	ErrIrrecoverableState     = errors.New("manual reconciliation required")
	ErrEmptyAcknowledgment    = errors.New("empty acknowledgment payload")
	ErrAlreadyAcknowledged    = errors.New("ledger entry already acknowledged")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrNotificationDelivery   = errors.New("notification delivery failed")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrDuplicateID            = errors.New("duplicate id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AuthError is returned when no authenticated actor is present.
type AuthError struct {
	Operation string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: no verified actor", e.Operation)
}

func (e *AuthError) Unwrap() error { return ErrUnauthenticated }

// NotFoundError reports an unknown membership, entry or flag.
type NotFoundError struct {
	Kind string // "membership", "entry", "flag"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	switch e.Kind {
	case "entry":
		return ErrEntryNotFound
	case "flag":
		return ErrFlagNotFound
	default:
		return ErrMembershipNotFound
	}
}

// MembershipNotFound builds the not-found error for a membership.
func MembershipNotFound(id MembershipID) error {
	return &NotFoundError{Kind: "membership", ID: string(id)}
}

// EntryNotFound builds the not-found error for a ledger entry.
func EntryNotFound(id EntryID) error {
	return &NotFoundError{Kind: "entry", ID: string(id)}
}

// FlagNotFound builds the not-found error for a reconciliation flag.
func FlagNotFound(id string) error {
	return &NotFoundError{Kind: "flag", ID: id}
}

// InsufficientBalanceError reports a derived balance below the request.
type InsufficientBalanceError struct {
	MembershipID MembershipID
	Remaining    decimal.Decimal // derived, not cached
	Requested    decimal.Decimal
	Shortfall    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: remaining %s, requested %s, shortfall %s",
		e.MembershipID, e.Remaining.String(), e.Requested.String(), e.Shortfall.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CriticalIntegrityError means Total != Remaining + Used after arithmetic
// that should make that impossible. It indicates upstream ledger corruption.
type CriticalIntegrityError struct {
	MembershipID MembershipID
	Total        decimal.Decimal
	Remaining    decimal.Decimal
	Used         decimal.Decimal
}

func (e *CriticalIntegrityError) Error() string {
	return fmt.Sprintf("critical integrity violation on %s: total %s != remaining %s + used %s",
		e.MembershipID, e.Total.String(), e.Remaining.String(), e.Used.String())
}

func (e *CriticalIntegrityError) Unwrap() error { return ErrIntegrityViolation }

// AbortReason says why a settlement was voided.
type AbortReason string

const (
	AbortStepFailed AbortReason = "step_failed"
	AbortCompliance AbortReason = "compliance_log_failed"
	AbortRolledBack AbortReason = "transaction_rolled_back"
)

// TransactionAbortedError means a saga step failed and every completed step
// was compensated. No partial state is left; the caller may retry.
type TransactionAbortedError struct {
	MembershipID MembershipID
	Step         string
	Reason       AbortReason
	Cause        error
}

func (e *TransactionAbortedError) Error() string {
	if e.Reason == AbortCompliance {
		return fmt.Sprintf("settlement on %s voided: compliance log could not be written, please retry: %v",
			e.MembershipID, e.Cause)
	}
	return fmt.Sprintf("settlement on %s aborted at %s, please retry: %v", e.MembershipID, e.Step, e.Cause)
}

func (e *TransactionAbortedError) Unwrap() []error { return []error{ErrTransactionAborted, e.Cause} }

// IrrecoverableStateError means compensation itself failed. The membership
// needs manual reconciliation; automated retry must stop.
type IrrecoverableStateError struct {
	MembershipID    MembershipID
	EntryID         EntryID
	FailedStep      string // the forward step that failed
	CompensateStep  string // the undo that failed
	Cause           error
	CompensationErr error
	FlagID          string // empty if the flag could not be persisted
}

func (e *IrrecoverableStateError) Error() string {
	return fmt.Sprintf("manual reconciliation required on %s: %s failed (%v) and undo of %s failed (%v)",
		e.MembershipID, e.FailedStep, e.Cause, e.CompensateStep, e.CompensationErr)
}

func (e *IrrecoverableStateError) Unwrap() error { return ErrIrrecoverableState }

// EmptyAcknowledgmentError rejects a missing signature payload.
type EmptyAcknowledgmentError struct {
	EntryID EntryID
}

func (e *EmptyAcknowledgmentError) Error() string {
	return fmt.Sprintf("acknowledgment of %s rejected: empty payload", e.EntryID)
}

func (e *EmptyAcknowledgmentError) Unwrap() error { return ErrEmptyAcknowledgment }

// NotificationDeliveryError is logged and never escalated.
type NotificationDeliveryError struct {
	MemberID MemberID
	Cause    error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notification to %s failed: %v", e.MemberID, e.Cause)
}

func (e *NotificationDeliveryError) Unwrap() error { return ErrNotificationDelivery }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTransactionAborted)
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrEmptyAcknowledgment) ||
		errors.Is(err, ErrAlreadyAcknowledged)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMembershipNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrFlagNotFound)
}

// IsOperatorAlarm returns true for errors that mean state may be inconsistent.
func IsOperatorAlarm(err error) bool {
	return errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrIrrecoverableState)
}
