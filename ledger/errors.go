/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As or the Is* helpers
  instead of matching strings.

ERROR CATEGORIES:
  1. Validation     - malformed input, rejected before any write
  2. State conflict - locked period/entry, lock races, workflow order
  3. Soft precondition - "are you sure?" blocks that need an acknowledgement
  4. Not found      - always scoped by workspace
  5. Import         - batch-level import failures

USAGE:
  if errors.Is(err, ledger.ErrPeriodLocked) {
      // present "this period is locked", not "your input is wrong"
  }

SEE ALSO:
  - balance.go: Produces validation errors
  - ../fiscal: Produces state conflicts and soft preconditions
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
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	ErrUnbalancedEntry   = fmt.Errorf("%w: entry does not balance", ErrValidation)
	ErrInvalidLine       = fmt.Errorf("%w: line must have exactly one of debit or credit", ErrValidation)
	ErrTooFewLines       = fmt.Errorf("%w: entry needs at least two lines", ErrValidation)
	ErrInvalidAccount    = fmt.Errorf("%w: invalid account number", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrDateOutsidePeriod = fmt.Errorf("%w: date outside fiscal period", ErrValidation)

	// ErrConflict is the parent of every state conflict.
	ErrConflict = errors.New("state conflict")

	ErrPeriodLocked  = fmt.Errorf("%w: fiscal period is locked", ErrConflict)
	ErrEntryLocked   = fmt.Errorf("%w: journal entry is locked", ErrConflict)
	ErrAlreadyLocked = fmt.Errorf("%w: fiscal period already locked", ErrConflict)
	ErrNotLocked     = fmt.Errorf("%w: fiscal period is not locked", ErrConflict)
	ErrStageOrder    = fmt.Errorf("%w: annual closing stage out of order", ErrConflict)

	// ErrDuplicateVerificationNumber is returned by stores when two writers
	// computed the same number. Retryable.
	ErrDuplicateVerificationNumber = fmt.Errorf("%w: verification number already used", ErrConflict)

	// ErrDuplicateSlug is returned when a period slug already exists in the workspace.
	ErrDuplicateSlug = fmt.Errorf("%w: period slug already used", ErrConflict)

	// ErrDuplicateTransaction is returned by stores when an import hash is
	// already persisted. The importer turns it into a skip, never a failure.
	ErrDuplicateTransaction = fmt.Errorf("%w: duplicate transaction", ErrConflict)

	// Soft preconditions. They carry a warning and need an acknowledgement flag.
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrPreconditionRequired = errors.New("precondition required")

	// ErrNotFound is the parent of every lookup miss. Entities owned by
	// another workspace are reported identically.
	ErrNotFound       = errors.New("not found")
	ErrPeriodNotFound = fmt.Errorf("fiscal period %w", ErrNotFound)
	ErrEntryNotFound  = fmt.Errorf("journal entry %w", ErrNotFound)

	// Import errors.
	ErrUnbalancedVerification = errors.New("import contains unbalanced verification")
	ErrNoVerifications        = errors.New("nothing to import: file contains no verifications")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the violated invariant and where it happened.
type ValidationError struct {
	Field   string // e.g. "lines[2].debit"
	Message string
	Err     error // one of the validation sentinels
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// UnbalancedError reports the totals of an entry that does not balance.
type UnbalancedError struct {
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("entry does not balance: debit %s, credit %s, difference %s",
		e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2),
		e.TotalDebit.Sub(e.TotalCredit).StringFixed(2))
}

func (e *UnbalancedError) Unwrap() error {
	return ErrUnbalancedEntry
}

// PreconditionError is a soft block. The caller may repeat the call with the
// named acknowledgement flag set.
type PreconditionError struct {
	Code        string // e.g. "no_closing_entries", "finalized_closing"
	Message     string
	Acknowledge string // name of the flag that overrides the block
	Err         error  // ErrPreconditionFailed or ErrPreconditionRequired
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// StageOrderError reports an annual-closing transition attempted from the
// wrong stage.
type StageOrderError struct {
	Current   ClosingStatus
	Required  ClosingStatus
	Attempted ClosingStatus
}

func (e *StageOrderError) Error() string {
	return fmt.Sprintf("cannot move annual closing to %s: current stage is %s, requires %s",
		e.Attempted, e.Current, e.Required)
}

func (e *StageOrderError) Unwrap() error {
	return ErrStageOrder
}

// UnbalancedVerificationError lists every candidate that failed validation in
// an import batch. The whole batch is rejected.
type UnbalancedVerificationError struct {
	Rejected []RejectedVerification
}

// RejectedVerification is one candidate rejected by the balance validator.
type RejectedVerification struct {
	SourceID string
	Reason   string
}

func (e *UnbalancedVerificationError) Error() string {
	if len(e.Rejected) == 1 {
		return fmt.Sprintf("%v: %s: %s", ErrUnbalancedVerification, e.Rejected[0].SourceID, e.Rejected[0].Reason)
	}
	return fmt.Sprintf("%v: %d verifications rejected", ErrUnbalancedVerification, len(e.Rejected))
}

func (e *UnbalancedVerificationError) Unwrap() error {
	return ErrUnbalancedVerification
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnbalancedVerification)
}

// IsStateConflict returns true for locked, already-locked, not-locked and
// workflow-order errors.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsSoftPrecondition returns true if the call may succeed with an
// acknowledgement flag.
func IsSoftPrecondition(err error) bool {
	return errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrPreconditionRequired)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if repeating the call might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicateVerificationNumber)
}
