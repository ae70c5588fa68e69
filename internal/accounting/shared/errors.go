package shared

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrInvalidLine indicates a negative or double-sided line.
	ErrInvalidLine = errors.New("accounting: invalid journal line")
	// ErrInvalidInput indicates a header field failed validation.
	ErrInvalidInput = errors.New("accounting: invalid input")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrQueueItemNotFound indicates missing posting queue item.
	ErrQueueItemNotFound = errors.New("accounting: posting queue item not found")
	// ErrAccountNotFound indicates an unknown account id.
	ErrAccountNotFound = errors.New("accounting: account not found")
	// ErrAccountInactive indicates a posting against a deactivated account.
	ErrAccountInactive = errors.New("accounting: account inactive")
	// ErrAccountCodeTaken indicates another active account already uses the code.
	ErrAccountCodeTaken = errors.New("accounting: account code already in use")
	// ErrConflictingTransition indicates the status precondition did not hold.
	ErrConflictingTransition = errors.New("accounting: conflicting status transition")
	// ErrInvalidReversalTarget indicates the entry cannot be reversed.
	ErrInvalidReversalTarget = errors.New("accounting: entry cannot be reversed")
	// ErrReversalExists indicates the entry already has a reversal entry.
	ErrReversalExists = errors.New("accounting: entry already has a reversal")
	// ErrPostingInProgress indicates another worker holds the posting lease.
	ErrPostingInProgress = errors.New("accounting: posting already in progress")
	// ErrTransient marks infrastructure failures that are safe to retry.
	ErrTransient = errors.New("accounting: transient failure")
)

// UnbalancedError carries the computed totals of an unbalanced entry.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("%s: debits sum is %s and credits sum is %s", ErrUnbalanced, e.Debit.StringFixed(2), e.Credit.StringFixed(2))
}

// Unwrap lets errors.Is match ErrUnbalanced.
func (e *UnbalancedError) Unwrap() error {
	return ErrUnbalanced
}

// IsTerminal reports whether err is a validation failure that retrying cannot fix.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		ErrUnbalanced,
		ErrTooFewLines,
		ErrInvalidLine,
		ErrInvalidInput,
		ErrJournalNotFound,
		ErrAccountNotFound,
		ErrAccountInactive,
		ErrConflictingTransition,
		ErrInvalidReversalTarget,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
