package accounting

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
)

// MinorUnits is the number of decimal places a line amount may carry.
const MinorUnits = 2

// maxDescription matches the max=500 rule on CreateEntryInput.Description.
const maxDescription = 500

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "PENDING"
	EntryStatusPosted   EntryStatus = "POSTED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// QueueStatus enumerates posting queue item states.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "PENDING"
	QueueStatusPosted  QueueStatus = "POSTED"
	QueueStatusFailed  QueueStatus = "FAILED"
)

// SourceKind names the subsystem an entry originates from.
type SourceKind string

const (
	SourceManual       SourceKind = "MANUAL"
	SourceAPInvoice    SourceKind = "AP_INVOICE"
	SourceARInvoice    SourceKind = "AR_INVOICE"
	SourcePayroll      SourceKind = "PAYROLL"
	SourceReversal     SourceKind = "REVERSAL"
	SourceIntercompany SourceKind = "INTERCOMPANY"
)

func (k SourceKind) valid() bool {
	switch k {
	case SourceManual, SourceAPInvoice, SourceARInvoice, SourcePayroll, SourceReversal, SourceIntercompany:
		return true
	}
	return false
}

// SourceRef identifies the document an entry was created from. The ledger
// never dereferences it; the owning module resolves ID.
type SourceRef struct {
	Kind SourceKind
	ID   uuid.UUID
}

// RelatedKind names what a journal line points back to.
type RelatedKind string

const (
	RelatedNone     RelatedKind = "NONE"
	RelatedProject  RelatedKind = "PROJECT"
	RelatedVendor   RelatedKind = "VENDOR"
	RelatedCustomer RelatedKind = "CUSTOMER"
	RelatedInvoice  RelatedKind = "INVOICE"
	RelatedEmployee RelatedKind = "EMPLOYEE"
)

func (k RelatedKind) valid() bool {
	switch k {
	case RelatedNone, RelatedProject, RelatedVendor, RelatedCustomer, RelatedInvoice, RelatedEmployee:
		return true
	}
	return false
}

// RelatedRef is an optional per-line back-reference.
type RelatedRef struct {
	Kind RelatedKind
	ID   uuid.UUID
}

// JournalEntry is the header of a balanced set of lines.
type JournalEntry struct {
	ID          int64
	TenantID    int64
	Number      int64
	CompanyID   int64
	ProjectID   *int64
	EntryDate   time.Time
	Description string
	Status      EntryStatus
	Source      SourceRef
	CorrectsID  *int64
	CreatedBy   int64
	PostedAt    *time.Time
	ReversedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []JournalLine
}

// IsReversal reports whether the entry corrects another entry.
func (e JournalEntry) IsReversal() bool {
	return e.CorrectsID != nil
}

// JournalLine stores a debit or credit amount for an account.
type JournalLine struct {
	ID        int64
	EntryID   int64
	LineNo    int
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Memo      string
	Related   RelatedRef
	CreatedAt time.Time
}

// QueueItem is the durable posting work item of one entry.
type QueueItem struct {
	ID           int64
	TenantID     int64
	EntryID      int64
	Status       QueueStatus
	ErrorMessage string
	Retryable    bool
	Attempts     int
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LedgerBalance is the running balance of an account as of a date.
type LedgerBalance struct {
	TenantID  int64
	AccountID int64
	AsOfDate  time.Time
	Balance   decimal.Decimal
}

// PostedLine is a line of a posted or reversed entry, as replayed by the materializer.
type PostedLine struct {
	EntryID   int64
	EntryDate time.Time
	LineNo    int
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// LineInput describes one line of a new entry.
type LineInput struct {
	AccountID int64 `validate:"required,gt=0"`
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Memo      string `validate:"max=500"`
	Related   RelatedRef
}

// CreateEntryInput groups fields required to create a journal entry.
type CreateEntryInput struct {
	TenantID    int64     `validate:"required,gt=0"`
	CompanyID   int64     `validate:"required,gt=0"`
	ProjectID   *int64    `validate:"omitempty,gt=0"`
	EntryDate   time.Time `validate:"required"`
	Description string    `validate:"required,max=500"`
	Source      SourceRef
	CreatedBy   int64
	Lines       []LineInput `validate:"dive"`
}

var validate = validator.New()

// Validate checks the structural rules of a new entry: at least two lines,
// non-negative single-sided amounts, and debits equal to credits.
func (in CreateEntryInput) Validate() error {
	if len(in.Lines) < 2 {
		return shared.ErrTooFewLines
	}
	in.Description = strings.TrimSpace(in.Description)
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	if in.Source.Kind != "" && !in.Source.Kind.valid() {
		return fmt.Errorf("%w: unknown source kind %q", shared.ErrInvalidInput, in.Source.Kind)
	}
	for idx, line := range in.Lines {
		if line.Related.Kind != "" && !line.Related.Kind.valid() {
			return fmt.Errorf("%w: line %d unknown related kind %q", shared.ErrInvalidInput, idx+1, line.Related.Kind)
		}
	}
	return validateAmounts(in.Lines)
}

func validateAmounts(lines []LineInput) error {
	if len(lines) < 2 {
		return shared.ErrTooFewLines
	}
	for idx, line := range lines {
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", shared.ErrInvalidLine, idx+1)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", shared.ErrInvalidLine, idx+1)
		}
		if !line.Debit.Equal(line.Debit.Round(MinorUnits)) || !line.Credit.Equal(line.Credit.Round(MinorUnits)) {
			return fmt.Errorf("%w: line %d amount has more than %d decimal places", shared.ErrInvalidLine, idx+1, MinorUnits)
		}
	}
	debit, credit := totals(lines)
	if !debit.Equal(credit) {
		return &shared.UnbalancedError{Debit: debit, Credit: credit}
	}
	return nil
}

func totals(lines []LineInput) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

func linesAsInput(lines []JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineInput{AccountID: l.AccountID, Debit: l.Debit, Credit: l.Credit, Memo: l.Memo, Related: l.Related})
	}
	return out
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
