package ic

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Module identifies the subledger that produced an intercompany pair.
type Module string

const (
	ModuleAR Module = "AR"
	ModuleAP Module = "AP"
	ModuleJE Module = "JE"
)

// Status tracks whether both legs of a pair are posted.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusMatched Status = "MATCHED"
)

var (
	// ErrEntryNotFound indicates a leg references an unknown journal entry.
	ErrEntryNotFound = errors.New("ic: journal entry not found")
	// ErrSameEntry indicates both legs reference the same entry.
	ErrSameEntry = errors.New("ic: source and target entry must differ")
	// ErrSameCompany indicates both legs belong to the same company.
	ErrSameCompany = errors.New("ic: source and target must belong to different companies")
	// ErrPairExists indicates the (source, target) pair is already recorded.
	ErrPairExists = errors.New("ic: pair already exists")
	// ErrPairNotFound indicates an unknown intercompany transaction.
	ErrPairNotFound = errors.New("ic: pair not found")
	// ErrInvalidInput indicates PairInput failed validation.
	ErrInvalidInput = errors.New("ic: invalid input")
)

// Transaction links two journal entries booked by different companies of one tenant.
type Transaction struct {
	ID              int64
	TenantID        int64
	SourceCompanyID int64
	TargetCompanyID int64
	SourceEntryID   int64
	TargetEntryID   int64
	Module          Module
	Amount          decimal.Decimal
	Status          Status
	IsEliminated    bool
	EliminatedAt    *time.Time
	CreatedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PairInput describes a new intercompany pair.
type PairInput struct {
	SourceEntryID int64           `validate:"required,gt=0"`
	TargetEntryID int64           `validate:"required,gt=0"`
	Module        Module          `validate:"required,oneof=AR AP JE"`
	Amount        decimal.Decimal `validate:"-"`
	ActorID       int64
}

// Result summarises one elimination run.
type Result struct {
	TenantID   int64
	Considered int
	Matched    int
	Unmatched  int
	Eliminated int
	Total      decimal.Decimal
}
