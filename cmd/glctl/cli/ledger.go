package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/consol/ic"
	"github.com/odyssey-erp/odyssey-gl/jobs"
)

// LedgerCLI exposes operator actions that run synchronously against the ledger.
type LedgerCLI struct {
	reverser  *accounting.Reverser
	pairing   *ic.Service
	integrity *jobs.IntegrityJob
}

// NewLedgerCLI wires the helper.
func NewLedgerCLI(reverser *accounting.Reverser, pairing *ic.Service, integrity *jobs.IntegrityJob) *LedgerCLI {
	return &LedgerCLI{reverser: reverser, pairing: pairing, integrity: integrity}
}

// Reverse reverses a posted entry. date is optional (YYYY-MM-DD).
func (c *LedgerCLI) Reverse(ctx context.Context, entryID, actorID int64, reason, date string) (accounting.JournalEntry, error) {
	if c == nil || c.reverser == nil {
		return accounting.JournalEntry{}, errors.New("ledger cli: reverser not configured")
	}
	when, err := ParseDate(date)
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	return c.reverser.Reverse(ctx, accounting.ReverseInput{EntryID: entryID, Reason: reason, ActorID: actorID, Date: when})
}

// Pair records an intercompany pair.
func (c *LedgerCLI) Pair(ctx context.Context, sourceID, targetID, actorID int64, module, amount string) (ic.Transaction, error) {
	if c == nil || c.pairing == nil {
		return ic.Transaction{}, errors.New("ledger cli: pairing not configured")
	}
	value, err := ParseAmount(amount)
	if err != nil {
		return ic.Transaction{}, err
	}
	return c.pairing.Pair(ctx, ic.PairInput{
		SourceEntryID: sourceID,
		TargetEntryID: targetID,
		Module:        ic.Module(strings.ToUpper(strings.TrimSpace(module))),
		Amount:        value,
		ActorID:       actorID,
	})
}

// Eliminate flags an intercompany pair as eliminated.
func (c *LedgerCLI) Eliminate(ctx context.Context, id, actorID int64) (ic.Transaction, error) {
	if c == nil || c.pairing == nil {
		return ic.Transaction{}, errors.New("ledger cli: pairing not configured")
	}
	return c.pairing.MarkEliminated(ctx, id, actorID)
}

// Verify runs the balance integrity check in-process.
func (c *LedgerCLI) Verify(ctx context.Context, scope jobs.ScopePayload) (jobs.IntegrityReport, error) {
	if c == nil || c.integrity == nil {
		return jobs.IntegrityReport{}, errors.New("ledger cli: integrity job not configured")
	}
	return c.integrity.Run(ctx, scope)
}

// ParseDate parses an optional YYYY-MM-DD date.
func ParseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD", value)
	}
	return &t, nil
}

// ParseAmount parses a positive decimal amount.
func ParseAmount(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive, got %s", d)
	}
	return d, nil
}
