package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
)

// SignedDelta converts a line's debit and credit into the change of the
// account's running balance. Debit-normal accounts grow with debits and
// credit-normal accounts grow with credits.
func SignedDelta(t accounts.AccountType, debit, credit decimal.Decimal) decimal.Decimal {
	if accounts.NormalSide(t) == accounts.SideDebit {
		return debit.Sub(credit)
	}
	return credit.Sub(debit)
}

// Discrepancy reports a stored snapshot that disagrees with a replay of posted lines.
type Discrepancy struct {
	TenantID  int64
	AccountID int64
	AsOfDate  time.Time
	Stored    decimal.Decimal
	Expected  decimal.Decimal
	Reason    string
}

const (
	DiscrepancyMismatch   = "mismatch"
	DiscrepancyMissing    = "missing"
	DiscrepancyUnexpected = "unexpected"
)

// Materializer maintains per-account, per-date running balances.
type Materializer struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewMaterializer constructs the balance materializer.
func NewMaterializer(repo RepositoryPort, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{repo: repo, logger: logger.With(slog.String("component", "ledger_balances"))}
}

// ApplyLine adds delta to the snapshot of accountID at date inside tx and to
// every later snapshot of the account. A missing snapshot at date is seeded
// from the latest earlier one.
func (m *Materializer) ApplyLine(ctx context.Context, tx TxRepository, tenantID, accountID int64, date time.Time, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	date = dateOnly(date)
	base, err := tx.BalanceOnOrBefore(ctx, accountID, date)
	if err != nil {
		return fmt.Errorf("accounting: read balance of account %d: %w", accountID, err)
	}
	if err := tx.UpsertBalance(ctx, tenantID, accountID, date, base.Add(delta)); err != nil {
		return fmt.Errorf("accounting: upsert balance of account %d: %w", accountID, err)
	}
	if err := tx.ShiftBalancesAfter(ctx, accountID, date, delta); err != nil {
		return fmt.Errorf("accounting: shift balances of account %d: %w", accountID, err)
	}
	return nil
}

// BalanceAsOf returns the latest snapshot at or before date, zero when none.
func (m *Materializer) BalanceAsOf(ctx context.Context, accountID int64, date time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		balance, err = tx.BalanceOnOrBefore(ctx, accountID, dateOnly(date))
		return err
	})
	return balance, err
}

// Rebuild replays every posted line of accountID and overwrites its snapshots.
func (m *Materializer) Rebuild(ctx context.Context, accountID int64) ([]LedgerBalance, error) {
	var rebuilt []LedgerBalance
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		lines, err := tx.ListPostedLines(ctx, accountID)
		if err != nil {
			return err
		}
		rebuilt = replay(account, lines)
		if err := tx.DeleteBalances(ctx, accountID); err != nil {
			return err
		}
		for _, b := range rebuilt {
			if err := tx.UpsertBalance(ctx, b.TenantID, b.AccountID, b.AsOfDate, b.Balance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "ledger balances rebuilt", slog.Int64("account_id", accountID), slog.Int("snapshots", len(rebuilt)))
	return rebuilt, nil
}

// Verify replays posted lines and compares them with stored snapshots
// without writing anything.
func (m *Materializer) Verify(ctx context.Context, accountID int64) ([]Discrepancy, error) {
	var out []Discrepancy
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		lines, err := tx.ListPostedLines(ctx, accountID)
		if err != nil {
			return err
		}
		stored, err := tx.ListBalances(ctx, accountID)
		if err != nil {
			return err
		}
		out = compareBalances(account, replay(account, lines), stored)
		return nil
	})
	return out, err
}

// AccountsWithActivity lists accounts holding snapshots or posted lines.
// tenantID 0 means every tenant.
func (m *Materializer) AccountsWithActivity(ctx context.Context, tenantID int64) ([]int64, error) {
	var ids []int64
	err := m.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.AccountsWithActivity(ctx, tenantID)
		return err
	})
	return ids, err
}

func lockAccount(ctx context.Context, tx TxRepository, accountID int64) (accounts.Account, error) {
	locked, err := tx.LockAccounts(ctx, []int64{accountID})
	if err != nil {
		return accounts.Account{}, err
	}
	if len(locked) == 0 {
		return accounts.Account{}, fmt.Errorf("%w: id %d", shared.ErrAccountNotFound, accountID)
	}
	return locked[0], nil
}

// replay folds lines ordered by (entry date, entry id, line no) into one
// snapshot per distinct date.
func replay(account accounts.Account, lines []PostedLine) []LedgerBalance {
	sorted := append([]PostedLine(nil), lines...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		if a.EntryID != b.EntryID {
			return a.EntryID < b.EntryID
		}
		return a.LineNo < b.LineNo
	})
	var out []LedgerBalance
	running := decimal.Zero
	for _, line := range sorted {
		running = running.Add(SignedDelta(account.Type, line.Debit, line.Credit))
		date := dateOnly(line.EntryDate)
		if n := len(out); n > 0 && out[n-1].AsOfDate.Equal(date) {
			out[n-1].Balance = running
			continue
		}
		out = append(out, LedgerBalance{TenantID: account.TenantID, AccountID: account.ID, AsOfDate: date, Balance: running})
	}
	return out
}

// compareBalances checks balance-as-of equality on every date either side
// has a snapshot for. Snapshots are sparse, so a row present on one side only
// is reported only when the as-of balances differ there.
func compareBalances(account accounts.Account, expected, stored []LedgerBalance) []Discrepancy {
	want := indexBalances(expected)
	got := indexBalances(stored)
	dates := make([]time.Time, 0, len(want)+len(got))
	seen := make(map[time.Time]struct{}, len(want)+len(got))
	for _, set := range [][]LedgerBalance{expected, stored} {
		for _, b := range set {
			d := dateOnly(b.AsOfDate)
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var out []Discrepancy
	for _, d := range dates {
		e := asOf(expected, d)
		s := asOf(stored, d)
		if e.Round(MinorUnits).Equal(s.Round(MinorUnits)) {
			continue
		}
		reason := DiscrepancyMismatch
		_, inWant := want[d]
		_, inGot := got[d]
		switch {
		case inWant && !inGot:
			reason = DiscrepancyMissing
		case inGot && !inWant:
			reason = DiscrepancyUnexpected
		}
		out = append(out, Discrepancy{TenantID: account.TenantID, AccountID: account.ID, AsOfDate: d, Stored: s, Expected: e, Reason: reason})
	}
	return out
}

func indexBalances(set []LedgerBalance) map[time.Time]decimal.Decimal {
	out := make(map[time.Time]decimal.Decimal, len(set))
	for _, b := range set {
		out[dateOnly(b.AsOfDate)] = b.Balance
	}
	return out
}

// asOf returns the balance of the latest snapshot at or before d in a
// date-ordered set.
func asOf(set []LedgerBalance, d time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, b := range set {
		if dateOnly(b.AsOfDate).After(d) {
			break
		}
		balance = b.Balance
	}
	return balance
}
