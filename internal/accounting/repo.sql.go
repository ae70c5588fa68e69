package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
)

const (
	uniqueEntrySource   = "uq_journal_entries_source"
	uniqueEntryCorrects = "uq_journal_entries_corrects"
)

// Repository persists ledger entities.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, lockTimeout: 5 * time.Second}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertLines(ctx context.Context, entryID int64, lines []JournalLine) error
	GetEntry(ctx context.Context, id int64) (JournalEntry, error)
	FindPendingReversal(ctx context.Context, correctsID int64) (int64, bool, error)
	TransitionEntry(ctx context.Context, id int64, from, to EntryStatus, at time.Time) error

	InsertQueueItem(ctx context.Context, tenantID, entryID int64) (QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (QueueItem, error)
	LockQueueItem(ctx context.Context, id int64) (QueueItem, error)
	QueueItemForEntry(ctx context.Context, entryID int64) (QueueItem, error)
	MarkQueuePosted(ctx context.Context, id int64, at time.Time) error
	MarkQueueFailed(ctx context.Context, id int64, message string, retryable bool, at time.Time) error
	ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]QueueItem, error)

	LockAccounts(ctx context.Context, ids []int64) ([]accounts.Account, error)

	BalanceOnOrBefore(ctx context.Context, accountID int64, date time.Time) (decimal.Decimal, error)
	UpsertBalance(ctx context.Context, tenantID, accountID int64, date time.Time, balance decimal.Decimal) error
	ShiftBalancesAfter(ctx context.Context, accountID int64, date time.Time, delta decimal.Decimal) error
	ListBalances(ctx context.Context, accountID int64) ([]LedgerBalance, error)
	DeleteBalances(ctx context.Context, accountID int64) error
	ListPostedLines(ctx context.Context, accountID int64) ([]PostedLine, error)
	AccountsWithActivity(ctx context.Context, tenantID int64) ([]int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a read-committed transaction. Rows that must not
// change underneath fn are locked explicitly. Infrastructure failures are
// wrapped with shared.ErrTransient.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if r.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && !errors.Is(err, shared.ErrTransient) && db.IsTransient(err) {
		return fmt.Errorf("%w: %w", shared.ErrTransient, err)
	}
	return err
}

func (r *txRepository) InsertEntry(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (tenant_id, company_id, project_id, entry_date, description, status, source_kind, source_id, corrects_id, created_by)
VALUES ($1,$2,$3,$4,$5,'PENDING',$6,$7,$8,$9) RETURNING id, number, status, created_at, updated_at`,
		e.TenantID, e.CompanyID, e.ProjectID, e.EntryDate, e.Description, e.Source.Kind, nullUUID(e.Source.ID), e.CorrectsID, nullInt(e.CreatedBy))
	if err := row.Scan(&e.ID, &e.Number, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err, uniqueEntrySource) {
			return JournalEntry{}, fmt.Errorf("%w: %s %s", shared.ErrSourceAlreadyLinked, e.Source.Kind, e.Source.ID)
		}
		if db.IsUniqueViolation(err, uniqueEntryCorrects) {
			return JournalEntry{}, fmt.Errorf("%w: entry %d", shared.ErrReversalExists, *e.CorrectsID)
		}
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) InsertLines(ctx context.Context, entryID int64, lines []JournalLine) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO journal_lines (je_id, line_no, account_id, debit, credit, memo, related_kind, related_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, entryID, line.LineNo, line.AccountID, line.Debit, line.Credit, line.Memo, line.Related.Kind, nullUUID(line.Related.ID))
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

const entryColumns = `id, tenant_id, number, company_id, project_id, entry_date, description, status, source_kind, source_id, corrects_id, created_by, posted_at, reversed_at, created_at, updated_at`

func (r *txRepository) GetEntry(ctx context.Context, id int64) (JournalEntry, error) {
	var (
		e         JournalEntry
		sourceID  uuid.NullUUID
		createdBy *int64
	)
	err := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, id).
		Scan(&e.ID, &e.TenantID, &e.Number, &e.CompanyID, &e.ProjectID, &e.EntryDate, &e.Description, &e.Status, &e.Source.Kind, &sourceID, &e.CorrectsID, &createdBy, &e.PostedAt, &e.ReversedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, fmt.Errorf("%w: id %d", shared.ErrJournalNotFound, id)
		}
		return JournalEntry{}, err
	}
	if sourceID.Valid {
		e.Source.ID = sourceID.UUID
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	rows, err := r.tx.Query(ctx, `SELECT id, je_id, line_no, account_id, debit, credit, memo, related_kind, related_id, created_at
FROM journal_lines WHERE je_id=$1 ORDER BY line_no ASC`, id)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line      JournalLine
			relatedID uuid.NullUUID
		)
		if err := rows.Scan(&line.ID, &line.EntryID, &line.LineNo, &line.AccountID, &line.Debit, &line.Credit, &line.Memo, &line.Related.Kind, &relatedID, &line.CreatedAt); err != nil {
			return JournalEntry{}, err
		}
		if relatedID.Valid {
			line.Related.ID = relatedID.UUID
		}
		e.Lines = append(e.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) FindPendingReversal(ctx context.Context, correctsID int64) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM journal_entries WHERE corrects_id=$1 AND status='PENDING' ORDER BY id LIMIT 1`, correctsID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *txRepository) TransitionEntry(ctx context.Context, id int64, from, to EntryStatus, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status=$3, updated_at=$4,
    posted_at = CASE WHEN $3 = 'POSTED' THEN $4 ELSE posted_at END,
    reversed_at = CASE WHEN $3 = 'REVERSED' THEN $4 ELSE reversed_at END
WHERE id=$1 AND status=$2`, id, from, to, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %d is not %s", shared.ErrConflictingTransition, id, from)
	}
	return nil
}

const queueColumns = `id, tenant_id, je_id, status, error_message, retryable, attempts, processed_at, created_at, updated_at`

func scanQueueItem(row pgx.Row) (QueueItem, error) {
	var item QueueItem
	err := row.Scan(&item.ID, &item.TenantID, &item.EntryID, &item.Status, &item.ErrorMessage, &item.Retryable, &item.Attempts, &item.ProcessedAt, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func queueItemOrNotFound(item QueueItem, err error, what string, id int64) (QueueItem, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return QueueItem{}, fmt.Errorf("%w: %s %d", shared.ErrQueueItemNotFound, what, id)
		}
		return QueueItem{}, err
	}
	return item, nil
}

func (r *txRepository) InsertQueueItem(ctx context.Context, tenantID, entryID int64) (QueueItem, error) {
	return scanQueueItem(r.tx.QueryRow(ctx, `INSERT INTO posting_queue (tenant_id, je_id) VALUES ($1,$2) RETURNING `+queueColumns, tenantID, entryID))
}

func (r *txRepository) GetQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	item, err := scanQueueItem(r.tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM posting_queue WHERE id=$1`, id))
	return queueItemOrNotFound(item, err, "id", id)
}

func (r *txRepository) LockQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	item, err := scanQueueItem(r.tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM posting_queue WHERE id=$1 FOR UPDATE`, id))
	return queueItemOrNotFound(item, err, "id", id)
}

func (r *txRepository) QueueItemForEntry(ctx context.Context, entryID int64) (QueueItem, error) {
	item, err := scanQueueItem(r.tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM posting_queue WHERE je_id=$1`, entryID))
	return queueItemOrNotFound(item, err, "entry", entryID)
}

func (r *txRepository) MarkQueuePosted(ctx context.Context, id int64, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE posting_queue SET status='POSTED', error_message='', retryable=FALSE, attempts=attempts+1, processed_at=$2, updated_at=$2
WHERE id=$1 AND status <> 'POSTED'`, id, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: queue item %d already posted", shared.ErrConflictingTransition, id)
	}
	return nil
}

// MarkQueueFailed never downgrades a POSTED item.
func (r *txRepository) MarkQueueFailed(ctx context.Context, id int64, message string, retryable bool, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE posting_queue SET status='FAILED', error_message=$2, retryable=$3, attempts=attempts+1, processed_at=$4, updated_at=$4
WHERE id=$1 AND status <> 'POSTED'`, id, message, retryable, at)
	return err
}

func (r *txRepository) ListRetryable(ctx context.Context, staleBefore time.Time, limit int) ([]QueueItem, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+queueColumns+` FROM posting_queue
WHERE (status='FAILED' AND retryable) OR (status='PENDING' AND updated_at < $1)
ORDER BY updated_at, id LIMIT $2`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LockAccounts row-locks the accounts in ascending id order so concurrent
// postings touching the same accounts serialize without deadlocking.
func (r *txRepository) LockAccounts(ctx context.Context, ids []int64) ([]accounts.Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, tenant_id, code, name, type, is_active, cash_basis, deactivated_at, created_at, updated_at
FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounts.Account
	for rows.Next() {
		var a accounts.Account
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Type, &a.IsActive, &a.CashBasis, &a.DeactivatedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) BalanceOnOrBefore(ctx context.Context, accountID int64, date time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT balance FROM ledger_balances WHERE account_id=$1 AND as_of_date <= $2 ORDER BY as_of_date DESC LIMIT 1`, accountID, date).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, tenantID, accountID int64, date time.Time, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_balances (tenant_id, account_id, as_of_date, balance) VALUES ($1,$2,$3,$4)
ON CONFLICT (account_id, as_of_date) DO UPDATE SET balance=EXCLUDED.balance, updated_at=NOW()`, tenantID, accountID, date, balance)
	return err
}

func (r *txRepository) ShiftBalancesAfter(ctx context.Context, accountID int64, date time.Time, delta decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE ledger_balances SET balance = balance + $3, updated_at=NOW() WHERE account_id=$1 AND as_of_date > $2`, accountID, date, delta)
	return err
}

func (r *txRepository) ListBalances(ctx context.Context, accountID int64) ([]LedgerBalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT tenant_id, account_id, as_of_date, balance FROM ledger_balances WHERE account_id=$1 ORDER BY as_of_date`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerBalance
	for rows.Next() {
		var b LedgerBalance
		if err := rows.Scan(&b.TenantID, &b.AccountID, &b.AsOfDate, &b.Balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepository) DeleteBalances(ctx context.Context, accountID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM ledger_balances WHERE account_id=$1`, accountID)
	return err
}

func (r *txRepository) ListPostedLines(ctx context.Context, accountID int64) ([]PostedLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT je.id, je.entry_date, jl.line_no, jl.debit, jl.credit
FROM journal_lines jl JOIN journal_entries je ON je.id = jl.je_id
WHERE jl.account_id=$1 AND je.status IN ('POSTED', 'REVERSED')
ORDER BY je.entry_date, je.id, jl.line_no`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PostedLine
	for rows.Next() {
		var l PostedLine
		if err := rows.Scan(&l.EntryID, &l.EntryDate, &l.LineNo, &l.Debit, &l.Credit); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *txRepository) AccountsWithActivity(ctx context.Context, tenantID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT account_id FROM ledger_balances WHERE ($1::bigint = 0 OR tenant_id = $1)
UNION
SELECT jl.account_id FROM journal_lines jl JOIN journal_entries je ON je.id = jl.je_id
WHERE je.status IN ('POSTED', 'REVERSED') AND ($1::bigint = 0 OR je.tenant_id = $1)
ORDER BY 1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
