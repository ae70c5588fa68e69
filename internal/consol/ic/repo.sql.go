package ic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
)

const uniquePair = "uq_intercompany_pair"

// Repository exposes persistence helpers for intercompany pairs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs an IC repository backed by a pgx pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const transactionColumns = `id, tenant_id, source_company_id, target_company_id, source_je_id, target_je_id,
    module, amount, status, is_eliminated, eliminated_at, COALESCE(created_by, 0), created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.TenantID, &t.SourceCompanyID, &t.TargetCompanyID, &t.SourceEntryID, &t.TargetEntryID,
		&t.Module, &t.Amount, &t.Status, &t.IsEliminated, &t.EliminatedAt, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// Insert stores a new pair.
func (r *Repository) Insert(ctx context.Context, t Transaction) (Transaction, error) {
	if r == nil || r.pool == nil {
		return Transaction{}, fmt.Errorf("ic repo not initialised")
	}
	var createdBy any
	if t.CreatedBy > 0 {
		createdBy = t.CreatedBy
	}
	row := r.pool.QueryRow(ctx, `
INSERT INTO intercompany_transactions
    (tenant_id, source_company_id, target_company_id, source_je_id, target_je_id, module, amount, status, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+transactionColumns,
		t.TenantID, t.SourceCompanyID, t.TargetCompanyID, t.SourceEntryID, t.TargetEntryID, t.Module, t.Amount, t.Status, createdBy)
	created, err := scanTransaction(row)
	if err != nil {
		if db.IsUniqueViolation(err, uniquePair) {
			return Transaction{}, fmt.Errorf("%w: %d -> %d", ErrPairExists, t.SourceEntryID, t.TargetEntryID)
		}
		return Transaction{}, err
	}
	return created, nil
}

// Get loads a pair by id.
func (r *Repository) Get(ctx context.Context, id int64) (Transaction, error) {
	if r == nil || r.pool == nil {
		return Transaction{}, fmt.Errorf("ic repo not initialised")
	}
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM intercompany_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: %d", ErrPairNotFound, id)
	}
	return t, err
}

// ListOpen returns up to limit pairs not yet eliminated with id greater than
// afterID, oldest first. tenantID zero selects every tenant.
func (r *Repository) ListOpen(ctx context.Context, tenantID, afterID int64, limit int) ([]Transaction, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("ic repo not initialised")
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+transactionColumns+`
FROM intercompany_transactions
WHERE NOT is_eliminated AND ($1::bigint = 0 OR tenant_id = $1) AND id > $2
ORDER BY id
LIMIT $3`, tenantID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus records the leg-derived status of a pair.
func (r *Repository) SetStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("ic repo not initialised")
	}
	tag, err := r.pool.Exec(ctx, `UPDATE intercompany_transactions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPairNotFound, id)
	}
	return nil
}

// MarkEliminated flips is_eliminated. changed is false when the pair was
// already eliminated.
func (r *Repository) MarkEliminated(ctx context.Context, id int64, at time.Time) (Transaction, bool, error) {
	if r == nil || r.pool == nil {
		return Transaction{}, false, fmt.Errorf("ic repo not initialised")
	}
	var (
		out     Transaction
		changed bool
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM intercompany_transactions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrPairNotFound, id)
		}
		if err != nil {
			return err
		}
		if current.IsEliminated {
			out = current
			return nil
		}
		out, err = scanTransaction(tx.QueryRow(ctx, `
UPDATE intercompany_transactions
SET is_eliminated = TRUE, eliminated_at = $2, updated_at = $2
WHERE id = $1
RETURNING `+transactionColumns, id, at))
		changed = err == nil
		return err
	})
	return out, changed, err
}
