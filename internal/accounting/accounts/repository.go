package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
)

const uniqueActiveCode = "uq_accounts_tenant_code_active"

// Repository persists chart of accounts rows.
type Repository interface {
	Get(ctx context.Context, id int64) (Account, error)
	GetMany(ctx context.Context, ids []int64) ([]Account, error)
	List(ctx context.Context, tenantID int64) ([]Account, error)
	Insert(ctx context.Context, in CreateInput) (Account, error)
	SetActive(ctx context.Context, id int64, active bool, at time.Time) (Account, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns a pgx backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const accountColumns = `id, tenant_id, code, name, type, is_active, cash_basis, deactivated_at, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Type, &a.IsActive, &a.CashBasis, &a.DeactivatedAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *repository) Get(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *repository) GetMany(ctx context.Context, ids []int64) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *repository) List(ctx context.Context, tenantID int64) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *repository) Insert(ctx context.Context, in CreateInput) (Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `INSERT INTO accounts (tenant_id, code, name, type, cash_basis)
VALUES ($1,$2,$3,$4,$5) RETURNING `+accountColumns, in.TenantID, in.Code, in.Name, in.Type, in.CashBasis))
	if err != nil {
		if db.IsUniqueViolation(err, uniqueActiveCode) {
			return Account{}, shared.ErrAccountCodeTaken
		}
		return Account{}, err
	}
	return a, nil
}

func (r *repository) SetActive(ctx context.Context, id int64, active bool, at time.Time) (Account, error) {
	var deactivatedAt any
	if !active {
		deactivatedAt = at
	}
	a, err := scanAccount(r.db.QueryRow(ctx, `UPDATE accounts SET is_active=$2, deactivated_at=$3, updated_at=NOW()
WHERE id=$1 RETURNING `+accountColumns, id, active, deactivatedAt))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return Account{}, shared.ErrAccountNotFound
		case db.IsUniqueViolation(err, uniqueActiveCode):
			return Account{}, shared.ErrAccountCodeTaken
		}
		return Account{}, err
	}
	return a, nil
}
