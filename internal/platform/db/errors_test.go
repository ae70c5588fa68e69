package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: true},
		{name: "serialization", err: &pgconn.PgError{Code: CodeSerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("post: %w", &pgconn.PgError{Code: CodeDeadlockDetected}), want: true},
		{name: "lock timeout", err: &pgconn.PgError{Code: CodeLockNotAvailable}, want: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: CodeUniqueViolation}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "uq_accounts_tenant_code_active"})
	require.True(t, IsUniqueViolation(err, "uq_accounts_tenant_code_active"))
	require.True(t, IsUniqueViolation(err, ""))
	require.False(t, IsUniqueViolation(err, "other"))
	require.False(t, IsUniqueViolation(errors.New("x"), ""))
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/gl?sslmode=disable", MigrateURL("postgres://u:p@localhost:5432/gl?sslmode=disable"))
	require.Equal(t, "pgx5://h/gl", MigrateURL("postgresql://h/gl"))
	require.Equal(t, "pgx5://h/gl", MigrateURL("pgx5://h/gl"))
}
