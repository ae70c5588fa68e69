package ic

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func newPairingFixture() (*Service, *stubRepo, *stubEntries, *stubAudit) {
	repo := newStubRepo()
	entries := &stubEntries{}
	audit := &stubAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, entries, audit, logger), repo, entries, audit
}

func TestPairComputesStatusFromLegs(t *testing.T) {
	svc, _, entries, audit := newPairingFixture()
	entries.set(1, 1, 10, accounting.EntryStatusPosted)
	entries.set(2, 1, 20, accounting.EntryStatusPending)
	entries.set(3, 1, 30, accounting.EntryStatusPosted)

	pending, err := svc.Pair(context.Background(), PairInput{SourceEntryID: 1, TargetEntryID: 2, Module: ModuleAR, Amount: decimal.RequireFromString("250.005")})
	require.NoError(t, err)
	require.Equal(t, StatusPending, pending.Status)
	require.Equal(t, int64(10), pending.SourceCompanyID)
	require.Equal(t, int64(20), pending.TargetCompanyID)
	require.Equal(t, "250.01", pending.Amount.StringFixed(2))

	matched, err := svc.Pair(context.Background(), PairInput{SourceEntryID: 1, TargetEntryID: 3, Module: ModuleJE, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	require.Equal(t, StatusMatched, matched.Status)
	require.Len(t, audit.logs, 2)
	require.Equal(t, "ic.pair", audit.logs[0].Action)

	got, err := svc.Get(context.Background(), matched.ID)
	require.NoError(t, err)
	require.Equal(t, matched.ID, got.ID)
}

func TestPairRejectsInvalidLegs(t *testing.T) {
	svc, _, entries, _ := newPairingFixture()
	entries.set(1, 1, 10, accounting.EntryStatusPosted)
	entries.set(2, 1, 10, accounting.EntryStatusPosted)
	entries.set(3, 2, 30, accounting.EntryStatusPosted)
	entries.set(4, 1, 40, accounting.EntryStatusPosted)
	ctx := context.Background()
	amount := decimal.NewFromInt(100)

	cases := []struct {
		name string
		in   PairInput
		want error
	}{
		{"same entry", PairInput{SourceEntryID: 1, TargetEntryID: 1, Module: ModuleAP, Amount: amount}, ErrSameEntry},
		{"same company", PairInput{SourceEntryID: 1, TargetEntryID: 2, Module: ModuleAP, Amount: amount}, ErrSameCompany},
		{"missing entry", PairInput{SourceEntryID: 1, TargetEntryID: 99, Module: ModuleAP, Amount: amount}, ErrEntryNotFound},
		{"other tenant", PairInput{SourceEntryID: 1, TargetEntryID: 3, Module: ModuleAP, Amount: amount}, ErrEntryNotFound},
		{"bad module", PairInput{SourceEntryID: 1, TargetEntryID: 4, Module: "GL", Amount: amount}, ErrInvalidInput},
		{"zero amount", PairInput{SourceEntryID: 1, TargetEntryID: 4, Module: ModuleAR, Amount: decimal.Zero}, ErrInvalidInput},
		{"negative amount", PairInput{SourceEntryID: 1, TargetEntryID: 4, Module: ModuleAR, Amount: decimal.NewFromInt(-3)}, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Pair(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPairRejectsDuplicate(t *testing.T) {
	svc, _, entries, _ := newPairingFixture()
	entries.set(1, 1, 10, accounting.EntryStatusPosted)
	entries.set(2, 1, 20, accounting.EntryStatusPosted)
	in := PairInput{SourceEntryID: 1, TargetEntryID: 2, Module: ModuleAR, Amount: decimal.NewFromInt(1)}

	_, err := svc.Pair(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.Pair(context.Background(), in)
	require.ErrorIs(t, err, ErrPairExists)
}

func TestMarkEliminatedIsIdempotentAndLeavesEntriesAlone(t *testing.T) {
	svc, _, entries, audit := newPairingFixture()
	entries.set(1, 1, 10, accounting.EntryStatusPosted)
	entries.set(2, 1, 20, accounting.EntryStatusPosted)
	ctx := context.Background()
	txn, err := svc.Pair(ctx, PairInput{SourceEntryID: 1, TargetEntryID: 2, Module: ModuleAR, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	first, err := svc.MarkEliminated(ctx, txn.ID, 9)
	require.NoError(t, err)
	require.True(t, first.IsEliminated)
	second, err := svc.MarkEliminated(ctx, txn.ID, 9)
	require.NoError(t, err)
	require.Equal(t, first.EliminatedAt, second.EliminatedAt)
	require.Len(t, audit.logs, 2, "pair plus one elimination")

	require.Equal(t, accounting.EntryStatusPosted, entries.entries[1].Status)
	require.Equal(t, accounting.EntryStatusPosted, entries.entries[2].Status)

	_, err = svc.MarkEliminated(ctx, 404, 9)
	require.ErrorIs(t, err, ErrPairNotFound)
}
