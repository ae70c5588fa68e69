package accounting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) RecordPosting(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func (c *countingRecorder) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

func TestPostAppliesBalancesAndMarksPosted(t *testing.T) {
	f := newLedgerFixture(t)
	metrics := &countingRecorder{}
	f.engine.WithMetrics(metrics)
	entry, item := f.create(t, f.input(day(10), debit(f.cash, "1000"), credit(f.revenue, "1000")))

	res, err := f.engine.Post(context.Background(), item.ID)
	require.NoError(t, err)
	require.False(t, res.AlreadyPosted)
	require.Equal(t, entry.ID, res.EntryID)

	require.Equal(t, "1000.00", f.balance(t, f.cash, day(10)))
	require.Equal(t, "1000.00", f.balance(t, f.revenue, day(10)))
	require.Equal(t, "0.00", f.balance(t, f.cash, day(9)))

	posted, err := f.store.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, posted.Status)
	require.NotNil(t, posted.PostedAt)

	queued, err := f.store.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueStatusPosted, queued.Status)
	require.Equal(t, 1, queued.Attempts)
	require.NotNil(t, queued.ProcessedAt)
	require.Equal(t, 1, metrics.count(OutcomePosted))
	require.Contains(t, f.audit.actions(), "journal.post")
}

func TestPostIsIdempotent(t *testing.T) {
	f := newLedgerFixture(t)
	_, item := f.create(t, f.input(day(10), debit(f.cash, "1000"), credit(f.revenue, "1000")))
	ctx := context.Background()

	_, err := f.engine.Post(ctx, item.ID)
	require.NoError(t, err)
	res, err := f.engine.Post(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadyPosted)

	require.Equal(t, "1000.00", f.balance(t, f.cash, day(31)))
	queued, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, 1, queued.Attempts)
}

func TestPostDeactivatedAccountFailsThenSucceedsAfterReactivation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	entry, item := f.create(t, f.input(day(10), debit(f.cash, "250"), credit(f.revenue, "250")))
	_, err := f.registry.Deactivate(ctx, f.revenue.ID, 1)
	require.NoError(t, err)

	_, err = f.engine.Post(ctx, item.ID)
	require.ErrorIs(t, err, shared.ErrAccountInactive)
	var postingErr *PostingError
	require.ErrorAs(t, err, &postingErr)
	require.True(t, postingErr.Terminal)

	queued, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueStatusFailed, queued.Status)
	require.False(t, queued.Retryable)
	require.Contains(t, queued.ErrorMessage, "account inactive")
	stored, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPending, stored.Status)
	require.Equal(t, "0.00", f.balance(t, f.cash, day(31)))

	// Retrying a terminal failure returns the same error.
	_, err = f.engine.Post(ctx, item.ID)
	require.ErrorIs(t, err, shared.ErrAccountInactive)

	_, err = f.registry.Reactivate(ctx, f.revenue.ID, 1)
	require.NoError(t, err)
	_, err = f.engine.Post(ctx, item.ID)
	require.NoError(t, err)

	queued, err = f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueStatusPosted, queued.Status)
	require.Empty(t, queued.ErrorMessage)
	require.Equal(t, 3, queued.Attempts)
	require.Equal(t, "250.00", f.balance(t, f.cash, day(31)))
}

func TestPostTransientFailureRollsBackEverything(t *testing.T) {
	f := newLedgerFixture(t)
	metrics := &countingRecorder{}
	f.engine.WithMetrics(metrics)
	ctx := context.Background()
	// An existing later snapshot forces the shift step to run.
	f.createAndPost(t, f.input(day(20), debit(f.cash, "100"), credit(f.revenue, "100")))
	entry, item := f.create(t, f.input(day(10), debit(f.cash, "40"), credit(f.revenue, "40")))

	f.repo.injectFailure("ShiftBalancesAfter", fmt.Errorf("%w: lock timeout", shared.ErrTransient))
	_, err := f.engine.Post(ctx, item.ID)
	require.ErrorIs(t, err, shared.ErrTransient)
	var postingErr *PostingError
	require.ErrorAs(t, err, &postingErr)
	require.False(t, postingErr.Terminal)
	require.Equal(t, 1, metrics.count(OutcomeFailedTransient))

	queued, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueStatusFailed, queued.Status)
	require.True(t, queued.Retryable)
	stored, err := f.store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPending, stored.Status)
	require.Equal(t, "0.00", f.balance(t, f.cash, day(10)), "no partial balance update")
	require.Equal(t, "100.00", f.balance(t, f.cash, day(20)))

	f.repo.clearFailure("ShiftBalancesAfter")
	_, err = f.engine.Post(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, "40.00", f.balance(t, f.cash, day(10)))
	require.Equal(t, "140.00", f.balance(t, f.cash, day(20)))
}

func TestPostNeverDowngradesPostedItem(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, item := f.create(t, f.input(day(10), debit(f.cash, "1"), credit(f.revenue, "1")))
	_, err := f.engine.Post(ctx, item.ID)
	require.NoError(t, err)

	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkQueueFailed(ctx, item.ID, "late failure", true, time.Now())
	})
	require.NoError(t, err)
	queued, err := f.store.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, QueueStatusPosted, queued.Status)
}

func TestPostUnknownQueueItem(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := f.engine.Post(context.Background(), 999)
	require.ErrorIs(t, err, shared.ErrQueueItemNotFound)
	require.Zero(t, f.repo.callCount("MarkQueueFailed"))
}

func TestConcurrentPostingsOnSameAccountLoseNoUpdates(t *testing.T) {
	f := newLedgerFixture(t)
	const n = 25
	items := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		// Spread dates so later snapshots are shifted as well as upserted.
		_, item := f.create(t, f.input(day(1+i%5), debit(f.cash, "10"), credit(f.revenue, "10")))
		items = append(items, item.ID)
	}

	var g errgroup.Group
	for _, id := range items {
		g.Go(func() error {
			_, err := f.engine.Post(context.Background(), id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, "250.00", f.balance(t, f.cash, day(31)))
	require.Equal(t, "250.00", f.balance(t, f.revenue, day(31)))
	require.Equal(t, "50.00", f.balance(t, f.cash, day(1)))

	discrepancies, err := f.balances.Verify(context.Background(), f.cash.ID)
	require.NoError(t, err)
	require.Empty(t, discrepancies)
}

func TestSameItemPostedConcurrentlyAppliesOnce(t *testing.T) {
	f := newLedgerFixture(t)
	_, item := f.create(t, f.input(day(10), debit(f.cash, "75"), credit(f.revenue, "75")))

	var (
		mu            sync.Mutex
		posted        int
		alreadyPosted int
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := f.engine.Post(context.Background(), item.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.AlreadyPosted {
				alreadyPosted++
			} else {
				posted++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, posted)
	require.Equal(t, 7, alreadyPosted)
	require.Equal(t, "75.00", f.balance(t, f.cash, day(31)))
}

func TestPostSkipsWhenLeaseIsHeld(t *testing.T) {
	f := newLedgerFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lease := auditlog.NewLease(client, time.Minute)
	f.engine.WithLease(lease)
	metrics := &countingRecorder{}
	f.engine.WithMetrics(metrics)
	ctx := context.Background()
	_, item := f.create(t, f.input(day(10), debit(f.cash, "5"), credit(f.revenue, "5")))

	release, ok, err := lease.TryLock(ctx, auditlog.PostingLeaseKey(item.ID))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.engine.Post(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 1, metrics.count(OutcomeSkipped))
	require.Equal(t, "0.00", f.balance(t, f.cash, day(31)))

	release()
	res, err = f.engine.Post(ctx, item.ID)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, "5.00", f.balance(t, f.cash, day(31)))
	require.False(t, mr.Exists(auditlog.PostingLeaseKey(item.ID)), "lease released after posting")
}

func TestPostProceedsWhenLeaseBackendIsDown(t *testing.T) {
	f := newLedgerFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	f.engine.WithLease(auditlog.NewLease(client, time.Minute))
	mr.Close()

	_, item := f.create(t, f.input(day(10), debit(f.cash, "5"), credit(f.revenue, "5")))
	res, err := f.engine.Post(context.Background(), item.ID)
	require.NoError(t, err)
	require.False(t, res.Skipped)
}

func TestRetryFailedRepostsRetryableAndStaleItems(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	f.engine.WithNow(func() time.Time { return now })

	f.repo.now = func() time.Time { return now.Add(-time.Hour) }
	_, stale := f.create(t, f.input(day(10), debit(f.cash, "1"), credit(f.revenue, "1")))
	_, transient := f.create(t, f.input(day(11), debit(f.cash, "2"), credit(f.revenue, "2")))
	_, terminal := f.create(t, f.input(day(12), debit(f.expense, "3"), credit(f.payable, "3")))
	f.repo.now = func() time.Time { return now }
	_, fresh := f.create(t, f.input(day(13), debit(f.cash, "4"), credit(f.revenue, "4")))

	f.repo.injectFailure("UpsertBalance", fmt.Errorf("%w: connection reset", shared.ErrTransient))
	_, err := f.engine.Post(ctx, transient.ID)
	require.Error(t, err)
	f.repo.clearFailure("UpsertBalance")

	_, err = f.registry.Deactivate(ctx, f.payable.ID, 1)
	require.NoError(t, err)
	_, err = f.engine.Post(ctx, terminal.ID)
	require.ErrorIs(t, err, shared.ErrAccountInactive)

	summary, err := f.engine.RetryFailed(ctx, RetryOptions{StaleAfter: 5 * time.Minute, Limit: 10, Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Considered)
	require.Equal(t, 2, summary.Posted)

	for id, want := range map[int64]QueueStatus{stale.ID: QueueStatusPosted, transient.ID: QueueStatusPosted, terminal.ID: QueueStatusFailed, fresh.ID: QueueStatusPending} {
		item, err := f.store.GetQueueItem(ctx, id)
		require.NoError(t, err)
		require.Equalf(t, want, item.Status, "queue item %d", id)
	}
	require.Equal(t, "3.00", f.balance(t, f.cash, day(31)))
}

func TestPostingErrorMessage(t *testing.T) {
	err := &PostingError{ItemID: 3, Terminal: true, Err: shared.ErrAccountInactive}
	require.Contains(t, err.Error(), "queue item 3 failed (terminal)")
	require.True(t, errors.Is(err, shared.ErrAccountInactive))
}
