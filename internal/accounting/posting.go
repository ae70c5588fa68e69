package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// Posting outcomes reported to the OutcomeRecorder.
const (
	OutcomePosted          = "posted"
	OutcomeAlreadyPosted   = "already_posted"
	OutcomeSkipped         = "skipped"
	OutcomeFailedTransient = "failed_transient"
	OutcomeFailedTerminal  = "failed_terminal"
	OutcomeFailedError     = "failed_error"
)

// Leaser grants short-lived exclusive ownership of a key.
type Leaser interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// OutcomeRecorder counts posting outcomes.
type OutcomeRecorder interface {
	RecordPosting(outcome string)
}

// PostResult describes a completed Post call.
type PostResult struct {
	ItemID        int64
	EntryID       int64
	AlreadyPosted bool
	Skipped       bool
}

// PostingError is returned when a queue item failed to post. The item has
// been marked FAILED with Err's message.
type PostingError struct {
	ItemID   int64
	Terminal bool
	Err      error
}

func (e *PostingError) Error() string {
	kind := "retryable"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("accounting: posting queue item %d failed (%s): %v", e.ItemID, kind, e.Err)
}

func (e *PostingError) Unwrap() error {
	return e.Err
}

// Engine applies pending entries to the ledger.
type Engine struct {
	repo     RepositoryPort
	balances *Materializer
	audit    AuditPort
	lease    Leaser
	metrics  OutcomeRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine constructs the posting engine.
func NewEngine(repo RepositoryPort, balances *Materializer, audit AuditPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if balances == nil {
		balances = NewMaterializer(repo, logger)
	}
	return &Engine{
		repo:     repo,
		balances: balances,
		audit:    audit,
		logger:   logger.With(slog.String("component", "posting_engine")),
		now:      time.Now,
	}
}

// WithLease enables the distributed per-item lease.
func (e *Engine) WithLease(lease Leaser) {
	e.lease = lease
}

// WithMetrics sets the outcome recorder.
func (e *Engine) WithMetrics(m OutcomeRecorder) {
	e.metrics = m
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Post applies the entry of queue item itemID to the ledger balances and
// marks both POSTED in one transaction. Posting an item that is already
// POSTED is a no-op. On failure nothing is applied, the item is marked
// FAILED and the entry stays PENDING.
func (e *Engine) Post(ctx context.Context, itemID int64) (PostResult, error) {
	if e.lease != nil {
		release, acquired, err := e.lease.TryLock(ctx, auditlog.PostingLeaseKey(itemID))
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "posting lease unavailable; relying on row lock", slog.Int64("queue_item_id", itemID), slog.Any("error", err))
		case !acquired:
			e.record(OutcomeSkipped)
			return PostResult{ItemID: itemID, Skipped: true}, nil
		default:
			defer release()
		}
	}

	result := PostResult{ItemID: itemID}
	var posted JournalEntry
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.LockQueueItem(ctx, itemID)
		if err != nil {
			return err
		}
		result.EntryID = item.EntryID
		if item.Status == QueueStatusPosted {
			result.AlreadyPosted = true
			return nil
		}
		entry, err := tx.GetEntry(ctx, item.EntryID)
		if err != nil {
			return err
		}
		if err := e.apply(ctx, tx, entry); err != nil {
			return err
		}
		at := e.now()
		if err := tx.TransitionEntry(ctx, entry.ID, EntryStatusPending, EntryStatusPosted, at); err != nil {
			return err
		}
		if entry.CorrectsID != nil {
			if err := tx.TransitionEntry(ctx, *entry.CorrectsID, EntryStatusPosted, EntryStatusReversed, at); err != nil {
				return fmt.Errorf("reverse entry %d: %w", *entry.CorrectsID, err)
			}
		}
		if err := tx.MarkQueuePosted(ctx, item.ID, at); err != nil {
			return err
		}
		entry.Status = EntryStatusPosted
		entry.PostedAt = &at
		posted = entry
		return nil
	})
	if err != nil {
		return result, e.fail(ctx, itemID, err)
	}
	if result.AlreadyPosted {
		e.record(OutcomeAlreadyPosted)
		return result, nil
	}
	e.record(OutcomePosted)
	e.logger.InfoContext(ctx, "journal entry posted",
		slog.Int64("queue_item_id", itemID), slog.Int64("entry_id", posted.ID), slog.Int64("tenant_id", posted.TenantID))
	meta := map[string]any{"tenant_id": posted.TenantID, "number": posted.Number, "queue_item_id": itemID}
	if posted.CorrectsID != nil {
		meta["corrects_id"] = *posted.CorrectsID
	}
	recordAudit(ctx, e.audit, e.logger, auditlog.AuditLog{
		ActorID:  posted.CreatedBy,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: strconv.FormatInt(posted.ID, 10),
		Meta:     meta,
		At:       e.now(),
	})
	return result, nil
}

// apply re-validates entry against the current state of its accounts and
// applies the per-account deltas. Accounts are locked in ascending id order.
func (e *Engine) apply(ctx context.Context, tx TxRepository, entry JournalEntry) error {
	if entry.Status != EntryStatusPending {
		return fmt.Errorf("%w: entry %d is %s", shared.ErrConflictingTransition, entry.ID, entry.Status)
	}
	if err := validateAmounts(linesAsInput(entry.Lines)); err != nil {
		return err
	}
	deltas := make(map[int64]decimal.Decimal)
	ids := make([]int64, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		if _, ok := deltas[line.AccountID]; !ok {
			ids = append(ids, line.AccountID)
			deltas[line.AccountID] = decimal.Zero
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	locked, err := tx.LockAccounts(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]accounts.Account, len(locked))
	for _, a := range locked {
		byID[a.ID] = a
	}
	for _, id := range ids {
		account, ok := byID[id]
		if !ok || account.TenantID != entry.TenantID {
			return fmt.Errorf("%w: id %d", shared.ErrAccountNotFound, id)
		}
		if err := accounts.EnsurePostable(account); err != nil {
			return err
		}
	}
	for _, line := range entry.Lines {
		account := byID[line.AccountID]
		deltas[line.AccountID] = deltas[line.AccountID].Add(SignedDelta(account.Type, line.Debit, line.Credit))
	}
	for _, id := range ids {
		if err := e.balances.ApplyLine(ctx, tx, entry.TenantID, id, entry.EntryDate, deltas[id]); err != nil {
			return err
		}
	}
	return nil
}

// fail records cause on the queue item in its own transaction so the record
// survives the rollback of the posting transaction.
func (e *Engine) fail(ctx context.Context, itemID int64, cause error) error {
	terminal := shared.IsTerminal(cause)
	outcome := OutcomeFailedError
	switch {
	case terminal:
		outcome = OutcomeFailedTerminal
	case errors.Is(cause, shared.ErrTransient):
		outcome = OutcomeFailedTransient
	}
	e.record(outcome)

	if errors.Is(cause, shared.ErrQueueItemNotFound) {
		return &PostingError{ItemID: itemID, Terminal: true, Err: cause}
	}

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	at := e.now()
	markErr := e.repo.WithTx(failCtx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkQueueFailed(ctx, itemID, cause.Error(), !terminal, at)
	})
	if markErr != nil {
		e.logger.ErrorContext(ctx, "mark posting failed", slog.Int64("queue_item_id", itemID), slog.Any("error", markErr))
	}
	e.logger.WarnContext(ctx, "posting failed",
		slog.Int64("queue_item_id", itemID), slog.String("outcome", outcome), slog.Any("error", cause))
	recordAudit(failCtx, e.audit, e.logger, auditlog.AuditLog{
		Action:   "journal.post_failed",
		Entity:   "posting_queue",
		EntityID: strconv.FormatInt(itemID, 10),
		Meta:     map[string]any{"error": cause.Error(), "terminal": terminal},
		At:       at,
	})
	return &PostingError{ItemID: itemID, Terminal: terminal, Err: cause}
}

func (e *Engine) record(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordPosting(outcome)
	}
}

// RetryOptions tunes RetryFailed.
type RetryOptions struct {
	// StaleAfter is how long a PENDING item may wait before the sweep
	// assumes its worker hand-off was lost.
	StaleAfter  time.Duration
	Limit       int
	Concurrency int
}

// RetrySummary counts what a sweep did.
type RetrySummary struct {
	Considered    int
	Posted        int
	AlreadyPosted int
	Skipped       int
	Failed        int
}

// RetryFailed re-posts retryable FAILED items and stale PENDING items with
// bounded concurrency. Individual posting failures are counted, not returned.
func (e *Engine) RetryFailed(ctx context.Context, opts RetryOptions) (RetrySummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	var items []QueueItem
	staleBefore := e.now().Add(-opts.StaleAfter)
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		items, err = tx.ListRetryable(ctx, staleBefore, opts.Limit)
		return err
	})
	if err != nil {
		return RetrySummary{}, err
	}

	summary := RetrySummary{Considered: len(items)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := e.Post(ctx, item.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
			case res.Skipped:
				summary.Skipped++
			case res.AlreadyPosted:
				summary.AlreadyPosted++
			default:
				summary.Posted++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}
