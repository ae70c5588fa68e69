package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log auditlog.AuditLog) error
}

// AccountResolver resolves and tenant-checks the accounts lines refer to.
type AccountResolver interface {
	ResolveMany(ctx context.Context, tenantID int64, ids []int64) (map[int64]accounts.Account, error)
}

// Enqueuer hands a committed queue item to the asynchronous posting worker.
type Enqueuer interface {
	EnqueuePosting(ctx context.Context, item QueueItem) error
}

// Service is the journal entry store.
type Service struct {
	repo     RepositoryPort
	accounts AccountResolver
	audit    AuditPort
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the journal entry store.
func NewService(repo RepositoryPort, resolver AccountResolver, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		accounts: resolver,
		audit:    audit,
		logger:   logger.With(slog.String("component", "journal_store")),
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithEnqueuer sets the worker hand-off used after an entry commits.
func (s *Service) WithEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// CreateEntry validates and persists a PENDING entry together with its
// posting queue item. Nothing is persisted when validation fails.
func (s *Service) CreateEntry(ctx context.Context, in CreateEntryInput) (JournalEntry, QueueItem, error) {
	if in.Source.Kind == SourceReversal {
		return JournalEntry{}, QueueItem{}, fmt.Errorf("%w: source kind %s is reserved for reversals", shared.ErrInvalidInput, SourceReversal)
	}
	return s.createEntry(ctx, in, nil, true)
}

func (s *Service) createEntry(ctx context.Context, in CreateEntryInput, correctsID *int64, enqueue bool) (JournalEntry, QueueItem, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, QueueItem{}, err
	}
	if in.Source.Kind == "" {
		in.Source.Kind = SourceManual
	}
	ids := make([]int64, 0, len(in.Lines))
	for _, line := range in.Lines {
		ids = append(ids, line.AccountID)
	}
	resolved, err := s.accounts.ResolveMany(ctx, in.TenantID, ids)
	if err != nil {
		return JournalEntry{}, QueueItem{}, err
	}
	for _, id := range ids {
		if err := accounts.EnsurePostable(resolved[id]); err != nil {
			return JournalEntry{}, QueueItem{}, err
		}
	}

	header := JournalEntry{
		TenantID:    in.TenantID,
		CompanyID:   in.CompanyID,
		ProjectID:   in.ProjectID,
		EntryDate:   dateOnly(in.EntryDate),
		Description: in.Description,
		Source:      in.Source,
		CorrectsID:  correctsID,
		CreatedBy:   in.CreatedBy,
	}
	lines := make([]JournalLine, 0, len(in.Lines))
	for idx, line := range in.Lines {
		related := line.Related
		if related.Kind == "" {
			related.Kind = RelatedNone
		}
		lines = append(lines, JournalLine{
			LineNo:    idx + 1,
			AccountID: line.AccountID,
			Debit:     line.Debit,
			Credit:    line.Credit,
			Memo:      line.Memo,
			Related:   related,
		})
	}

	var (
		entry JournalEntry
		item  QueueItem
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertEntry(ctx, header)
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, inserted.ID, lines); err != nil {
			return err
		}
		queued, err := tx.InsertQueueItem(ctx, inserted.TenantID, inserted.ID)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].EntryID = inserted.ID
		}
		inserted.Lines = lines
		entry = inserted
		item = queued
		return nil
	})
	if err != nil {
		return JournalEntry{}, QueueItem{}, err
	}

	if enqueue && s.enqueuer != nil {
		if err := s.enqueuer.EnqueuePosting(ctx, item); err != nil {
			s.logger.WarnContext(ctx, "enqueue posting failed; sweep will pick it up",
				slog.Int64("entry_id", entry.ID), slog.Int64("queue_item_id", item.ID), slog.Any("error", err))
		}
	}
	s.record(ctx, in.CreatedBy, "journal.create", entry, map[string]any{
		"tenant_id":     entry.TenantID,
		"number":        entry.Number,
		"queue_item_id": item.ID,
		"source_kind":   string(entry.Source.Kind),
		"source_id":     entry.Source.ID.String(),
	})
	return entry, item, nil
}

// GetEntry returns the entry with its lines.
func (s *Service) GetEntry(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetEntry(ctx, id)
		return err
	})
	return entry, err
}

// GetQueueItem returns a posting queue item.
func (s *Service) GetQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	var item QueueItem
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		item, err = tx.GetQueueItem(ctx, id)
		return err
	})
	return item, err
}

// QueueItemForEntry returns the posting queue item of an entry.
func (s *Service) QueueItemForEntry(ctx context.Context, entryID int64) (QueueItem, error) {
	var item QueueItem
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		item, err = tx.QueueItemForEntry(ctx, entryID)
		return err
	})
	return item, err
}

// reversalFor returns the PENDING reversal of entryID, creating it from in
// when there is none. A concurrent caller that inserted first wins through
// the corrects_id unique index and its entry is returned instead.
func (s *Service) reversalFor(ctx context.Context, entryID int64, in CreateEntryInput) (JournalEntry, QueueItem, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		entry, item, found, err := s.pendingReversal(ctx, entryID)
		if err != nil || found {
			return entry, item, false, err
		}
		entry, item, err = s.createEntry(ctx, in, &entryID, false)
		if !errors.Is(err, shared.ErrReversalExists) {
			return entry, item, err == nil, err
		}
		s.logger.InfoContext(ctx, "reversal created concurrently; reusing it", slog.Int64("entry_id", entryID))
	}
	return JournalEntry{}, QueueItem{}, false, fmt.Errorf("%w: entry %d already has a posted reversal", shared.ErrInvalidReversalTarget, entryID)
}

func (s *Service) pendingReversal(ctx context.Context, entryID int64) (JournalEntry, QueueItem, bool, error) {
	var (
		entry JournalEntry
		item  QueueItem
		found bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, ok, err := tx.FindPendingReversal(ctx, entryID)
		if err != nil || !ok {
			return err
		}
		if entry, err = tx.GetEntry(ctx, id); err != nil {
			return err
		}
		if item, err = tx.QueueItemForEntry(ctx, id); err != nil {
			return err
		}
		found = true
		return nil
	})
	return entry, item, found, err
}

func (s *Service) record(ctx context.Context, actorID int64, action string, entry JournalEntry, meta map[string]any) {
	recordAudit(ctx, s.audit, s.logger, auditlog.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "journal_entry",
		EntityID: strconv.FormatInt(entry.ID, 10),
		Meta:     meta,
		At:       s.now(),
	})
}

func recordAudit(ctx context.Context, audit AuditPort, logger *slog.Logger, log auditlog.AuditLog) {
	if audit == nil {
		return
	}
	if err := audit.Record(ctx, log); err != nil {
		logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.String("entity_id", log.EntityID), slog.Any("error", err))
	}
}
