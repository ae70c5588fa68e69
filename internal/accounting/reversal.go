package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// ReverseInput wraps parameters for reversal.
type ReverseInput struct {
	EntryID int64
	Reason  string
	ActorID int64
	// Date defaults to the original entry date and may not precede it.
	Date *time.Time
}

// Reverser creates and posts entries that negate posted entries.
type Reverser struct {
	store  *Service
	engine *Engine
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewReverser constructs the reversal manager.
func NewReverser(store *Service, engine *Engine, audit AuditPort, logger *slog.Logger) *Reverser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reverser{
		store:  store,
		engine: engine,
		audit:  audit,
		logger: logger.With(slog.String("component", "reversal_manager")),
		now:    time.Now,
	}
}

// WithNow overrides the clock for testing.
func (r *Reverser) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Reverse creates a mirror entry of a POSTED entry and posts it
// synchronously. The original becomes REVERSED in the same transaction that
// posts the mirror; if posting fails the original stays POSTED and the
// pending mirror is reused by the next call. A reused mirror keeps the
// description of the call that created it, and an explicit Date that
// differs from its date is rejected.
func (r *Reverser) Reverse(ctx context.Context, in ReverseInput) (JournalEntry, error) {
	if in.EntryID <= 0 {
		return JournalEntry{}, fmt.Errorf("%w: entry id required", shared.ErrInvalidInput)
	}
	original, err := r.store.GetEntry(ctx, in.EntryID)
	if err != nil {
		return JournalEntry{}, err
	}
	if original.Status != EntryStatusPosted {
		return JournalEntry{}, fmt.Errorf("%w: entry %d is %s", shared.ErrInvalidReversalTarget, original.ID, original.Status)
	}
	date := original.EntryDate
	if in.Date != nil {
		date = dateOnly(*in.Date)
		if date.Before(dateOnly(original.EntryDate)) {
			return JournalEntry{}, fmt.Errorf("%w: reversal date %s precedes entry date %s",
				shared.ErrInvalidReversalTarget, date.Format(time.DateOnly), original.EntryDate.Format(time.DateOnly))
		}
	}

	reversal, item, created, err := r.store.reversalFor(ctx, original.ID, CreateEntryInput{
		TenantID:    original.TenantID,
		CompanyID:   original.CompanyID,
		ProjectID:   original.ProjectID,
		EntryDate:   date,
		Description: reversalDescription(original, in.Reason),
		Source:      SourceRef{Kind: SourceReversal, ID: reversalSourceID(original)},
		CreatedBy:   in.ActorID,
		Lines:       reverseLines(original.Lines),
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if !created && in.Date != nil && !dateOnly(reversal.EntryDate).Equal(date) {
		return JournalEntry{}, fmt.Errorf("%w: pending reversal %d is dated %s",
			shared.ErrInvalidReversalTarget, reversal.ID, reversal.EntryDate.Format(time.DateOnly))
	}

	res, err := r.engine.Post(ctx, item.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	if res.Skipped {
		return JournalEntry{}, fmt.Errorf("%w: queue item %d", shared.ErrPostingInProgress, item.ID)
	}
	posted, err := r.store.GetEntry(ctx, reversal.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	r.logger.InfoContext(ctx, "journal entry reversed", slog.Int64("entry_id", original.ID), slog.Int64("reversal_id", posted.ID))
	recordAudit(ctx, r.audit, r.logger, auditlog.AuditLog{
		ActorID:  in.ActorID,
		Action:   "journal.reverse",
		Entity:   "journal_entry",
		EntityID: strconv.FormatInt(original.ID, 10),
		Meta: map[string]any{
			"reversal_id": posted.ID,
			"reason":      in.Reason,
		},
		At: r.now(),
	})
	return posted, nil
}

// reverseLines swaps debit and credit of every line.
func reverseLines(lines []JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineInput{
			AccountID: l.AccountID,
			Debit:     l.Credit,
			Credit:    l.Debit,
			Memo:      l.Memo,
			Related:   l.Related,
		})
	}
	return out
}

func reversalDescription(original JournalEntry, reason string) string {
	desc := fmt.Sprintf("Reversal of JE %d", original.Number)
	if reason = strings.TrimSpace(reason); reason != "" {
		desc += ": " + reason
	}
	if runes := []rune(desc); len(runes) > maxDescription {
		desc = string(runes[:maxDescription])
	}
	return desc
}

// reversalSourceID derives a stable source id so every reversal of the same
// entry carries the same origin reference.
func reversalSourceID(original JournalEntry) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("odyssey-gl/journal-entry/"+strconv.FormatInt(original.ID, 10)+"/reversal"))
}
