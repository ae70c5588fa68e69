package ic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// RepositoryPort persists intercompany transactions.
type RepositoryPort interface {
	Insert(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id int64) (Transaction, error)
	ListOpen(ctx context.Context, tenantID, afterID int64, limit int) ([]Transaction, error)
	SetStatus(ctx context.Context, id int64, status Status, at time.Time) error
	MarkEliminated(ctx context.Context, id int64, at time.Time) (Transaction, bool, error)
}

// EntryReader loads journal entries; satisfied by accounting.Service.
type EntryReader interface {
	GetEntry(ctx context.Context, id int64) (accounting.JournalEntry, error)
}

// AuditRecorder captures audit events.
type AuditRecorder interface {
	Record(ctx context.Context, log auditlog.AuditLog) error
}

// Service records intercompany pairs. It never modifies journal entries.
type Service struct {
	repo     RepositoryPort
	entries  EntryReader
	audit    AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService wires the pairing service.
func NewService(repo RepositoryPort, entries EntryReader, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		entries:  entries,
		audit:    audit,
		logger:   logger.With(slog.String("component", "ic_pairing")),
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Pair links two entries as the legs of one intercompany transaction.
func (s *Service) Pair(ctx context.Context, in PairInput) (Transaction, error) {
	if err := s.validate.Struct(in); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if in.SourceEntryID == in.TargetEntryID {
		return Transaction{}, ErrSameEntry
	}
	source, err := s.leg(ctx, in.SourceEntryID)
	if err != nil {
		return Transaction{}, err
	}
	target, err := s.leg(ctx, in.TargetEntryID)
	if err != nil {
		return Transaction{}, err
	}
	if source.TenantID != target.TenantID {
		// Entries of another tenant are invisible to this one.
		return Transaction{}, fmt.Errorf("%w: entry %d", ErrEntryNotFound, target.ID)
	}
	if source.CompanyID == target.CompanyID {
		return Transaction{}, ErrSameCompany
	}

	created, err := s.repo.Insert(ctx, Transaction{
		TenantID:        source.TenantID,
		SourceCompanyID: source.CompanyID,
		TargetCompanyID: target.CompanyID,
		SourceEntryID:   source.ID,
		TargetEntryID:   target.ID,
		Module:          in.Module,
		Amount:          in.Amount.Round(accounting.MinorUnits),
		Status:          legStatus(source, target),
		CreatedBy:       in.ActorID,
	})
	if err != nil {
		return Transaction{}, err
	}
	s.logger.InfoContext(ctx, "intercompany pair recorded",
		slog.Int64("ic_id", created.ID), slog.Int64("tenant_id", created.TenantID), slog.String("status", string(created.Status)))
	recordAudit(ctx, s.audit, s.logger, auditlog.AuditLog{
		ActorID:  in.ActorID,
		Action:   "ic.pair",
		Entity:   "intercompany_transaction",
		EntityID: strconv.FormatInt(created.ID, 10),
		Meta: map[string]any{
			"source_je_id": created.SourceEntryID,
			"target_je_id": created.TargetEntryID,
			"module":       created.Module,
			"amount":       created.Amount.StringFixed(accounting.MinorUnits),
		},
		At: s.now(),
	})
	return created, nil
}

// MarkEliminated flags the pair as eliminated in consolidation. Repeated
// calls keep the first elimination timestamp.
func (s *Service) MarkEliminated(ctx context.Context, id int64, actorID int64) (Transaction, error) {
	txn, changed, err := s.repo.MarkEliminated(ctx, id, s.now())
	if err != nil {
		return Transaction{}, err
	}
	if changed {
		recordAudit(ctx, s.audit, s.logger, auditlog.AuditLog{
			ActorID:  actorID,
			Action:   "ic.eliminate",
			Entity:   "intercompany_transaction",
			EntityID: strconv.FormatInt(txn.ID, 10),
			Meta:     map[string]any{"tenant_id": txn.TenantID, "amount": txn.Amount.StringFixed(accounting.MinorUnits)},
			At:       s.now(),
		})
	}
	return txn, nil
}

// Get returns one intercompany transaction.
func (s *Service) Get(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) leg(ctx context.Context, id int64) (accounting.JournalEntry, error) {
	entry, err := s.entries.GetEntry(ctx, id)
	if errors.Is(err, shared.ErrJournalNotFound) {
		return accounting.JournalEntry{}, fmt.Errorf("%w: entry %d", ErrEntryNotFound, id)
	}
	return entry, err
}

func legStatus(source, target accounting.JournalEntry) Status {
	if source.Status == accounting.EntryStatusPosted && target.Status == accounting.EntryStatusPosted {
		return StatusMatched
	}
	return StatusPending
}

func recordAudit(ctx context.Context, audit AuditRecorder, logger *slog.Logger, log auditlog.AuditLog) {
	if audit == nil {
		return
	}
	if err := audit.Record(ctx, log); err != nil {
		logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
