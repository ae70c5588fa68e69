package ic

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// DefaultBatch is the page size used to walk open pairs.
const DefaultBatch = 500

// Engine refreshes pair status from the legs and eliminates matched pairs.
type Engine struct {
	repo    RepositoryPort
	entries EntryReader
	audit   AuditRecorder
	logger  *slog.Logger
	actorID int64
	batch   int
	now     func() time.Time
}

// EngineConfig configures optional behaviour for the engine.
type EngineConfig struct {
	ActorID int64
	Batch   int
}

// NewEngine wires required dependencies for the elimination engine.
func NewEngine(repo RepositoryPort, entries EntryReader, audit AuditRecorder, logger *slog.Logger, cfg EngineConfig) *Engine {
	eng := &Engine{
		repo:    repo,
		entries: entries,
		audit:   audit,
		logger:  logger,
		batch:   DefaultBatch,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if cfg.ActorID > 0 {
		eng.actorID = cfg.ActorID
	}
	if cfg.Batch > 0 {
		eng.batch = cfg.Batch
	}
	return eng
}

// Run inspects every open pair of tenantID (zero means every tenant), one
// page of Batch pairs at a time. Pairs whose legs are both POSTED become
// MATCHED and are eliminated; the others are left PENDING for a later run.
func (e *Engine) Run(ctx context.Context, tenantID int64) (Result, error) {
	if e == nil || e.repo == nil || e.entries == nil {
		return Result{}, fmt.Errorf("ic engine not initialised")
	}
	result := Result{TenantID: tenantID, Total: decimal.Zero}
	var cursor int64
	for {
		open, err := e.repo.ListOpen(ctx, tenantID, cursor, e.batch)
		if err != nil {
			return result, err
		}
		for _, txn := range open {
			if err := e.process(ctx, txn, &result); err != nil {
				return result, err
			}
			cursor = txn.ID
		}
		if len(open) < e.batch {
			break
		}
	}
	if result.Considered == 0 {
		e.log().Info("no open intercompany pairs", slog.Int64("tenant_id", tenantID))
		return result, nil
	}

	e.log().Info("completed intercompany eliminations",
		slog.Int64("tenant_id", tenantID),
		slog.Int("considered", result.Considered),
		slog.Int("eliminated", result.Eliminated),
		slog.String("total_amount", result.Total.StringFixed(accounting.MinorUnits)))
	return result, nil
}

func (e *Engine) process(ctx context.Context, txn Transaction, result *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result.Considered++
	status, err := e.status(ctx, txn)
	if err != nil {
		return err
	}
	if status != txn.Status {
		if err := e.repo.SetStatus(ctx, txn.ID, status, e.now()); err != nil {
			return err
		}
	}
	if status != StatusMatched {
		result.Unmatched++
		return nil
	}
	result.Matched++
	eliminated, changed, err := e.repo.MarkEliminated(ctx, txn.ID, e.now())
	if err != nil {
		return err
	}
	if changed {
		result.Eliminated++
		result.Total = result.Total.Add(eliminated.Amount)
		e.recordAudit(ctx, eliminated)
	}
	return nil
}

func (e *Engine) status(ctx context.Context, txn Transaction) (Status, error) {
	source, err := e.entries.GetEntry(ctx, txn.SourceEntryID)
	if err != nil {
		return "", fmt.Errorf("ic %d: load source entry %d: %w", txn.ID, txn.SourceEntryID, err)
	}
	target, err := e.entries.GetEntry(ctx, txn.TargetEntryID)
	if err != nil {
		return "", fmt.Errorf("ic %d: load target entry %d: %w", txn.ID, txn.TargetEntryID, err)
	}
	return legStatus(source, target), nil
}

func (e *Engine) recordAudit(ctx context.Context, txn Transaction) {
	if e == nil || e.audit == nil {
		return
	}
	_ = e.audit.Record(ctx, auditlog.AuditLog{
		ActorID:  e.actorID,
		Action:   "ic.eliminate",
		Entity:   "intercompany_transaction",
		EntityID: strconv.FormatInt(txn.ID, 10),
		Meta: map[string]any{
			"tenant_id":         txn.TenantID,
			"source_company_id": txn.SourceCompanyID,
			"target_company_id": txn.TargetCompanyID,
			"module":            txn.Module,
			"amount":            txn.Amount.StringFixed(accounting.MinorUnits),
			"actor":             "system/job",
		},
		At: e.now(),
	})
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger.With(slog.String("component", "ic_engine"))
	}
	return slog.Default().With(slog.String("component", "ic_engine"))
}
