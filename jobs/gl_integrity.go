package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
)

// BalanceStore verifies and rebuilds materialized balances.
type BalanceStore interface {
	AccountsWithActivity(ctx context.Context, tenantID int64) ([]int64, error)
	Verify(ctx context.Context, accountID int64) ([]accounting.Discrepancy, error)
	Rebuild(ctx context.Context, accountID int64) ([]accounting.LedgerBalance, error)
}

// IntegrityJob compares stored balances with a replay of the posted lines.
// Discrepancies are logged and counted; they are repaired only on request.
type IntegrityJob struct {
	Balances BalanceStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewIntegrityJob constructs the integrity handler.
func NewIntegrityJob(balances BalanceStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{
		Balances: balances,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// IntegrityReport summarises one verification run.
type IntegrityReport struct {
	Accounts      int
	Discrepancies int
	Repaired      int
}

// Handle executes the integrity check for the task scope.
func (j *IntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Balances == nil {
		return errors.New("gl integrity: balances not configured")
	}
	scope, err := decodeScope(task)
	if err != nil {
		return asynq.SkipRetry
	}
	_, err = j.Run(ctx, scope)
	return err
}

// Run verifies every account in scope.
func (j *IntegrityJob) Run(ctx context.Context, scope ScopePayload) (IntegrityReport, error) {
	tracker := j.metrics().Track(TaskIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	accountIDs, err := scopeAccounts(ctx, j.Balances, scope)
	if err != nil {
		resultErr = err
		j.log().Error("list accounts", slog.Int64("tenant_id", scope.TenantID), slog.Any("error", err))
		return IntegrityReport{}, resultErr
	}

	report := IntegrityReport{}
	for _, accountID := range accountIDs {
		found, err := j.Balances.Verify(ctx, accountID)
		if err != nil {
			resultErr = err
			j.log().Error("verify account", slog.Int64("account_id", accountID), slog.Any("error", err))
			return report, resultErr
		}
		report.Accounts++
		if len(found) == 0 {
			continue
		}
		report.Discrepancies += len(found)
		for _, d := range found {
			j.log().Warn("ledger balance discrepancy",
				slog.Int64("tenant_id", d.TenantID),
				slog.Int64("account_id", d.AccountID),
				slog.String("as_of", d.AsOfDate.Format(time.DateOnly)),
				slog.String("stored", d.Stored.String()),
				slog.String("expected", d.Expected.String()),
				slog.String("reason", d.Reason))
		}
		j.metrics().AddDiscrepancies(found[0].TenantID, len(found))
		if !scope.Repair {
			continue
		}
		if _, err := j.Balances.Rebuild(ctx, accountID); err != nil {
			resultErr = err
			j.log().Error("repair account", slog.Int64("account_id", accountID), slog.Any("error", err))
			return report, resultErr
		}
		report.Repaired++
	}

	j.log().Info("verified ledger balances",
		slog.Int64("tenant_id", scope.TenantID),
		slog.Int("accounts", report.Accounts),
		slog.Int("discrepancies", report.Discrepancies),
		slog.Int("repaired", report.Repaired),
		slog.Duration("duration", j.now().Sub(start)))
	return report, resultErr
}

func scopeAccounts(ctx context.Context, balances BalanceStore, scope ScopePayload) ([]int64, error) {
	if scope.AccountID > 0 {
		return []int64{scope.AccountID}, nil
	}
	return balances.AccountsWithActivity(ctx, scope.TenantID)
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskIntegrity))
}

func (j *IntegrityJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *IntegrityJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
