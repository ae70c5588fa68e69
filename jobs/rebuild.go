package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
)

// RebuildJob recomputes materialized balances from posted lines.
type RebuildJob struct {
	Balances BalanceStore
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewRebuildJob constructs the rebuild handler.
func NewRebuildJob(balances BalanceStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *RebuildJob {
	return &RebuildJob{Balances: balances, Logger: logger, Metrics: metrics}
}

// Handle rebuilds one account, or every account with activity in the tenant.
func (j *RebuildJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Balances == nil {
		return errors.New("rebuild: balances not configured")
	}
	scope, err := decodeScope(task)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRebuild)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	accountIDs, err := scopeAccounts(ctx, j.Balances, scope)
	if err != nil {
		resultErr = err
		return resultErr
	}
	rows := 0
	for _, accountID := range accountIDs {
		rebuilt, err := j.Balances.Rebuild(ctx, accountID)
		if err != nil {
			resultErr = err
			j.log().Error("rebuild account", slog.Int64("account_id", accountID), slog.Any("error", err))
			return resultErr
		}
		rows += len(rebuilt)
	}
	j.log().Info("rebuilt ledger balances",
		slog.Int64("tenant_id", scope.TenantID),
		slog.Int("accounts", len(accountIDs)),
		slog.Int("snapshots", rows))
	return resultErr
}

func (j *RebuildJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RebuildJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRebuild))
	}
	return slog.Default().With(slog.String("job", TaskRebuild))
}
