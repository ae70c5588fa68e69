package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/consol/ic"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
)

// Eliminator runs the intercompany elimination routine.
type Eliminator interface {
	Run(ctx context.Context, tenantID int64) (ic.Result, error)
}

// ICEliminateJob coordinates the elimination workflow.
type ICEliminateJob struct {
	Engine  Eliminator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewICEliminateJob constructs the job handler.
func NewICEliminateJob(engine Eliminator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ICEliminateJob {
	return &ICEliminateJob{Engine: engine, Logger: logger, Metrics: metrics}
}

// Handle executes the elimination job.
func (j *ICEliminateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("ic eliminate: engine not configured")
	}
	scope, err := decodeScope(task)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskICEliminate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Engine.Run(ctx, scope.TenantID)
	j.metrics().AddEliminations(res.Eliminated)
	if err != nil {
		resultErr = err
		j.log().Error("eliminate intercompany pairs", slog.Int64("tenant_id", scope.TenantID), slog.Any("error", err))
		return resultErr
	}
	if res.Eliminated > 0 {
		j.log().Info("eliminated intercompany pairs",
			slog.Int64("tenant_id", scope.TenantID),
			slog.Int("eliminated", res.Eliminated),
			slog.Int("unmatched", res.Unmatched),
			slog.String("total_amount", res.Total.StringFixed(accounting.MinorUnits)))
	}
	return resultErr
}

func (j *ICEliminateJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ICEliminateJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskICEliminate))
	}
	return slog.Default().With(slog.String("job", TaskICEliminate))
}
