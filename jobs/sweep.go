package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
)

// RetryEngine re-posts failed and stale queue items.
type RetryEngine interface {
	RetryFailed(ctx context.Context, opts accounting.RetryOptions) (accounting.RetrySummary, error)
}

// SweepJob picks up queue items the asynq hand-off lost or gave up on.
type SweepJob struct {
	Engine  RetryEngine
	Options accounting.RetryOptions
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSweepJob constructs the sweep handler.
func NewSweepJob(engine RetryEngine, opts accounting.RetryOptions, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{Engine: engine, Options: opts, Logger: logger, Metrics: metrics}
}

// Handle runs one sweep.
func (j *SweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("sweep: engine not configured")
	}
	tracker := j.metrics().Track(TaskSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	summary, err := j.Engine.RetryFailed(ctx, j.Options)
	if err != nil {
		resultErr = err
		j.log().Error("sweep failed", slog.Any("error", err))
		return resultErr
	}
	if summary.Considered == 0 {
		return resultErr
	}
	j.log().Info("swept posting queue",
		slog.Int("considered", summary.Considered),
		slog.Int("posted", summary.Posted),
		slog.Int("already_posted", summary.AlreadyPosted),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed))
	return resultErr
}

func (j *SweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSweep))
	}
	return slog.Default().With(slog.String("job", TaskSweep))
}
