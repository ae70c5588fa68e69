package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
)

// PostingEngine posts one queue item.
type PostingEngine interface {
	Post(ctx context.Context, itemID int64) (accounting.PostResult, error)
}

// PostingJob consumes gl:post tasks.
type PostingJob struct {
	Engine  PostingEngine
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPostingJob constructs the posting task handler.
func NewPostingJob(engine PostingEngine, logger *slog.Logger, metrics *jobmetrics.Metrics) *PostingJob {
	return &PostingJob{Engine: engine, Logger: logger, Metrics: metrics}
}

// Handle posts the queue item named by the task. Terminal failures skip
// asynq retries; the item stays FAILED until an operator fixes the cause.
func (j *PostingJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("posting: engine not configured")
	}
	var payload PostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.QueueItemID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskPostEntry)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.log().With(slog.Int64("queue_item_id", payload.QueueItemID), slog.Int64("tenant_id", payload.TenantID))
	res, err := j.Engine.Post(ctx, payload.QueueItemID)
	if err != nil {
		resultErr = err
		var postErr *accounting.PostingError
		if errors.As(err, &postErr) && postErr.Terminal {
			logger.Error("posting rejected", slog.Any("error", err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return resultErr
	}
	switch {
	case res.Skipped:
		logger.Debug("posting held by another worker")
	case res.AlreadyPosted:
		logger.Debug("queue item already posted")
	}
	return resultErr
}

func (j *PostingJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PostingJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPostEntry))
	}
	return slog.Default().With(slog.String("job", TaskPostEntry))
}
