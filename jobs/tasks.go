package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

const (
	// QueueLedger carries posting tasks.
	QueueLedger = "ledger"
	// QueueMaintenance carries sweeps, integrity checks and rebuilds.
	QueueMaintenance = "maintenance"

	// TaskPostEntry posts one posting queue item.
	TaskPostEntry = "gl:post"
	// TaskSweep re-posts retryable FAILED and stale PENDING queue items.
	TaskSweep = "gl:sweep"
	// TaskIntegrity verifies stored balances against a replay of posted lines.
	TaskIntegrity = "gl:integrity"
	// TaskRebuild recomputes the balances of one account or one tenant.
	TaskRebuild = "gl:rebuild"
	// TaskICEliminate refreshes and eliminates intercompany pairs.
	TaskICEliminate = "gl:ic_eliminate"
)

// PostPayload identifies the queue item to post.
type PostPayload struct {
	QueueItemID int64 `json:"queue_item_id"`
	EntryID     int64 `json:"entry_id"`
	TenantID    int64 `json:"tenant_id"`
}

// ScopePayload selects a tenant (zero means every tenant) and optionally one account.
type ScopePayload struct {
	TenantID  int64 `json:"tenant_id,omitempty"`
	AccountID int64 `json:"account_id,omitempty"`
	// Repair rebuilds accounts whose balances fail verification.
	Repair bool `json:"repair,omitempty"`
}

// PostTaskID is the asynq task id of a posting task. Duplicate enqueues of
// the same item collapse while the task is retained.
func PostTaskID(queueItemID int64) string {
	return fmt.Sprintf("gl:post:%d", queueItemID)
}

// NewPostTask creates the posting task for item.
func NewPostTask(item accounting.QueueItem) (*asynq.Task, error) {
	if item.ID <= 0 {
		return nil, fmt.Errorf("jobs: queue item id required")
	}
	body, err := json.Marshal(PostPayload{QueueItemID: item.ID, EntryID: item.EntryID, TenantID: item.TenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostEntry, body, asynq.Queue(QueueLedger), asynq.TaskID(PostTaskID(item.ID))), nil
}

// NewSweepTask creates the retry sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSweep, nil, asynq.Queue(QueueMaintenance))
}

// NewIntegrityTask creates a balance verification task.
func NewIntegrityTask(scope ScopePayload) (*asynq.Task, error) {
	return newScopeTask(TaskIntegrity, scope)
}

// NewRebuildTask creates a balance rebuild task.
func NewRebuildTask(scope ScopePayload) (*asynq.Task, error) {
	return newScopeTask(TaskRebuild, scope)
}

// NewICEliminateTask creates an intercompany elimination task.
func NewICEliminateTask(tenantID int64) (*asynq.Task, error) {
	return newScopeTask(TaskICEliminate, ScopePayload{TenantID: tenantID})
}

func newScopeTask(typ string, scope ScopePayload) (*asynq.Task, error) {
	if scope.TenantID < 0 || scope.AccountID < 0 {
		return nil, fmt.Errorf("jobs: invalid scope for %s", typ)
	}
	body, err := json.Marshal(scope)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueMaintenance)), nil
}

func decodeScope(t *asynq.Task) (ScopePayload, error) {
	var scope ScopePayload
	if len(t.Payload()) == 0 {
		return scope, nil
	}
	if err := json.Unmarshal(t.Payload(), &scope); err != nil {
		return scope, err
	}
	if scope.TenantID < 0 || scope.AccountID < 0 {
		return scope, fmt.Errorf("jobs: invalid scope")
	}
	return scope, nil
}
