package conductor

import (
	"context"

	"github.com/canvasmesh/conductor/internal/model"
	"github.com/canvasmesh/conductor/internal/queue"
	"github.com/canvasmesh/conductor/internal/telemetry"
)

// claimedTask is one leased task plus the lease bookkeeping it travels with.
type claimedTask struct {
	task    model.Task
	token   string
	mode    model.ClaimMode
	renewer *leaseRenewer
}

// scopeMismatch reports whether the task demands a runtime scope this worker
// cannot provide.
func (c *Conductor) scopeMismatch(task model.Task) bool {
	return model.ScopeForTask(task) != c.scope
}

// requeueMismatch hands a mismatched task back to the queue. The requeue is
// a routing signal, never a failure: the attempt counter is untouched and
// the worker's skip key is stamped on the task so our own brokered claims
// pass over it while another worker picks it up.
func (c *Conductor) requeueMismatch(ctx context.Context, ct claimedTask) {
	keys := ct.task.ResourceKeys
	if skip := c.skipKey(); !ct.task.HasResourceKey(skip) {
		keys = append(append([]string(nil), keys...), skip)
	}

	err := c.store.RequeueTask(ctx, ct.task.ID, ct.token, queue.Requeue{
		RunAt:        c.now().Add(c.requeueDelay),
		Error:        "runtime scope mismatch",
		ResourceKeys: keys,
	})
	if err != nil {
		// The lease will lapse and the task redelivers anyway; log and move on.
		c.log(LogLevelWarn, "scope-mismatch requeue failed task=%s error=%v", ct.task.ID, err)
		return
	}

	c.log(LogLevelInfo, "scope mismatch, requeued task=%s type=%s want=%s have=%s",
		ct.task.ID, ct.task.Type, model.ScopeForTask(ct.task), c.scope)
	c.trace(ctx, telemetry.TraceEvent{
		Stage:     telemetry.StageScopeMismatchRequeued,
		TaskID:    ct.task.ID,
		TaskType:  ct.task.Type,
		RoomKey:   ct.task.RoomKey,
		Attempt:   ct.task.Attempt,
		TraceID:   ct.task.TraceID,
		RequestID: ct.task.RequestID,
		IntentID:  ct.task.IntentID,
		Metadata: map[string]any{
			"wantScope": string(model.ScopeForTask(ct.task)),
			"haveScope": string(c.scope),
		},
	})
}
