package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canvasmesh/conductor/internal/arbiter"
	"github.com/canvasmesh/conductor/internal/model"
	"github.com/canvasmesh/conductor/internal/queue"
	"github.com/canvasmesh/conductor/internal/telemetry"
)

// terminalError marks a failure that must not be retried: malformed tasks,
// missing handlers, and contract violations.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps an error so the executor fails the task without retrying.
func Terminal(err error) error {
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// execute runs one claimed task through the arbiter and settles it with the
// queue. The caller already holds the room-lane slot.
func (c *Conductor) execute(ctx context.Context, ct claimedTask) {
	defer ct.renewer.Stop()

	settings := c.settings.Current()
	start := c.now()

	c.trace(ctx, telemetry.TraceEvent{
		Stage:     telemetry.StageExecuting,
		TaskID:    ct.task.ID,
		TaskType:  ct.task.Type,
		RoomKey:   ct.task.RoomKey,
		Attempt:   ct.task.Attempt,
		TraceID:   ct.task.TraceID,
		RequestID: ct.task.RequestID,
		IntentID:  ct.task.IntentID,
	})

	env := envelopeFor(ct.task)
	outcome, err := c.arbiter.Execute(ctx, env, c.bodyFor(ct.task))
	if err == nil {
		err = verifyContract(ct.task, outcome.Result)
	}
	latency := c.now().Sub(start)

	if err != nil {
		c.settle(ctx, ct, env, settings, err, latency)
		return
	}

	if err := c.store.CompleteTask(ctx, ct.task.ID, ct.token, outcome.Result); err != nil {
		c.log(LogLevelWarn, "complete failed task=%s error=%v", ct.task.ID, err)
		return
	}
	c.log(LogLevelInfo, "task completed task=%s type=%s attempt=%d deduped=%t latency=%s",
		ct.task.ID, ct.task.Type, ct.task.Attempt, outcome.Deduped, latency)
	c.trace(ctx, telemetry.TraceEvent{
		Stage:     telemetry.StageCompleted,
		TaskID:    ct.task.ID,
		TaskType:  ct.task.Type,
		RoomKey:   ct.task.RoomKey,
		Attempt:   ct.task.Attempt,
		TraceID:   ct.task.TraceID,
		RequestID: ct.task.RequestID,
		IntentID:  ct.task.IntentID,
		Deduped:   outcome.Deduped,
		LatencyMs: latency.Milliseconds(),
		Metadata: map[string]any{
			"lockKey":        env.LockKey,
			"idempotencyKey": env.IdempotencyKey,
			"executionId":    env.ExecutionID,
		},
	})
}

// settle records a failed execution: retry with backoff while the budget
// allows, terminal otherwise.
func (c *Conductor) settle(ctx context.Context, ct claimedTask, env arbiter.Envelope, settings model.RuntimeSettings, cause error, latency time.Duration) {
	terminal := isTerminal(cause) || ct.task.Attempt >= settings.MaxRetryAttempts

	failure := queue.Failure{
		Error:             cause.Error(),
		KeepInRunningLane: ct.mode == model.ClaimModeDirect,
	}
	var retryAt *time.Time
	if !terminal {
		at := c.now().Add(backoffDelay(ct.task.Attempt, settings, c.jitter))
		retryAt = &at
		failure.RetryAt = retryAt
	}

	if err := c.store.FailTask(ctx, ct.task.ID, ct.token, failure); err != nil {
		c.log(LogLevelWarn, "fail bookkeeping lost task=%s error=%v", ct.task.ID, err)
		return
	}

	if terminal {
		c.log(LogLevelError, "task failed terminally task=%s type=%s attempt=%d error=%v",
			ct.task.ID, ct.task.Type, ct.task.Attempt, cause)
		c.archiveDeadLetter(ct.task, cause.Error())
	} else {
		c.log(LogLevelWarn, "task failed, retry scheduled task=%s type=%s attempt=%d retry_at=%s error=%v",
			ct.task.ID, ct.task.Type, ct.task.Attempt, retryAt.Format(time.RFC3339), cause)
	}

	c.trace(ctx, telemetry.TraceEvent{
		Stage:     telemetry.StageFailed,
		TaskID:    ct.task.ID,
		TaskType:  ct.task.Type,
		RoomKey:   ct.task.RoomKey,
		Attempt:   ct.task.Attempt,
		TraceID:   ct.task.TraceID,
		RequestID: ct.task.RequestID,
		IntentID:  ct.task.IntentID,
		LatencyMs: latency.Milliseconds(),
		Error:     cause.Error(),
		Terminal:  terminal,
		RetryAt:   retryAt,
		Metadata: map[string]any{
			"lockKey":     env.LockKey,
			"executionId": env.ExecutionID,
		},
	})
}

// bodyFor wraps the registered handler with panic recovery so a crashing
// body fails the task instead of the worker.
func (c *Conductor) bodyFor(task model.Task) arbiter.Body {
	handler := c.handlers[task.Type]
	return func(ctx context.Context) (result map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task body panicked: %v", r)
			}
		}()
		if handler == nil {
			return nil, Terminal(fmt.Errorf("no handler registered for task type %q", task.Type))
		}
		return handler(ctx, task)
	}
}

// envelopeFor derives the arbitration identity for a task. Explicit keys in
// the parameters win; otherwise the lock key falls back to the mutation
// target (type, room, and component when present) and the idempotency key to
// the task id, which makes redeliveries of the same task dedupe.
func envelopeFor(task model.Task) arbiter.Envelope {
	lockKey := task.StringParam(model.ParamLockKey)
	if lockKey == "" {
		lockKey = task.Type + "|" + task.RoomKey
		if cid := task.StringParam(model.ParamComponentID); cid != "" {
			lockKey += "|" + cid
		}
	}
	idempotencyKey := task.StringParam(model.ParamIdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = task.ID
	}
	return arbiter.Envelope{
		LockKey:        lockKey,
		IdempotencyKey: idempotencyKey,
		ExecutionID:    model.NewID(model.IDTypeExecution),
		Attempt:        task.Attempt,
	}
}

// backoffDelay computes the retry delay for a failed attempt: exponential
// from the base, capped at the max, with symmetric multiplicative jitter.
// jitter yields a value in [0,1).
func backoffDelay(attempt int, s model.RuntimeSettings, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.RetryMaxDelay {
			break
		}
	}
	if d > s.RetryMaxDelay {
		d = s.RetryMaxDelay
	}
	if s.RetryJitterRatio > 0 && jitter != nil {
		d += time.Duration((jitter()*2 - 1) * s.RetryJitterRatio * float64(d))
	}
	if d < 0 {
		d = 0
	}
	return d
}
