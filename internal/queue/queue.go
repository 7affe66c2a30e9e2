// Package queue defines the persistent task queue collaborator: lease
// issuance, completion/failure bookkeeping, and requeue. The conductor only
// depends on the Store interface; MemoryStore and RedisStore are the two
// shipped implementations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/canvasmesh/conductor/internal/model"
)

var (
	// ErrTaskNotFound is returned when the task id is unknown to the store.
	ErrTaskNotFound = errors.New("queue: task not found")
	// ErrLeaseExpired is returned when the presented lease token no longer
	// owns the task (expired, superseded, or never issued).
	ErrLeaseExpired = errors.New("queue: lease expired or not owned")
)

// Claim is the result of a claim call: a lease token scoped to every task
// claimed together, plus the tasks themselves.
type Claim struct {
	LeaseToken string
	Tasks      []model.Task
}

// Failure records a task failure. A nil RetryAt is terminal; otherwise the
// task returns to the claimable state at RetryAt. KeepInRunningLane is a
// queue-side visibility hint set only for direct-claimed tasks.
type Failure struct {
	Error             string
	RetryAt           *time.Time
	KeepInRunningLane bool
}

// Requeue returns a task to the claimable state without charging its retry
// budget. ResourceKeys replaces the task's resource-key set.
type Requeue struct {
	RunAt        time.Time
	Error        string
	ResourceKeys []string
}

// Store is the queue collaborator contract. Every mutation is fenced by the
// lease token under which the task was claimed; an expired, unrenewed lease
// lets the store redeliver the task to another worker (at-least-once).
type Store interface {
	// ClaimTasks leases up to limit claimable tasks, skipping tasks whose
	// resource keys intersect avoidResourceKeys.
	ClaimTasks(ctx context.Context, limit int, leaseTTL time.Duration, avoidResourceKeys []string) (Claim, error)

	// ClaimLocalTasks leases up to limit claimable tasks restricted to the
	// given runtime scope.
	ClaimLocalTasks(ctx context.Context, limit int, leaseTTL time.Duration, scope model.RuntimeScope) (Claim, error)

	ExtendLease(ctx context.Context, taskID, leaseToken string, leaseTTL time.Duration) error
	CompleteTask(ctx context.Context, taskID, leaseToken string, result map[string]any) error
	FailTask(ctx context.Context, taskID, leaseToken string, failure Failure) error
	RequeueTask(ctx context.Context, taskID, leaseToken string, requeue Requeue) error
}
