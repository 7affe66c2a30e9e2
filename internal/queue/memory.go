package queue

import (
	"context"
	"sync"
	"time"

	"github.com/canvasmesh/conductor/internal/model"
)

// State is the lifecycle state of a stored task.
type State string

const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type entry struct {
	task              model.Task
	scope             model.RuntimeScope
	state             State
	runAt             time.Time
	leaseToken        string
	leaseExpires      time.Time
	result            map[string]any
	lastError         string
	keepInRunningLane bool
}

// MemoryStore is an in-process Store with full lease semantics: claim
// fencing, expiry redelivery, resource-lock avoidance, and local-scope
// claims. It backs tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetClock overrides the store clock for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue makes a task claimable. The runtime scope is read from the task's
// parameters. The first claimed execution carries attempt 1.
func (m *MemoryStore) Enqueue(task model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = m.now()
	}
	m.entries[task.ID] = &entry{
		task:  task,
		scope: model.ScopeForTask(task),
		state: StatePending,
		runAt: task.EnqueuedAt,
	}
	m.order = append(m.order, task.ID)
}

func (m *MemoryStore) ClaimTasks(ctx context.Context, limit int, leaseTTL time.Duration, avoidResourceKeys []string) (Claim, error) {
	return m.claim(ctx, limit, leaseTTL, func(e *entry) bool {
		return !intersects(e.task.ResourceKeys, avoidResourceKeys)
	})
}

func (m *MemoryStore) ClaimLocalTasks(ctx context.Context, limit int, leaseTTL time.Duration, scope model.RuntimeScope) (Claim, error) {
	return m.claim(ctx, limit, leaseTTL, func(e *entry) bool {
		return e.scope == scope
	})
}

func (m *MemoryStore) claim(ctx context.Context, limit int, leaseTTL time.Duration, eligible func(*entry) bool) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	claim := Claim{LeaseToken: model.NewID(model.IDTypeLease)}

	for _, id := range m.order {
		if len(claim.Tasks) >= limit {
			break
		}
		e := m.entries[id]
		if e == nil || !eligible(e) {
			continue
		}
		switch e.state {
		case StatePending:
			if e.runAt.After(now) {
				continue
			}
		case StateLeased:
			// Lease expired without renewal: redeliver.
			if e.leaseExpires.After(now) {
				continue
			}
			e.task.Attempt++
		default:
			continue
		}

		e.state = StateLeased
		e.leaseToken = claim.LeaseToken
		e.leaseExpires = now.Add(leaseTTL)
		claim.Tasks = append(claim.Tasks, e.task)
	}
	return claim, nil
}

func (m *MemoryStore) ExtendLease(ctx context.Context, taskID, leaseToken string, leaseTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.owned(taskID, leaseToken)
	if err != nil {
		return err
	}
	e.leaseExpires = m.now().Add(leaseTTL)
	return nil
}

func (m *MemoryStore) CompleteTask(ctx context.Context, taskID, leaseToken string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.owned(taskID, leaseToken)
	if err != nil {
		return err
	}
	e.state = StateCompleted
	e.result = result
	e.leaseToken = ""
	return nil
}

func (m *MemoryStore) FailTask(ctx context.Context, taskID, leaseToken string, failure Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.owned(taskID, leaseToken)
	if err != nil {
		return err
	}
	e.lastError = failure.Error
	e.keepInRunningLane = failure.KeepInRunningLane
	e.leaseToken = ""
	if failure.RetryAt == nil {
		e.state = StateFailed
		return nil
	}
	e.state = StatePending
	e.runAt = *failure.RetryAt
	e.task.Attempt++
	return nil
}

func (m *MemoryStore) RequeueTask(ctx context.Context, taskID, leaseToken string, requeue Requeue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.owned(taskID, leaseToken)
	if err != nil {
		return err
	}
	// A requeue is a routing signal, not a failure: the attempt counter is
	// left untouched so mismatches never charge the retry budget.
	e.state = StatePending
	e.runAt = requeue.RunAt
	e.lastError = requeue.Error
	e.task.ResourceKeys = requeue.ResourceKeys
	e.leaseToken = ""
	return nil
}

// owned validates lease fencing. Callers hold m.mu.
func (m *MemoryStore) owned(taskID, leaseToken string) (*entry, error) {
	e, ok := m.entries[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if e.state != StateLeased || e.leaseToken != leaseToken || !e.leaseExpires.After(m.now()) {
		return nil, ErrLeaseExpired
	}
	return e, nil
}

// TaskInfo is a point-in-time view of a stored task, for inspection in
// tests and operator tooling.
type TaskInfo struct {
	Task              model.Task
	State             State
	RunAt             time.Time
	Result            map[string]any
	LastError         string
	KeepInRunningLane bool
}

// Inspect returns the stored state of a task.
func (m *MemoryStore) Inspect(taskID string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	return TaskInfo{
		Task:              e.task,
		State:             e.state,
		RunAt:             e.runAt,
		Result:            e.result,
		LastError:         e.lastError,
		KeepInRunningLane: e.keepInRunningLane,
	}, true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
