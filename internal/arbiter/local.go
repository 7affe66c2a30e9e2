package arbiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cachedResult struct {
	result   map[string]any
	storedAt time.Time
}

// LocalArbiter is an in-process Arbiter. Concurrent executions sharing a
// lock key collapse through singleflight; completed results are remembered
// by idempotency key for a TTL so late retries of an already-applied
// mutation observe Deduped instead of re-running the side effect.
// Failures are never cached, so a retry after an error runs the body again.
type LocalArbiter struct {
	flight singleflight.Group
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	results map[string]cachedResult
}

func NewLocalArbiter(resultTTL time.Duration) *LocalArbiter {
	if resultTTL <= 0 {
		resultTTL = time.Minute
	}
	return &LocalArbiter{
		ttl:     resultTTL,
		now:     time.Now,
		results: make(map[string]cachedResult),
	}
}

// SetClock overrides the arbiter clock for tests.
func (a *LocalArbiter) SetClock(now func() time.Time) {
	a.now = now
}

func (a *LocalArbiter) Execute(ctx context.Context, env Envelope, body Body) (Outcome, error) {
	if cached, ok := a.lookup(env.IdempotencyKey); ok {
		return Outcome{Result: cached, Deduped: true}, nil
	}

	ran := false
	v, err, _ := a.flight.Do(env.LockKey, func() (any, error) {
		ran = true
		result, err := body(ctx)
		if err != nil {
			return nil, err
		}
		a.store(env.IdempotencyKey, result)
		return result, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	result, _ := v.(map[string]any)
	// ran is false when this call joined another caller's in-flight
	// execution: the side effect happened exactly once, elsewhere.
	return Outcome{Result: result, Deduped: !ran}, nil
}

func (a *LocalArbiter) lookup(idempotencyKey string) (map[string]any, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cached, ok := a.results[idempotencyKey]
	if !ok {
		return nil, false
	}
	if a.now().Sub(cached.storedAt) > a.ttl {
		delete(a.results, idempotencyKey)
		return nil, false
	}
	return cached.result, true
}

func (a *LocalArbiter) store(idempotencyKey string, result map[string]any) {
	if idempotencyKey == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[idempotencyKey] = cachedResult{result: result, storedAt: a.now()}
}
