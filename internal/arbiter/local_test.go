package arbiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRunsBodyOnce(t *testing.T) {
	arb := NewLocalArbiter(time.Minute)
	var calls int32

	out, err := arb.Execute(context.Background(), Envelope{LockKey: "lk", IdempotencyKey: "ik"}, func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"value": 1}, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Deduped)
	assert.Equal(t, 1, out.Result["value"])

	// Same idempotency key: body must not run again.
	out, err = arb.Execute(context.Background(), Envelope{LockKey: "lk", IdempotencyKey: "ik"}, func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("should not run")
	})
	require.NoError(t, err)
	assert.True(t, out.Deduped)
	assert.Equal(t, 1, out.Result["value"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestConcurrentExecutionsCollapse(t *testing.T) {
	arb := NewLocalArbiter(time.Minute)

	var calls int32
	release := make(chan struct{})
	started := make(chan struct{})

	body := func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return map[string]any{"winner": true}, nil
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env := Envelope{LockKey: "room:alpha|component.generate", IdempotencyKey: "shared"}
			out, err := arb.Execute(context.Background(), env, body)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}

	<-started
	// Give the second caller time to join the in-flight execution.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "side effect must run at most once")
	dedupedCount := 0
	for _, out := range outcomes {
		assert.Equal(t, true, out.Result["winner"])
		if out.Deduped {
			dedupedCount++
		}
	}
	assert.Equal(t, 1, dedupedCount, "exactly the joining caller observes deduped")
}

func TestFailuresAreNotCached(t *testing.T) {
	arb := NewLocalArbiter(time.Minute)
	var calls int32

	env := Envelope{LockKey: "lk", IdempotencyKey: "ik"}
	_, err := arb.Execute(context.Background(), env, func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("transient")
	})
	require.Error(t, err)

	out, err := arb.Execute(context.Background(), env, func(ctx context.Context) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Deduped)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCachedResultExpires(t *testing.T) {
	now := time.Now()
	arb := NewLocalArbiter(time.Second)
	arb.SetClock(func() time.Time { return now })

	env := Envelope{LockKey: "lk", IdempotencyKey: "ik"}
	_, err := arb.Execute(context.Background(), env, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	out, err := arb.Execute(context.Background(), env, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"fresh": true}, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Deduped, "expired cache entry must not dedupe")
	assert.Equal(t, true, out.Result["fresh"])
}
