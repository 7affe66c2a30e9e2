package queue

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasmesh/conductor/internal/model"
)

// fakeRedis implements redisCmdable over plain maps. Key TTLs are not
// modeled; lease expiry is simulated by deleting the lease key.
type fakeRedis struct {
	mu      sync.Mutex
	strings map[string]string
	zsets   map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: make(map[string]string),
		zsets:   make(map[string]map[string]float64),
	}
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.strings[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = asString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.strings[key] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.strings[key]; ok {
			delete(f.strings, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.strings[key]
	return redis.NewBoolResult(ok, nil)
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	zset := f.zsets[key]
	if zset == nil {
		zset = make(map[string]float64)
		f.zsets[key] = zset
	}
	var n int64
	for _, m := range members {
		member := asString(m.Member)
		if _, ok := zset[member]; !ok {
			n++
		}
		zset[member] = m.Score
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	zset := f.zsets[key]
	var n int64
	for _, m := range members {
		member := asString(m)
		if _, ok := zset[member]; ok {
			delete(zset, member)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	max := math.MaxFloat64
	if !strings.EqualFold(opt.Max, "+inf") {
		if v, err := strconv.ParseFloat(opt.Max, 64); err == nil {
			max = v
		}
	}

	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range f.zsets[key] {
		if score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	out := make([]string, 0, len(pairs))
	for i, p := range pairs {
		if opt.Count > 0 && int64(i) >= opt.Count {
			break
		}
		out = append(out, p.member)
	}
	return redis.NewStringSliceResult(out, nil)
}

func newTestRedisStore() (*RedisStore, *fakeRedis) {
	client := newFakeRedis()
	return newRedisStore(client, "test"), client
}

func TestRedisStoreClaimLeasesTask(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop, RoomKey: "room:a"}))

	claim, err := store.ClaimTasks(ctx, 5, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)
	assert.Equal(t, "t1", claim.Tasks[0].ID)
	assert.Equal(t, 1, claim.Tasks[0].Attempt)

	// Leased: a second claim finds nothing.
	again, err := store.ClaimTasks(ctx, 5, time.Minute, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Tasks)
}

func TestRedisStoreAvoidsResourceKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop, ResourceKeys: []string{"skip:wrk_x"}}))
	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t2", Type: model.TypeCanvasNoop}))

	claim, err := store.ClaimTasks(ctx, 5, time.Minute, []string{"skip:wrk_x"})
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)
	assert.Equal(t, "t2", claim.Tasks[0].ID)
}

func TestRedisStoreLocalScopeClaim(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{
		ID: "t1", Type: model.TypeVoiceRespond,
		Params: map[string]any{model.ParamRuntimeScope: "local"},
	}))
	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t2", Type: model.TypeCanvasNoop}))

	claim, err := store.ClaimLocalTasks(ctx, 5, time.Minute, model.ScopeLocal)
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)
	assert.Equal(t, "t1", claim.Tasks[0].ID)
}

func TestRedisStoreLeaseFencing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop}))
	claim, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)

	err = store.CompleteTask(ctx, "t1", "lse_bogus", nil)
	assert.ErrorIs(t, err, ErrLeaseExpired)

	require.NoError(t, store.CompleteTask(ctx, "t1", claim.LeaseToken, map[string]any{"ok": true}))
}

func TestRedisStoreExpiredLeaseRedelivers(t *testing.T) {
	ctx := context.Background()
	store, client := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop}))
	_, err := store.ClaimTasks(ctx, 1, time.Millisecond, nil)
	require.NoError(t, err)

	// Simulate lease-key TTL expiry and the running score aging out.
	client.Del(ctx, store.leaseKey("t1"))
	store.now = func() time.Time { return time.Now().Add(time.Second) }

	claim, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, claim.Tasks, 1)
	assert.Equal(t, 2, claim.Tasks[0].Attempt, "redelivery charges the retry budget")
}

func TestRedisStoreFailWithRetrySchedules(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop}))
	claim, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)

	retryAt := time.Now().Add(-time.Millisecond) // already claimable
	require.NoError(t, store.FailTask(ctx, "t1", claim.LeaseToken, Failure{Error: "boom", RetryAt: &retryAt}))

	again, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, again.Tasks, 1)
	assert.Equal(t, 2, again.Tasks[0].Attempt)
}

func TestRedisStoreTerminalFailure(t *testing.T) {
	ctx := context.Background()
	store, client := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop}))
	claim, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)

	require.NoError(t, store.FailTask(ctx, "t1", claim.LeaseToken, Failure{Error: "boom"}))

	again, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Tasks, "terminal tasks never redeliver")

	_, hasFailed := client.strings[store.failedKey("t1")]
	assert.True(t, hasFailed)
}

func TestRedisStoreRequeueKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore()

	require.NoError(t, store.Enqueue(ctx, model.Task{ID: "t1", Type: model.TypeCanvasNoop}))
	claim, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)

	require.NoError(t, store.RequeueTask(ctx, "t1", claim.LeaseToken, Requeue{
		RunAt:        time.Now().Add(-time.Millisecond),
		Error:        "runtime scope mismatch",
		ResourceKeys: []string{"skip:wrk_a"},
	}))

	again, err := store.ClaimTasks(ctx, 1, time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, again.Tasks, 1)
	assert.Equal(t, 1, again.Tasks[0].Attempt, "requeue never charges the retry budget")
	assert.Equal(t, []string{"skip:wrk_a"}, again.Tasks[0].ResourceKeys)
}
