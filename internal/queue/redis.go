package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canvasmesh/conductor/internal/model"
)

// redisCmdable is the slice of the go-redis client the store uses.
// *redis.Client satisfies it; tests can substitute a fake.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// taskRecord is the stored form of a task plus queue-side bookkeeping.
type taskRecord struct {
	Task              model.Task         `json:"task"`
	Scope             model.RuntimeScope `json:"scope"`
	LastError         string             `json:"last_error,omitempty"`
	KeepInRunningLane bool               `json:"keep_in_running_lane,omitempty"`
}

// RedisStore implements Store over Redis keyed structures:
//
//	<p>:task:<id>        task record (JSON)
//	<p>:pending          claimable tasks, score = runAt unix ms
//	<p>:pending:<scope>  scope-restricted view of the same tasks
//	<p>:running          leased tasks, score = lease expiry unix ms
//	<p>:lease:<id>       lease token, expires with the lease TTL
//	<p>:result:<id>      completion payload (JSON)
//	<p>:failed:<id>      terminal failure record (JSON)
//
// Lease fencing rides on the lease key's TTL: an unrenewed lease vanishes
// and the reap step moves the task back to pending for redelivery.
type RedisStore struct {
	client redisCmdable
	prefix string
	closer func() error
	now    func() time.Time
}

// NewRedisStore connects to the given Redis URL
// (e.g. "redis://127.0.0.1:6379/0").
func NewRedisStore(address, prefix string) (*RedisStore, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	store := newRedisStore(client, prefix)
	store.closer = client.Close
	return store, nil
}

func newRedisStore(client redisCmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conductor"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *RedisStore) taskKey(id string) string   { return s.prefix + ":task:" + id }
func (s *RedisStore) leaseKey(id string) string  { return s.prefix + ":lease:" + id }
func (s *RedisStore) resultKey(id string) string { return s.prefix + ":result:" + id }
func (s *RedisStore) failedKey(id string) string { return s.prefix + ":failed:" + id }
func (s *RedisStore) pendingKey() string         { return s.prefix + ":pending" }
func (s *RedisStore) runningKey() string         { return s.prefix + ":running" }
func (s *RedisStore) scopeKey(scope model.RuntimeScope) string {
	return s.prefix + ":pending:" + string(scope)
}

// Enqueue makes a task claimable.
func (s *RedisStore) Enqueue(ctx context.Context, task model.Task) error {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.now()
	}
	rec := taskRecord{Task: task, Scope: model.ScopeForTask(task)}
	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	return s.addPending(ctx, rec, task.EnqueuedAt)
}

func (s *RedisStore) ClaimTasks(ctx context.Context, limit int, leaseTTL time.Duration, avoidResourceKeys []string) (Claim, error) {
	if err := s.reapExpired(ctx); err != nil {
		return Claim{}, err
	}
	return s.claimFrom(ctx, s.pendingKey(), limit, leaseTTL, func(rec taskRecord) bool {
		return !intersects(rec.Task.ResourceKeys, avoidResourceKeys)
	})
}

func (s *RedisStore) ClaimLocalTasks(ctx context.Context, limit int, leaseTTL time.Duration, scope model.RuntimeScope) (Claim, error) {
	if err := s.reapExpired(ctx); err != nil {
		return Claim{}, err
	}
	return s.claimFrom(ctx, s.scopeKey(scope), limit, leaseTTL, func(rec taskRecord) bool {
		return rec.Scope == scope
	})
}

func (s *RedisStore) claimFrom(ctx context.Context, zsetKey string, limit int, leaseTTL time.Duration, eligible func(taskRecord) bool) (Claim, error) {
	now := s.now()
	// Overfetch so that avoid-list filtering still fills the batch.
	ids, err := s.client.ZRangeByScore(ctx, zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit * 4),
	}).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("range pending: %w", err)
	}

	claim := Claim{LeaseToken: model.NewID(model.IDTypeLease)}
	for _, id := range ids {
		if len(claim.Tasks) >= limit {
			break
		}
		rec, err := s.readRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// Orphaned zset member.
				s.client.ZRem(ctx, zsetKey, id)
				continue
			}
			return Claim{}, err
		}
		if !eligible(rec) {
			continue
		}
		// SETNX on the lease key is the claim arbitration: only one worker
		// wins a task.
		ok, err := s.client.SetNX(ctx, s.leaseKey(id), claim.LeaseToken, leaseTTL).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			continue
		}
		s.client.ZRem(ctx, s.pendingKey(), id)
		s.client.ZRem(ctx, s.scopeKey(rec.Scope), id)
		s.client.ZAdd(ctx, s.runningKey(), redis.Z{
			Score:  float64(now.Add(leaseTTL).UnixMilli()),
			Member: id,
		})
		claim.Tasks = append(claim.Tasks, rec.Task)
	}
	return claim, nil
}

// reapExpired moves tasks whose lease key vanished back to pending.
func (s *RedisStore) reapExpired(ctx context.Context) error {
	now := s.now()
	ids, err := s.client.ZRangeByScore(ctx, s.runningKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("range running: %w", err)
	}
	for _, id := range ids {
		_, err := s.client.Get(ctx, s.leaseKey(id)).Result()
		if err == nil {
			// Lease still alive; the running score was stale.
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("check lease: %w", err)
		}
		rec, err := s.readRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				s.client.ZRem(ctx, s.runningKey(), id)
				continue
			}
			return err
		}
		rec.Task.Attempt++
		if err := s.writeRecord(ctx, rec); err != nil {
			return err
		}
		if err := s.addPending(ctx, rec, now); err != nil {
			return err
		}
		s.client.ZRem(ctx, s.runningKey(), id)
	}
	return nil
}

func (s *RedisStore) ExtendLease(ctx context.Context, taskID, leaseToken string, leaseTTL time.Duration) error {
	if err := s.checkLease(ctx, taskID, leaseToken); err != nil {
		return err
	}
	if err := s.client.PExpire(ctx, s.leaseKey(taskID), leaseTTL).Err(); err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	s.client.ZAdd(ctx, s.runningKey(), redis.Z{
		Score:  float64(s.now().Add(leaseTTL).UnixMilli()),
		Member: taskID,
	})
	return nil
}

func (s *RedisStore) CompleteTask(ctx context.Context, taskID, leaseToken string, result map[string]any) error {
	if err := s.checkLease(ctx, taskID, leaseToken); err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.client.Set(ctx, s.resultKey(taskID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	s.client.Del(ctx, s.leaseKey(taskID), s.taskKey(taskID))
	s.client.ZRem(ctx, s.runningKey(), taskID)
	return nil
}

func (s *RedisStore) FailTask(ctx context.Context, taskID, leaseToken string, failure Failure) error {
	if err := s.checkLease(ctx, taskID, leaseToken); err != nil {
		return err
	}
	rec, err := s.readRecord(ctx, taskID)
	if err != nil {
		return err
	}
	rec.LastError = failure.Error
	rec.KeepInRunningLane = failure.KeepInRunningLane

	s.client.Del(ctx, s.leaseKey(taskID))
	s.client.ZRem(ctx, s.runningKey(), taskID)

	if failure.RetryAt == nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal failed record: %w", err)
		}
		if err := s.client.Set(ctx, s.failedKey(taskID), raw, 0).Err(); err != nil {
			return fmt.Errorf("store failed record: %w", err)
		}
		s.client.Del(ctx, s.taskKey(taskID))
		return nil
	}

	rec.Task.Attempt++
	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	return s.addPending(ctx, rec, *failure.RetryAt)
}

func (s *RedisStore) RequeueTask(ctx context.Context, taskID, leaseToken string, requeue Requeue) error {
	if err := s.checkLease(ctx, taskID, leaseToken); err != nil {
		return err
	}
	rec, err := s.readRecord(ctx, taskID)
	if err != nil {
		return err
	}
	// Routing signal: resource keys replaced, attempt untouched.
	rec.Task.ResourceKeys = requeue.ResourceKeys
	rec.LastError = requeue.Error
	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	s.client.Del(ctx, s.leaseKey(taskID))
	s.client.ZRem(ctx, s.runningKey(), taskID)
	return s.addPending(ctx, rec, requeue.RunAt)
}

func (s *RedisStore) checkLease(ctx context.Context, taskID, leaseToken string) error {
	val, err := s.client.Get(ctx, s.leaseKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseExpired
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if val != leaseToken {
		return ErrLeaseExpired
	}
	return nil
}

func (s *RedisStore) readRecord(ctx context.Context, taskID string) (taskRecord, error) {
	raw, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return taskRecord{}, ErrTaskNotFound
	}
	if err != nil {
		return taskRecord{}, fmt.Errorf("read task record: %w", err)
	}
	var rec taskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return taskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) writeRecord(ctx context.Context, rec taskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	if err := s.client.Set(ctx, s.taskKey(rec.Task.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	return nil
}

func (s *RedisStore) addPending(ctx context.Context, rec taskRecord, runAt time.Time) error {
	z := redis.Z{Score: float64(runAt.UnixMilli()), Member: rec.Task.ID}
	if err := s.client.ZAdd(ctx, s.pendingKey(), z).Err(); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.scopeKey(rec.Scope), z).Err(); err != nil {
		return fmt.Errorf("add scope pending: %w", err)
	}
	return nil
}
