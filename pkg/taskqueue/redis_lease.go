package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeaseStore enforces the single-delivery invariant across multiple
// TaskQueue replicas behind a shared load balancer: the in-memory Queue
// only guarantees single delivery within one process, so a horizontally
// scaled deployment needs a shared lock a delivered task is leased
// under before any replica hands it to an agent a second time.
type RedisLeaseStore struct {
	client *redis.Client
}

// NewRedisLeaseStore opens a client against a Redis instance shared by
// every TaskQueue replica.
func NewRedisLeaseStore(addr, password string, db int) *RedisLeaseStore {
	return &RedisLeaseStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func leaseKey(taskID string) string {
	return fmt.Sprintf("taskqueue:lease:%s", taskID)
}

// Acquire attempts to take the delivery lease for taskID, returning
// false without error if another replica already holds it.
func (s *RedisLeaseStore) Acquire(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(taskID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("taskqueue: lease acquire failed: %w", err)
	}
	return ok, nil
}

// Release drops the delivery lease, e.g. after RecordResult so a
// reissued task (spec.md §4.6 does not define reissue, but operators may
// manually requeue) can be leased again.
func (s *RedisLeaseStore) Release(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, leaseKey(taskID)).Err(); err != nil {
		return fmt.Errorf("taskqueue: lease release failed: %w", err)
	}
	return nil
}

// PollLeased delivers the oldest pending task as Poll does, then takes
// the distributed delivery lease before returning it. If the lease is
// already held by another replica, the task is put back to pending and
// PollLeased reports no task available, matching the single-delivery
// invariant under horizontal scaling.
func (q *Queue) PollLeased(ctx context.Context, lease *RedisLeaseStore, leaseTTL time.Duration, tenantID, assetID, agentID string) (*Task, bool, error) {
	task, ok := q.Poll(tenantID, assetID, agentID)
	if !ok {
		return nil, false, nil
	}

	acquired, err := lease.Acquire(ctx, task.TaskID, leaseTTL)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		q.mu.Lock()
		if t, ok := q.tasks[task.TaskID]; ok && t.State == StateDelivered {
			t.State = StatePending
			t.DeliveredToAgent = ""
			t.DeliveredAt = nil
		}
		q.mu.Unlock()
		return nil, false, nil
	}

	return task, true, nil
}
