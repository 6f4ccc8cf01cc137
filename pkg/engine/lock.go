package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leadflowhq/leadflow/pkg/cache"
)

// LeaseLock provides per-instance mutual exclusion for ticks. A lease
// that is not renewed within its TTL expires on its own, which is how
// ticks owned by a crashed worker become eligible for another one.
type LeaseLock struct {
	cache *cache.Client
	ttl   time.Duration
}

// NewLeaseLock creates a lease lock with the given TTL.
func NewLeaseLock(cacheClient *cache.Client, ttl time.Duration) *LeaseLock {
	return &LeaseLock{cache: cacheClient, ttl: ttl}
}

// Lease is an acquired, renewable lock on one instance.
type Lease struct {
	lock  *LeaseLock
	key   string
	token string
}

func leaseKey(instanceID uuid.UUID) string {
	return fmt.Sprintf("lease:instance:%s", instanceID)
}

// Acquire attempts to take the lease for an instance. Returns nil and
// false when another worker holds it.
func (l *LeaseLock) Acquire(ctx context.Context, instanceID uuid.UUID) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, leaseKey(instanceID), token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{lock: l, key: leaseKey(instanceID), token: token}, true, nil
}

// Only the holder may renew or release; both compare the stored token
// atomically so an expired-and-reacquired lease is never touched.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Renew extends the lease by its TTL.
func (le *Lease) Renew(ctx context.Context) error {
	res, err := le.lock.cache.Eval(ctx, renewScript, []string{le.key},
		le.token, le.lock.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return fmt.Errorf("lease lost: %s", le.key)
	}
	return nil
}

// Release drops the lease.
func (le *Lease) Release(ctx context.Context) error {
	_, err := le.lock.cache.Eval(ctx, releaseScript, []string{le.key}, le.token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
