package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "sync:lease:"

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaseRepository guards sync cycles across processes that share one local
// database. A nil client grants every lease.
type LeaseRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLeaseRepository constructs the repository.
func NewLeaseRepository(client *redis.Client, logger *zap.Logger) *LeaseRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseRepository{client: client, logger: logger}
}

// Acquire takes the named lease for owner until ttl elapses. It reports
// false when another owner holds it.
func (r *LeaseRepository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease %s: %w", name, err)
	}
	if !ok {
		r.logger.Debug("sync lease held elsewhere", zap.String("lease", name))
	}
	return ok, nil
}

// Release gives the lease back if owner still holds it.
func (r *LeaseRepository) Release(ctx context.Context, name, owner string) error {
	if r.client == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release lease %s: %w", name, err)
	}
	return nil
}
