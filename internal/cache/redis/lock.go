package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/perpdex/perpindexer/internal/domain"
)

// Lock keys are namespaced so a Redis instance shared with the signal bus
// never collides with application channels.
const lockPrefix = "perpindexer:lock:"

// releaseLua deletes the key only while it still holds the caller's token. A
// holder whose TTL lapsed mid-run cannot release a lock some other deployment
// has since acquired.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX plus a TTL. The
// backfill controller uses it to keep gap repair single-flight across
// deployments; the TTL caps how long a crashed runner can block the next pass.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the named lock for at most ttl and returns its release
// function, which is idempotent. A zero or negative ttl is rejected: it would
// either fail the SET or leave the lock held forever.
//
// domain.ErrLockHeld reports the lock is already taken elsewhere.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: lock %s: ttl %s not positive", key, ttl)
	}
	token := uuid.NewString()
	name := lockPrefix + key

	ok, err := lm.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release runs from a defer, after the run's context is usually
			// already cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.release.Run(rctx, lm.rdb, []string{name}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
