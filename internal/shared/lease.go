package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds how long a crashed holder blocks other workers.
const DefaultLeaseTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease grants short-lived exclusive ownership of a key in Redis.
type Lease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLease constructs a Lease. A non-positive ttl falls back to DefaultLeaseTTL.
func NewLease(client *redis.Client, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{client: client, ttl: ttl}
}

// TryLock attempts to take the lease on key. When acquired the returned
// release func must be called to hand the lease back; it only deletes the key
// while this holder still owns it.
func (l *Lease) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lease: redis client not configured")
	}
	if key == "" {
		return nil, false, errors.New("lease: key required")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
