package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisUnlockScript releases a lock only if the caller still holds the
// fencing token it set, preventing a slow caller from releasing a lock a
// different process has since acquired after expiry.
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisThreadLock distributes the per-thread advisory lock across process
// instances using SET NX EX, following the same Lua-script-plus-client
// construction kernel.RedisLimiterStore uses for its token bucket.
type RedisThreadLock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisThreadLock constructs a distributed thread lock. ttl bounds how
// long a lock is held if its owner crashes before Unlock; retry controls
// the polling interval while Lock blocks on contention.
func NewRedisThreadLock(addr, password string, db int, ttl, retry time.Duration) *RedisThreadLock {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisThreadLock{
		client:    rdb,
		keyPrefix: "agentrt:threadlock:",
		ttl:       ttl,
		retry:     retry,
		tokens:    make(map[string]string),
	}
}

// Lock blocks, polling at the configured retry interval, until the
// distributed lock for threadID is acquired.
func (l *RedisThreadLock) Lock(threadID string) {
	ctx := context.Background()
	key := l.keyPrefix + threadID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err == nil && ok {
			l.mu.Lock()
			l.tokens[threadID] = token
			l.mu.Unlock()
			return
		}
		time.Sleep(l.retry)
	}
}

// Unlock releases the distributed lock for threadID, only if this process
// still holds its fencing token.
func (l *RedisThreadLock) Unlock(threadID string) {
	ctx := context.Background()
	key := l.keyPrefix + threadID

	l.mu.Lock()
	token, ok := l.tokens[threadID]
	if ok {
		delete(l.tokens, threadID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	// Best-effort: if this fails, the key still expires via ttl.
	_ = redisUnlockScript.Run(ctx, l.client, []string{key}, token).Err()
}

// Close releases the underlying Redis connection.
func (l *RedisThreadLock) Close() error {
	return l.client.Close()
}
