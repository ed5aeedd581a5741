package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when another instance holds the job lock
var ErrLockHeld = errors.New("job lock held by another instance")

// Locker keeps a job from running on more than one instance at a time
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes locks with SET NX PX so a crashed holder frees the lock
// once its TTL runs out
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "dtc:joblock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// Acquire takes the lock for name or returns ErrLockHeld
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := l.key(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

// LocalLocker is used when no Redis is configured. Every job runs on this
// instance only.
type LocalLocker struct{}

// Acquire always succeeds
func (LocalLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
