package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "labsync:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL. The TTL bounds how long a
// crashed worker can block others; while the lock is held it is extended
// every third of the TTL.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
	stop  context.CancelFunc
	done  chan struct{}
}

func NewRedisLocker(client *redis.Client, name string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: redisKeyPrefix + name, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return ErrNotAcquired
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotAcquired
	}
	l.token = token

	keepCtx, stop := context.WithCancel(context.Background())
	l.stop, l.done = stop, make(chan struct{})
	go l.keepAlive(keepCtx, token, l.done)
	return nil
}

// Extend resets the TTL of the held lock. It returns ErrNotAcquired when the
// lock is not held or has expired and passed to another holder.
func (l *RedisLocker) Extend(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		return ErrNotAcquired
	}
	return l.extend(ctx, token)
}

func (l *RedisLocker) extend(ctx context.Context, token string) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotAcquired
	}
	return nil
}

func (l *RedisLocker) keepAlive(ctx context.Context, token string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A transient error is retried on the next tick; a lost lock ends
			// the loop.
			if err := l.extend(ctx, token); errors.Is(err, ErrNotAcquired) {
				return
			}
		}
	}
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	l.stop()
	<-l.done

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	l.token = ""
	return nil
}
