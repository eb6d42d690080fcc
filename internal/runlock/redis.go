package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed run can keep the Redis lock.
const DefaultTTL = 2 * time.Minute

// ErrNotOwned is returned by Extend once the key expired or was taken over.
var ErrNotOwned = errors.New("lock no longer owned")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock is a SET NX lock with a random owner token. While held, the TTL
// is refreshed in the background so long migrations keep the lock.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
	log    *zap.SugaredLogger

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
		log:    zap.NewNop().Sugar(),
	}
}

// WithLogger sets where heartbeat problems are reported.
func (l *RedisLock) WithLogger(log *zap.SugaredLogger) *RedisLock {
	if log != nil {
		l.log = log
	}
	return l
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.stop = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()
	go l.heartbeat(hbCtx, l.done)
	return true, nil
}

func (l *RedisLock) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Extend(ctx, l.ttl)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, ErrNotOwned):
				l.log.Errorw("Run lock lost", "key", l.key)
				return
			default:
				l.log.Warnw("Could not extend run lock, will retry", "key", l.key, "error", err)
			}
		}
	}
}

// Extend resets the TTL if the lock is still owned.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotOwned)
	}
	return nil
}

// Release stops the heartbeat and deletes the key if still owned.
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// ForceRelease deletes the key whoever owns it. Use it only when the owning
// run is known to be gone.
func (l *RedisLock) ForceRelease(ctx context.Context) (bool, error) {
	n, err := l.client.Del(ctx, l.key).Result()
	return n > 0, err
}
