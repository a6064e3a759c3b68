// Package lock provides per-instrument run locks so that two sync runs
// never replay the same instrument at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the key.
var ErrLocked = errors.New("lock: already held")

// Locker acquires named locks. The returned unlock func is safe to call
// more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker locks within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker locks across processes with SET NX PX. Each lock carries a
// random token and is only released by its owner. Locks expire after ttl
// so a crashed run cannot hold an instrument forever.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLogger sets the logger that reports failed releases.
func WithLogger(l *slog.Logger) RedisOption { return func(r *RedisLocker) { r.logger = l } }

// NewRedisLocker creates a RedisLocker. Keys are stored as prefix+key.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, prefix string, opts ...RedisOption) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	l := &RedisLocker{rdb: rdb, ttl: ttl, prefix: prefix, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	return l
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", k, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(k, token) })
	}, nil
}

// release deletes k if it still holds token. A failed release leaves the
// key in place until its ttl expires.
func (l *RedisLocker) release(k, token string) {
	// Release even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Int64()
	switch {
	case err != nil:
		l.logger.Error("lock release failed; key held until ttl expires", "key", k, "ttl", l.ttl, "err", err)
	case n == 0:
		l.logger.Warn("lock was no longer held at release", "key", k)
	}
}
