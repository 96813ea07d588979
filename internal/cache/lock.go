package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// ErrLocked is returned when another replay holds the bucket.
var ErrLocked = eris.New("cache: bucket is being replayed elsewhere")

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker serializes replays of one bucket.
type Locker interface {
	Obtain(ctx context.Context, key string) (Release, error)
}

// LocalLocker locks buckets within this process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Obtain(_ context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
		return nil
	}, nil
}

// RedisLocker locks buckets across processes with a TTL so a crashed replay
// cannot hold a bucket forever.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

// DefaultLockTTL bounds how long a replay may hold a bucket.
const DefaultLockTTL = 5 * time.Minute

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: redislock.New(rdb), prefix: prefix, ttl: ttl}
}

func (r *RedisLocker) Obtain(ctx context.Context, key string) (Release, error) {
	lock, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: lock bucket %s", key)
	}
	return lock.Release, nil
}
