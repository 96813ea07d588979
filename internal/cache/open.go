package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/internal/store"
)

// Backend bundles the configured buckets and locker.
type Backend struct {
	Buckets Buckets
	Locker  Locker
	close   func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig) (*Backend, error) {
	switch cfg.Backend {
	case "", "file":
		fb, err := NewFileBuckets(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &Backend{Buckets: fb, Locker: NewLocalLocker()}, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, eris.New("cache: redis backend requires cache.redis_url")
		}
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "cache: parse redis url")
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "cache: connect redis")
		}
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = DefaultKeyPrefix
		}
		zap.L().Info("cache: using redis buckets", zap.String("addr", opt.Addr), zap.String("prefix", prefix))
		return &Backend{
			Buckets: NewRedisBuckets(client, prefix),
			Locker:  NewRedisLocker(client, lockPrefix(prefix), time.Duration(cfg.LockTTLSecs)*time.Second),
			close:   client.Close,
		}, nil

	default:
		return nil, eris.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// lockPrefix keeps lock keys outside the bucket namespace so List never
// returns them.
func lockPrefix(bucketPrefix string) string {
	p := strings.TrimSuffix(bucketPrefix, ":")
	if i := strings.LastIndex(p, ":"); i >= 0 {
		return p[:i+1] + "lock:"
	}
	return "lock:" + p + ":"
}

// ReconcilerOptions maps the cache section to reconciler options.
func ReconcilerOptions(cfg config.CacheConfig, locker Locker) Options {
	retry := resilience.ContentionRetry(cfg.ChunkRetries, time.Second)
	return Options{
		Window: time.Duration(cfg.WindowMins) * time.Minute,
		Chunk:  store.ChunkOptions{Size: cfg.ChunkSize, Retry: &retry},
		Locker: locker,
	}
}
