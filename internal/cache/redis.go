package cache

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
)

// DefaultKeyPrefix namespaces bucket keys in Redis.
const DefaultKeyPrefix = "supplier-cli:bucket:"

const maxAppendAttempts = 50

// RedisBuckets stores each bucket as a string value holding the JSON array.
// Appends are WATCH/MULTI transactions so concurrent writers never lose
// records.
type RedisBuckets struct {
	client *redis.Client
	prefix string
}

// NewRedisBuckets creates Redis-backed buckets under prefix.
func NewRedisBuckets(client *redis.Client, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBuckets{client: client, prefix: prefix}
}

func (r *RedisBuckets) Append(ctx context.Context, key string, records []model.Supplier) (int, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	rk := r.prefix + key

	var n int
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		existing, err := decode(raw)
		if err != nil {
			return err
		}
		merged := append(existing, records...)
		data, err := encode(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, data, 0)
			return nil
		})
		n = len(merged)
		return err
	}

	for range maxAppendAttempts {
		err := r.client.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, eris.Wrapf(err, "cache: append bucket %s", key)
		}
		return n, nil
	}
	return 0, eris.Errorf("cache: append bucket %s: too much contention", key)
}

func (r *RedisBuckets) Load(ctx context.Context, key string) ([]model.Supplier, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: load bucket %s", key)
	}
	records, err := decode(raw)
	return records, eris.Wrapf(err, "cache: bucket %s", key)
}

func (r *RedisBuckets) Truncate(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return eris.Wrapf(r.client.Set(ctx, r.prefix+key, "[]", 0).Err(), "cache: truncate bucket %s", key)
}

func (r *RedisBuckets) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "cache: list buckets")
	}
	sort.Strings(keys)
	return keys, nil
}
