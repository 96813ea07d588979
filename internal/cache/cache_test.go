package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/internal/store"
)

func sup(id string) model.Supplier {
	return model.Supplier{CompanyID: id, CompanyName: "S " + id, ActionURL: "https://" + id + ".en.alibaba.com/"}
}

func ids(records []model.Supplier) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.CompanyID
	}
	return out
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return client, mr
}

func TestBucketKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 27, 41, 0, time.UTC)
	assert.Equal(t, "suppliers_20260314_0925", BucketKey(ts, 5*time.Minute))
	assert.Equal(t, "suppliers_20260314_0925", BucketKey(ts, 0))
	assert.Equal(t, "suppliers_20260314_0900", BucketKey(ts, time.Hour))
}

// bucketContract runs the same checks against every Buckets implementation.
func bucketContract(t *testing.T, b Buckets) {
	ctx := context.Background()

	got, err := b.Load(ctx, "suppliers_20260314_0925")
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := b.Append(ctx, "suppliers_20260314_0925", []model.Supplier{sup("1"), sup("2")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = b.Append(ctx, "suppliers_20260314_0925", []model.Supplier{sup("3")})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err = b.Load(ctx, "suppliers_20260314_0925")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids(got))
	assert.Equal(t, "S 2", got[1].CompanyName)

	_, err = b.Append(ctx, "suppliers_20260314_0930", []model.Supplier{sup("4")})
	require.NoError(t, err)
	keys, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"suppliers_20260314_0925", "suppliers_20260314_0930"}, keys)

	require.NoError(t, b.Truncate(ctx, "suppliers_20260314_0925"))
	got, err = b.Load(ctx, "suppliers_20260314_0925")
	require.NoError(t, err)
	assert.Empty(t, got)
	keys, err = b.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "truncate keeps the bucket")

	n, err = b.Append(ctx, "suppliers_20260314_0925", []model.Supplier{sup("5")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Append(ctx, "../escape", []model.Supplier{sup("x")})
	assert.Error(t, err)
}

func TestFileBuckets(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBuckets(dir)
	require.NoError(t, err)
	bucketContract(t, b)

	data, err := os.ReadFile(filepath.Join(dir, "suppliers_20260314_0930.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"company_id":"4"`)
}

func TestFileBuckets_TruncateWritesEmptyArray(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBuckets(dir)
	require.NoError(t, err)
	require.NoError(t, b.Truncate(context.Background(), "k"))
	data, err := os.ReadFile(filepath.Join(dir, "k.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestRedisBuckets(t *testing.T) {
	client, mr := newRedis(t)
	bucketContract(t, NewRedisBuckets(client, "test:bucket:"))

	raw, err := mr.Get("test:bucket:suppliers_20260314_0930")
	require.NoError(t, err)
	assert.Contains(t, raw, `"company_id":"4"`)
}

func TestRedisBuckets_TruncateSetsEmptyArray(t *testing.T) {
	client, mr := newRedis(t)
	b := NewRedisBuckets(client, "")
	require.NoError(t, b.Truncate(context.Background(), "k"))
	raw, err := mr.Get(DefaultKeyPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestBuckets_ConcurrentAppendsKeepEveryRecord(t *testing.T) {
	client, _ := newRedis(t)
	fb, err := NewFileBuckets(t.TempDir())
	require.NoError(t, err)

	for name, b := range map[string]Buckets{"file": fb, "redis": NewRedisBuckets(client, "c:")} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for w := range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range 4 {
						_, err := b.Append(ctx, "k", []model.Supplier{sup(fmt.Sprintf("%d-%d", w, i))})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			got, err := b.Load(ctx, "k")
			require.NoError(t, err)
			assert.Len(t, got, 20)
		})
	}
}

// --- locks ---

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Obtain(ctx, "k")
	require.NoError(t, err)
	_, err = l.Obtain(ctx, "k")
	assert.ErrorIs(t, err, ErrLocked)
	_, err = l.Obtain(ctx, "other")
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Obtain(ctx, "k")
	assert.NoError(t, err)
}

func TestRedisLocker(t *testing.T) {
	client, mr := newRedis(t)
	l := NewRedisLocker(client, "test:lock:", time.Minute)
	ctx := context.Background()

	release, err := l.Obtain(ctx, "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:k"))

	_, err = l.Obtain(ctx, "k")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock:k"))
}

func TestLockPrefix(t *testing.T) {
	assert.Equal(t, "supplier-cli:lock:", lockPrefix("supplier-cli:bucket:"))
	assert.Equal(t, "lock:bkt:", lockPrefix("bkt"))
}

// --- reconciler ---

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestReconciler_ReplayDedupsAndTruncates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	existing := sup("1")
	_, err := st.UpsertIfAbsent(ctx, &existing)
	require.NoError(t, err)

	fb, err := NewFileBuckets(t.TempDir())
	require.NoError(t, err)
	r := NewReconciler(fb, st, Options{Chunk: store.ChunkOptions{Size: 2}, Locker: NewLocalLocker()})

	key, err := r.Append(ctx, []model.Supplier{sup("1"), sup("2"), sup("3")}, "")
	require.NoError(t, err)
	assert.Regexp(t, `^suppliers_\d{8}_\d{4}$`, key)
	_, err = r.Append(ctx, []model.Supplier{sup("2"), sup("4"), {CompanyName: "no id"}}, key)
	require.NoError(t, err)

	report, err := r.Replay(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Loaded)
	assert.Equal(t, 3, report.Saved)
	assert.Equal(t, 2, report.Duplicates)
	assert.Equal(t, 1, report.Truncated)

	known, err := st.KnownCompanyIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, known, 4)

	left, err := fb.Load(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, left)

	// Replaying an emptied bucket is a no-op.
	again, err := r.Replay(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Buckets: 1}, again)

	// The bucket still accepts appends.
	_, err = r.Append(ctx, []model.Supplier{sup("5")}, key)
	require.NoError(t, err)
}

func TestReconciler_ReplayIsIdempotentAcrossRestores(t *testing.T) {
	st := newTestStore(t)
	client, _ := newRedis(t)
	rb := NewRedisBuckets(client, "r:")
	r := NewReconciler(rb, st, Options{Locker: NewRedisLocker(client, "l:", time.Minute)})
	ctx := context.Background()

	batch := []model.Supplier{sup("a"), sup("b")}
	_, err := r.Append(ctx, batch, "k")
	require.NoError(t, err)
	first, err := r.Replay(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Saved)

	// Same records buffered again, e.g. after a re-run of the same pages.
	_, err = r.Append(ctx, batch, "k")
	require.NoError(t, err)
	second, err := r.Replay(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, 2, second.Duplicates)
}

// brokenStore fails every insert after the first n chunks.
type brokenStore struct {
	store.Store
	ok    int
	calls int
}

func (b *brokenStore) InsertBatch(ctx context.Context, records []model.Supplier) (int, error) {
	b.calls++
	if b.calls > b.ok {
		return 0, errors.New("disk I/O error")
	}
	return b.Store.InsertBatch(ctx, records)
}

func TestReconciler_KeepsBucketWhenChunkSkipped(t *testing.T) {
	st := newTestStore(t)
	bs := &brokenStore{Store: st, ok: 1}
	fb, err := NewFileBuckets(t.TempDir())
	require.NoError(t, err)
	noRetry := resilience.RetryConfig{MaxAttempts: 1, Backoff: resilience.ConstantBackoff(0)}
	r := NewReconciler(fb, bs, Options{Chunk: store.ChunkOptions{Size: 2, Retry: &noRetry}})
	ctx := context.Background()

	_, err = r.Append(ctx, []model.Supplier{sup("1"), sup("2"), sup("3")}, "k")
	require.NoError(t, err)

	report, err := r.Replay(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Saved)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Truncated)

	left, err := fb.Load(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, left, 3)

	// A later replay picks up only what is missing.
	bs.ok = 100
	report, err = r.Replay(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Saved)
	assert.Equal(t, 2, report.Duplicates)
	assert.Equal(t, 1, report.Truncated)
}

func TestReconciler_ReplayLocked(t *testing.T) {
	st := newTestStore(t)
	fb, err := NewFileBuckets(t.TempDir())
	require.NoError(t, err)
	locker := NewLocalLocker()
	r := NewReconciler(fb, st, Options{Locker: locker})

	_, err = locker.Obtain(context.Background(), "k")
	require.NoError(t, err)
	_, err = r.Replay(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReconciler_ReplayAll(t *testing.T) {
	st := newTestStore(t)
	fb, err := NewFileBuckets(t.TempDir())
	require.NoError(t, err)
	r := NewReconciler(fb, st, Options{})
	ctx := context.Background()

	_, err = r.Append(ctx, []model.Supplier{sup("1"), sup("2")}, "suppliers_20260314_0925")
	require.NoError(t, err)
	_, err = r.Append(ctx, []model.Supplier{sup("2"), sup("3")}, "suppliers_20260314_0930")
	require.NoError(t, err)

	report, err := r.ReplayAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Buckets)
	assert.Equal(t, 4, report.Loaded)
	assert.Equal(t, 3, report.Saved)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.Truncated)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, config.CacheConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileBuckets{}, b.Buckets)
	assert.NoError(t, b.Close())

	mr := miniredis.RunT(t)
	b, err = Open(ctx, config.CacheConfig{Backend: "redis", RedisURL: "redis://" + mr.Addr(), LockTTLSecs: 60})
	require.NoError(t, err)
	assert.IsType(t, &RedisBuckets{}, b.Buckets)
	assert.IsType(t, &RedisLocker{}, b.Locker)
	assert.NoError(t, b.Close())

	_, err = Open(ctx, config.CacheConfig{Backend: "redis"})
	assert.Error(t, err)
	_, err = Open(ctx, config.CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}
