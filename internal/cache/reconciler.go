package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/store"
)

// Options configures a Reconciler.
type Options struct {
	Window time.Duration
	Chunk  store.ChunkOptions
	// Locker guards replays. Nil means no locking.
	Locker Locker
}

// ReplayReport summarizes one or more bucket replays.
type ReplayReport struct {
	Buckets    int `json:"buckets"`
	Loaded     int `json:"loaded"`
	Saved      int `json:"saved"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Truncated  int `json:"truncated"`
}

func (r *ReplayReport) add(o ReplayReport) {
	r.Buckets += o.Buckets
	r.Loaded += o.Loaded
	r.Saved += o.Saved
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
	r.Truncated += o.Truncated
}

// Reconciler moves buffered suppliers from buckets into the store.
type Reconciler struct {
	buckets Buckets
	store   store.Store
	opts    Options
	now     func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(b Buckets, st store.Store, opts Options) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Reconciler{buckets: b, store: st, opts: opts, now: time.Now}
}

// CurrentKey names the bucket for the current time window.
func (r *Reconciler) CurrentKey() string {
	return BucketKey(r.now(), r.opts.Window)
}

// Append buffers records into key, or into the current window when key is
// empty. It returns the key used.
func (r *Reconciler) Append(ctx context.Context, records []model.Supplier, key string) (string, error) {
	if key == "" {
		key = r.CurrentKey()
	}
	if len(records) == 0 {
		return key, nil
	}
	n, err := r.buckets.Append(ctx, key, records)
	if err != nil {
		return key, err
	}
	zap.L().Debug("cache: appended", zap.String("bucket", key), zap.Int("records", len(records)), zap.Int("bucket_size", n))
	return key, nil
}

// Replay loads a bucket once, drops records already in the store or earlier
// in the same bucket, and writes the rest in chunks. The bucket is emptied
// only when every chunk was written, so a failed replay can be retried.
func (r *Reconciler) Replay(ctx context.Context, key string) (ReplayReport, error) {
	report := ReplayReport{Buckets: 1}

	if r.opts.Locker != nil {
		release, err := r.opts.Locker.Obtain(ctx, key)
		if err != nil {
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				zap.L().Warn("cache: release lock", zap.String("bucket", key), zap.Error(err))
			}
		}()
	}

	records, err := r.buckets.Load(ctx, key)
	if err != nil {
		return report, err
	}
	report.Loaded = len(records)
	if len(records) == 0 {
		return report, nil
	}

	known, err := r.store.KnownCompanyIDs(ctx)
	if err != nil {
		return report, eris.Wrapf(err, "cache: replay %s", key)
	}

	fresh := make([]model.Supplier, 0, len(records))
	for _, rec := range records {
		if rec.CompanyID == "" {
			continue
		}
		if _, ok := known[rec.CompanyID]; ok {
			report.Duplicates++
			continue
		}
		known[rec.CompanyID] = struct{}{}
		fresh = append(fresh, rec)
	}

	batch, err := store.SaveChunked(ctx, r.store, fresh, r.opts.Chunk)
	report.Saved = batch.Saved
	report.Duplicates += batch.Duplicates
	report.Skipped = batch.Skipped
	if err != nil {
		return report, err
	}

	log := zap.L().With(
		zap.String("bucket", key),
		zap.Int("loaded", report.Loaded),
		zap.Int("saved", report.Saved),
		zap.Int("duplicates", report.Duplicates),
	)
	if batch.Skipped > 0 {
		log.Warn("cache: replay incomplete, bucket kept", zap.Int("skipped", batch.Skipped), zap.Int("failed_chunks", batch.FailedChunks))
		return report, nil
	}
	if err := r.buckets.Truncate(ctx, key); err != nil {
		return report, err
	}
	report.Truncated = 1
	log.Info("cache: replay done")
	return report, nil
}

// ReplayAll replays every known bucket. A bucket that fails is logged and
// left for the next run.
func (r *Reconciler) ReplayAll(ctx context.Context) (ReplayReport, error) {
	var total ReplayReport
	keys, err := r.buckets.List(ctx)
	if err != nil {
		return total, err
	}

	failed := 0
	for _, key := range keys {
		rep, err := r.Replay(ctx, key)
		total.add(rep)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			failed++
			zap.L().Error("cache: replay failed", zap.String("bucket", key), zap.Error(err))
		}
	}
	if failed > 0 {
		return total, eris.Errorf("cache: %d of %d buckets failed to replay", failed, len(keys))
	}
	return total, nil
}
