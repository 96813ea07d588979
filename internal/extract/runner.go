package extract

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// DefaultBatchSize is the number of suppliers extracted concurrently.
const DefaultBatchSize = 3

// BacklogStore supplies work and the proxy for each batch.
type BacklogStore interface {
	Backlog(ctx context.Context, limit int) ([]model.Supplier, error)
	ActiveProxy(ctx context.Context) (*model.ProxyConfig, error)
}

// Archiver writes artifacts of an extracted supplier to disk and returns the
// directory used.
type Archiver interface {
	Archive(ctx context.Context, s model.Supplier, r *Result) (string, error)
}

// RunOptions controls a backlog run.
type RunOptions struct {
	BatchSize  int
	BatchDelay time.Duration
	// Limit caps the backlog snapshot. Zero means everything.
	Limit int
	// Proxy overrides the store's active proxy for every batch.
	Proxy  *model.ProxyConfig
	Stop   *atomic.Bool
	Events chan<- model.Event
	RunID  string
}

// RunReport summarizes a run.
type RunReport struct {
	Total     int  `json:"total"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Batches   int  `json:"batches"`
	Stopped   bool `json:"stopped"`
}

// Runner drives the extractor over many suppliers in fixed-size batches.
type Runner struct {
	ext      *Extractor
	store    BacklogStore
	archiver Archiver
}

// NewRunner creates a Runner. archiver may be nil.
func NewRunner(ext *Extractor, st BacklogStore, archiver Archiver) *Runner {
	return &Runner{ext: ext, store: st, archiver: archiver}
}

// RunBacklog snapshots the backlog once and extracts it batch by batch.
func (r *Runner) RunBacklog(ctx context.Context, opts RunOptions) (RunReport, error) {
	backlog, err := r.store.Backlog(ctx, opts.Limit)
	if err != nil {
		return RunReport{}, eris.Wrap(err, "extract: load backlog")
	}
	zap.L().Info("extract: backlog loaded", zap.Int("suppliers", len(backlog)), zap.String("run_id", opts.RunID))
	return r.Run(ctx, backlog, opts)
}

// Run extracts the given suppliers. The proxy is resolved once per batch and
// the stop flag is checked before each batch; a batch in flight always
// finishes. Only context cancellation is returned as an error.
func (r *Runner) Run(ctx context.Context, suppliers []model.Supplier, opts RunOptions) (RunReport, error) {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	report := RunReport{Total: len(suppliers)}

	for start := 0; start < len(suppliers); start += size {
		if opts.Stop != nil && opts.Stop.Load() {
			zap.L().Info("extract: stop requested", zap.Int("remaining", len(suppliers)-start))
			report.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if start > 0 {
			if err := resilience.Sleep(ctx, opts.BatchDelay); err != nil {
				return report, err
			}
		}

		end := min(start+size, len(suppliers))
		report.Batches++
		ok, failed, skipped := r.runBatch(ctx, suppliers[start:end], r.batchProxy(ctx, opts.Proxy), report.Batches, opts)
		report.Succeeded += ok
		report.Failed += failed
		report.Skipped += skipped

		zap.L().Info("extract: batch done",
			zap.Int("batch", report.Batches),
			zap.Int("succeeded", ok),
			zap.Int("failed", failed),
			zap.Int("skipped", skipped),
		)
		model.Emit(ctx, opts.Events, model.Event{
			RunID:     opts.RunID,
			Kind:      model.EventBatchDone,
			Batch:     report.Batches,
			Succeeded: ok,
			Failed:    failed,
			Skipped:   skipped,
		})
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Runner) batchProxy(ctx context.Context, override *model.ProxyConfig) *model.ProxyConfig {
	if override != nil {
		return override
	}
	p, err := r.store.ActiveProxy(ctx)
	if err != nil {
		zap.L().Warn("extract: active proxy unavailable, going direct", zap.Error(err))
		return nil
	}
	return p
}

func (r *Runner) runBatch(ctx context.Context, batch []model.Supplier, proxy *model.ProxyConfig, n int, opts RunOptions) (succeeded, failed, skipped int) {
	var ok, bad, latched atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(len(batch))
	for _, s := range batch {
		g.Go(func() error {
			out := r.ext.ExtractOne(ctx, s.CompanyID, s.ActionURL, proxy)
			ev := model.Event{RunID: opts.RunID, Batch: n, CompanyID: s.CompanyID}
			switch {
			case out.Success():
				ok.Add(1)
				ev.Kind = model.EventEntityExtracted
				r.archive(ctx, s, out.Result)
			case out.Latched():
				bad.Add(1)
				latched.Add(1)
				ev.Kind = model.EventEntitySkipped
			default:
				bad.Add(1)
				ev.Kind = model.EventEntityFailed
			}
			if out.Err != nil {
				ev.Err = out.Err.Error()
			}
			model.Emit(ctx, opts.Events, ev)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(bad.Load()), int(latched.Load())
}

func (r *Runner) archive(ctx context.Context, s model.Supplier, res *Result) {
	if r.archiver == nil || s.CategoryID == "" {
		return
	}
	if _, err := r.archiver.Archive(ctx, s, res); err != nil {
		zap.L().Warn("extract: archive failed", zap.String("company_id", s.CompanyID), zap.Error(err))
	}
}
