// Package pipeline ties acquisition, persistence and extraction together.
// A Pipeline runs one job at a time and exposes a cooperative stop flag that
// every stage checks between pages, queries and batches.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/cache"
	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/internal/store"
)

// ErrRunning is returned when a job is started while another is in flight.
var ErrRunning = eris.New("pipeline: a run is already in progress")

// Persistence selects how acquired records reach the store.
type Persistence string

const (
	// PersistDirect inserts each page's records as it arrives.
	PersistDirect Persistence = "direct"
	// PersistCached buffers records in time-window buckets for a later replay.
	PersistCached Persistence = "cached"
)

// Deps are the components a Pipeline drives.
type Deps struct {
	Store    store.Store
	Acquirer *listing.Acquirer
	Runner   *extract.Runner
	// Reconciler is required for PersistCached.
	Reconciler *cache.Reconciler
}

// Options configures a Pipeline.
type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	// QueryDelay separates consecutive queries of a multi-query acquisition.
	QueryDelay time.Duration
	// Proxy overrides the store's active proxy for every stage.
	Proxy *model.ProxyConfig
	// Events receives progress events. Nil disables them; a non-nil channel
	// must be drained.
	Events chan<- model.Event
}

// OptionsFromConfig maps config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		BatchSize:  cfg.Extract.BatchSize,
		BatchDelay: time.Duration(cfg.Extract.BatchDelaySecs) * time.Second,
		QueryDelay: time.Duration(cfg.Acquire.KeywordDelaySecs) * time.Second,
	}
	if cfg.Proxy.URL != "" {
		if p, err := model.ParseProxy(cfg.Proxy.URL); err == nil {
			opts.Proxy = p
		} else {
			zap.L().Warn("pipeline: ignoring invalid proxy.url", zap.Error(err))
		}
	}
	return opts
}

// Pipeline orchestrates acquisition and extraction runs.
type Pipeline struct {
	deps  Deps
	opts  Options
	retry resilience.RetryConfig

	stop    atomic.Bool
	running atomic.Bool
}

// New creates a Pipeline.
func New(d Deps, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = extract.DefaultBatchSize
	}
	return &Pipeline{
		deps:  d,
		opts:  opts,
		retry: resilience.ContentionRetry(3, time.Second),
	}
}

// Stop asks the current run to finish after its in-flight page or batch.
func (p *Pipeline) Stop() {
	p.stop.Store(true)
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

func (p *Pipeline) begin() (string, error) {
	if !p.running.CompareAndSwap(false, true) {
		return "", ErrRunning
	}
	p.stop.Store(false)
	return uuid.NewString(), nil
}

func (p *Pipeline) end() {
	p.running.Store(false)
}

// Run is a claim on the pipeline taken by Reserve. The claim is released when
// its job returns, or by Release if no job is started.
type Run struct {
	p        *Pipeline
	id       string
	released atomic.Bool
}

// Reserve claims the pipeline for one job and clears the stop flag. A Stop
// after Reserve applies to the reserved job.
func (p *Pipeline) Reserve() (*Run, error) {
	id, err := p.begin()
	if err != nil {
		return nil, err
	}
	return &Run{p: p, id: id}, nil
}

// ID returns the run identifier stamped on the job's events.
func (r *Run) ID() string { return r.id }

// Release frees the pipeline. It is safe to call more than once.
func (r *Run) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.p.end()
	}
}

// resolveProxy returns the override, else the store's active proxy, else nil
// for a direct connection.
func (p *Pipeline) resolveProxy(ctx context.Context) *model.ProxyConfig {
	if p.opts.Proxy != nil {
		return p.opts.Proxy
	}
	px, err := p.deps.Store.ActiveProxy(ctx)
	if err != nil {
		zap.L().Warn("pipeline: active proxy unavailable, going direct", zap.Error(err))
		return nil
	}
	return px
}

func (p *Pipeline) runOptions(runID string, limit int) extract.RunOptions {
	return extract.RunOptions{
		BatchSize:  p.opts.BatchSize,
		BatchDelay: p.opts.BatchDelay,
		Limit:      limit,
		Proxy:      p.opts.Proxy,
		Stop:       &p.stop,
		Events:     p.opts.Events,
		RunID:      runID,
	}
}

// ExtractBacklog extracts up to limit suppliers from the backlog.
func (p *Pipeline) ExtractBacklog(ctx context.Context, limit int) (extract.RunReport, error) {
	run, err := p.Reserve()
	if err != nil {
		return extract.RunReport{}, err
	}
	return run.ExtractBacklog(ctx, limit)
}

// ExtractBacklog runs a backlog extraction on the reserved pipeline.
func (r *Run) ExtractBacklog(ctx context.Context, limit int) (extract.RunReport, error) {
	defer r.Release()
	p, runID := r.p, r.id

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("pipeline: extraction started", zap.Int("limit", limit), zap.Int("batch_size", p.opts.BatchSize))

	report, err := p.deps.Runner.RunBacklog(ctx, p.runOptions(runID, limit))
	p.emitDone(ctx, runID, report.Succeeded, report.Failed, report.Skipped, err)
	log.Info("pipeline: extraction finished",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("stopped", report.Stopped),
	)
	return report, err
}

// Replay moves every buffered bucket into the store.
func (p *Pipeline) Replay(ctx context.Context) (cache.ReplayReport, error) {
	if p.deps.Reconciler == nil {
		return cache.ReplayReport{}, eris.New("pipeline: no cache configured")
	}
	return p.deps.Reconciler.ReplayAll(ctx)
}

func (p *Pipeline) emitDone(ctx context.Context, runID string, ok, failed, skipped int, err error) {
	ev := model.Event{
		RunID:     runID,
		Kind:      model.EventRunDone,
		Succeeded: ok,
		Failed:    failed,
		Skipped:   skipped,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	// The run context may already be cancelled; the final event still goes out.
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	model.Emit(emitCtx, p.opts.Events, ev)
}
