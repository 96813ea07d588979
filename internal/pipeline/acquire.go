package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// AcquireRequest describes one acquisition job.
type AcquireRequest struct {
	Queries []listing.Query
	Start   int
	End     int
	Persist Persistence
	// Extract runs license extraction on newly stored suppliers. In direct
	// mode it runs after each page; in cached mode it runs over the backlog
	// after Replay.
	Extract bool
	// Replay drains buffered buckets at the end of a cached run.
	Replay bool
}

// QueryReport is the outcome of one query.
type QueryReport struct {
	Query string `json:"query"`
	listing.RangeReport
}

// AcquireReport summarizes an acquisition job.
type AcquireReport struct {
	RunID      string            `json:"run_id"`
	Queries    []QueryReport     `json:"queries"`
	Inserted   int               `json:"inserted"`
	Duplicates int               `json:"duplicates"`
	Buffered   int               `json:"buffered"`
	Buckets    []string          `json:"buckets,omitempty"`
	Extraction extract.RunReport `json:"extraction"`
	Replay     *ReplaySummary    `json:"replay,omitempty"`
	Stopped    bool              `json:"stopped"`
}

// ReplaySummary mirrors cache.ReplayReport for the acquire report.
type ReplaySummary struct {
	Buckets    int `json:"buckets"`
	Saved      int `json:"saved"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Acquire walks each query's page range in order and persists what it finds.
// A failing query is logged and the next one still runs; only cancellation
// aborts the job.
func (p *Pipeline) Acquire(ctx context.Context, req AcquireRequest) (AcquireReport, error) {
	if err := p.Validate(&req); err != nil {
		return AcquireReport{}, err
	}
	run, err := p.Reserve()
	if err != nil {
		return AcquireReport{}, err
	}
	return run.Acquire(ctx, req)
}

// Validate checks req and fills its defaults.
func (p *Pipeline) Validate(req *AcquireRequest) error {
	if len(req.Queries) == 0 {
		return eris.New("pipeline: no queries")
	}
	if req.Persist == "" {
		req.Persist = PersistDirect
	}
	if req.Persist == PersistCached && p.deps.Reconciler == nil {
		return eris.New("pipeline: cached persistence needs a cache backend")
	}
	for _, q := range req.Queries {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Acquire runs an acquisition on the reserved pipeline.
func (r *Run) Acquire(ctx context.Context, req AcquireRequest) (AcquireReport, error) {
	defer r.Release()
	p, runID := r.p, r.id
	if err := p.Validate(&req); err != nil {
		return AcquireReport{RunID: runID}, err
	}

	report := AcquireReport{RunID: runID}
	log := zap.L().With(zap.String("run_id", runID), zap.String("persist", string(req.Persist)))
	proxy := p.resolveProxy(ctx)
	log.Info("pipeline: acquisition started",
		zap.Int("queries", len(req.Queries)),
		zap.Int("start", req.Start),
		zap.Int("end", req.End),
		zap.String("proxy", proxy.String()),
	)

	buckets := make(map[string]struct{})
	var sink listing.Sink
	switch req.Persist {
	case PersistDirect:
		sink = p.directSink(runID, req.Extract, &report)
	case PersistCached:
		sink = p.cachedSink(&report, buckets)
	default:
		return report, eris.Errorf("pipeline: unknown persistence %q", req.Persist)
	}

	var runErr error
	for i, q := range req.Queries {
		if p.stop.Load() {
			report.Stopped = true
			break
		}
		if i > 0 && p.opts.QueryDelay > 0 {
			if err := resilience.Sleep(ctx, p.opts.QueryDelay); err != nil {
				runErr = err
				break
			}
		}

		rr, err := p.deps.Acquirer.AcquireRange(ctx, q, listing.RangeOptions{
			Start:  req.Start,
			End:    req.End,
			Proxy:  proxy,
			Stop:   &p.stop,
			Events: p.opts.Events,
			RunID:  runID,
		}, sink)
		report.Queries = append(report.Queries, QueryReport{Query: q.Label(), RangeReport: rr})
		report.Inserted += rr.Inserted
		report.Duplicates += rr.Duplicates
		if rr.Stopped {
			report.Stopped = true
		}
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
				break
			}
			log.Error("pipeline: query failed", zap.String("query", q.Label()), zap.Error(err))
		}
	}

	for k := range buckets {
		report.Buckets = append(report.Buckets, k)
	}
	sort.Strings(report.Buckets)

	if runErr == nil && req.Persist == PersistCached && req.Replay && !report.Stopped {
		runErr = p.replayAndExtract(ctx, runID, req.Extract, &report)
	}

	p.emitDone(ctx, runID, report.Extraction.Succeeded, report.Extraction.Failed, report.Extraction.Skipped, runErr)
	log.Info("pipeline: acquisition finished",
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("buffered", report.Buffered),
		zap.Int("extracted", report.Extraction.Succeeded),
		zap.Bool("stopped", report.Stopped),
	)
	return report, runErr
}

// directSink inserts each record unless it is already stored. Fresh records
// are extracted straight away when extraction is on.
func (p *Pipeline) directSink(runID string, extractNow bool, report *AcquireReport) listing.Sink {
	return func(ctx context.Context, page *listing.Page) (int, int, error) {
		var fresh []model.Supplier
		dups := 0
		for i := range page.Records {
			rec := page.Records[i]
			inserted, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (bool, error) {
				return p.deps.Store.UpsertIfAbsent(ctx, &rec)
			})
			if err != nil {
				return len(fresh), dups, eris.Wrapf(err, "pipeline: store %s", rec.CompanyID)
			}
			if inserted {
				fresh = append(fresh, rec)
			} else {
				dups++
			}
		}

		if extractNow && len(fresh) > 0 && p.deps.Runner != nil && !p.stop.Load() {
			rr, err := p.deps.Runner.Run(ctx, fresh, p.runOptions(runID, 0))
			addRun(&report.Extraction, rr)
			if err != nil && ctx.Err() == nil {
				zap.L().Warn("pipeline: page extraction failed", zap.Int("page", page.Number), zap.Error(err))
			}
		}
		return len(fresh), dups, nil
	}
}

// cachedSink buffers each page into the current time-window bucket. Nothing
// is deduplicated until replay, so every record counts as inserted here.
func (p *Pipeline) cachedSink(report *AcquireReport, buckets map[string]struct{}) listing.Sink {
	return func(ctx context.Context, page *listing.Page) (int, int, error) {
		key, err := p.deps.Reconciler.Append(ctx, page.Records, "")
		if err != nil {
			return 0, 0, err
		}
		buckets[key] = struct{}{}
		report.Buffered += len(page.Records)
		return 0, 0, nil
	}
}

func (p *Pipeline) replayAndExtract(ctx context.Context, runID string, extractNow bool, report *AcquireReport) error {
	rr, err := p.deps.Reconciler.ReplayAll(ctx)
	report.Replay = &ReplaySummary{
		Buckets:    rr.Buckets,
		Saved:      rr.Saved,
		Duplicates: rr.Duplicates,
		Skipped:    rr.Skipped,
	}
	report.Inserted += rr.Saved
	report.Duplicates += rr.Duplicates
	if err != nil {
		return err
	}
	if !extractNow || p.deps.Runner == nil {
		return nil
	}
	er, err := p.deps.Runner.RunBacklog(ctx, p.runOptions(runID, 0))
	addRun(&report.Extraction, er)
	return err
}

func addRun(dst *extract.RunReport, r extract.RunReport) {
	dst.Total += r.Total
	dst.Succeeded += r.Succeeded
	dst.Failed += r.Failed
	dst.Skipped += r.Skipped
	dst.Batches += r.Batches
	dst.Stopped = dst.Stopped || r.Stopped
}
