package listing

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// Fetcher is the gateway surface the acquirer needs.
type Fetcher interface {
	Fetch(ctx context.Context, req gateway.Request) ([]byte, error)
}

// Options configures an Acquirer.
type Options struct {
	Endpoints  Endpoints
	PauseMin   time.Duration
	PauseMax   time.Duration
	MaxRetries int
	Timeout    time.Duration
}

// Acquirer fetches listing pages through the gateway.
type Acquirer struct {
	fetcher Fetcher
	opts    Options
	now     func() time.Time

	// OnPageFailure is called for each page that failed after retries.
	OnPageFailure func(ctx context.Context, f model.PageFailure)
}

// New creates an Acquirer.
func New(f Fetcher, opts Options) *Acquirer {
	if opts.PauseMax < opts.PauseMin {
		opts.PauseMax = opts.PauseMin
	}
	return &Acquirer{fetcher: f, opts: opts, now: time.Now}
}

// AcquirePage fetches and parses one page. Listing calls use API headers and
// skip the egress check.
func (a *Acquirer) AcquirePage(ctx context.Context, q Query, page int, proxy *model.ProxyConfig) (*Page, error) {
	u, err := q.URL(a.opts.Endpoints, page, a.now())
	if err != nil {
		return nil, err
	}
	body, err := a.fetcher.Fetch(ctx, gateway.Request{
		URL:        u,
		Proxy:      proxy,
		Mode:       gateway.ModeAPI,
		MaxRetries: a.opts.MaxRetries,
		Timeout:    a.opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	p, err := Parse(body, q)
	if err != nil {
		return nil, err
	}
	p.Number = page
	return p, nil
}

// Sink receives each parsed page in order and reports how many records were
// new and how many were already known. On error the counts cover the records
// handled before the failure.
type Sink func(ctx context.Context, p *Page) (inserted, duplicates int, err error)

// RangeOptions controls AcquireRange.
type RangeOptions struct {
	Start int
	End   int
	Proxy *model.ProxyConfig
	// Stop is checked before each page. In-flight pages are not aborted.
	Stop   *atomic.Bool
	Events chan<- model.Event
	RunID  string
}

// RangeReport summarizes a page range.
type RangeReport struct {
	Pages       int   `json:"pages"`
	FailedPages []int `json:"failed_pages,omitempty"`
	Fetched     int   `json:"fetched"`
	Inserted    int   `json:"inserted"`
	Duplicates  int   `json:"duplicates"`
	Stopped     bool  `json:"stopped"`
}

// AcquireRange walks pages Start..End one at a time, pausing a random
// interval between pages. A page that fails is logged, recorded through
// OnPageFailure and skipped. Only context cancellation ends the range early
// with an error.
func (a *Acquirer) AcquireRange(ctx context.Context, q Query, opts RangeOptions, sink Sink) (RangeReport, error) {
	var report RangeReport
	if err := q.Validate(); err != nil {
		return report, err
	}
	if opts.Start < 1 || opts.End < opts.Start {
		return report, eris.Errorf("listing: invalid page range %d-%d", opts.Start, opts.End)
	}

	log := zap.L().With(
		zap.String("query", q.Label()),
		zap.String("kind", string(q.Kind)),
		zap.String("proxy", opts.Proxy.String()),
	)

	for page := opts.Start; page <= opts.End; page++ {
		if opts.Stop != nil && opts.Stop.Load() {
			log.Info("listing: stop requested", zap.Int("next_page", page))
			report.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Pages++
		p, err := a.AcquirePage(ctx, q, page, opts.Proxy)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			a.pageFailed(ctx, log, q, page, err, failureType(err), opts, &report)
		} else {
			report.Fetched += len(p.Records)
			inserted, dups := 0, 0
			if sink != nil {
				inserted, dups, err = sink(ctx, p)
			}
			report.Inserted += inserted
			report.Duplicates += dups
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				a.pageFailed(ctx, log, q, page, err, "store", opts, &report)
			} else {
				log.Info("listing: page done",
					zap.Int("page", page),
					zap.Int("fetched", len(p.Records)),
					zap.Int("discarded", p.Discarded),
					zap.Int("inserted", inserted),
					zap.Int("duplicates", dups),
				)
				model.Emit(ctx, opts.Events, model.Event{
					RunID:      opts.RunID,
					Kind:       model.EventPageDone,
					Page:       page,
					Fetched:    len(p.Records),
					Inserted:   inserted,
					Duplicates: dups,
				})
			}
		}

		if page < opts.End {
			if err := resilience.Sleep(ctx, a.pause()); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// failureType is "transient" or "permanent" for gateway failures and
// "parse" for payloads that could not be read.
func failureType(err error) string {
	var fe *gateway.FetchError
	if errors.As(err, &fe) {
		return resilience.ClassifyError(err)
	}
	return "parse"
}

func (a *Acquirer) pageFailed(ctx context.Context, log *zap.Logger, q Query, page int, err error, errType string, opts RangeOptions, report *RangeReport) {
	report.FailedPages = append(report.FailedPages, page)
	log.Warn("listing: page failed", zap.Int("page", page), zap.String("error_type", errType), zap.Error(err))

	if a.OnPageFailure != nil {
		a.OnPageFailure(ctx, model.PageFailure{
			Query:     q.Label(),
			Kind:      string(q.Kind),
			Page:      page,
			Error:     err.Error(),
			ErrorType: errType,
		})
	}
	model.Emit(ctx, opts.Events, model.Event{
		RunID: opts.RunID,
		Kind:  model.EventPageFailed,
		Page:  page,
		Err:   err.Error(),
	})
}

func (a *Acquirer) pause() time.Duration {
	lo, hi := a.opts.PauseMin, a.opts.PauseMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}
