// Package extract visits supplier detail pages and pulls out the license
// image and the structured license fields.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/gateway"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// DefaultTimeout bounds a detail page call.
const DefaultTimeout = 15 * time.Second

// State is where an extraction attempt ended.
type State string

const (
	StatePending     State = "pending"
	StateFetching    State = "fetching"
	StateFetchFailed State = "fetch_failed"
	StateParsed      State = "parsed"
	StateExtracted   State = "extracted"
	StateNoArtifact  State = "no_artifact"
)

// Gateway is the outbound HTTP surface used for detail pages and size probes.
type Gateway interface {
	Prober
	Fetch(ctx context.Context, req gateway.Request) ([]byte, error)
}

// Store persists a successful extraction.
type Store interface {
	MarkExtracted(ctx context.Context, companyID string, assets []model.LicenseAsset, details *model.LicenseDetails) error
}

// FailureRecorder is told about every unsuccessful attempt.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, companyID string, cause error) (model.FailureState, error)
}

// Options configures an Extractor.
type Options struct {
	VerifyEgress     bool
	Timeout          time.Duration
	MaxRetries       int
	MinAssetBytes    int64
	ProbeConcurrency int
}

// OptionsFromConfig builds Options from the gateway and extract sections.
func OptionsFromConfig(gw config.GatewayConfig, ex config.ExtractConfig) Options {
	return Options{
		VerifyEgress:     ex.VerifyEgress,
		Timeout:          gw.DetailTimeout(),
		MaxRetries:       gw.MaxRetries,
		MinAssetBytes:    ex.MinAssetBytes,
		ProbeConcurrency: ex.ProbeConcurrency,
	}
}

// Result is what a detail page yielded.
type Result struct {
	URL     string                `json:"url"`
	Title   string                `json:"title,omitempty"`
	Found   int                   `json:"found"`
	Assets  []model.LicenseAsset  `json:"assets"`
	Details *model.LicenseDetails `json:"details,omitempty"`
}

// Empty reports whether the page held neither an asset nor license fields.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Assets) == 0 && r.Details == nil)
}

// Outcome is the result of one ExtractOne call.
type Outcome struct {
	CompanyID string              `json:"company_id"`
	State     State               `json:"state"`
	Result    *Result             `json:"result,omitempty"`
	Failure   *model.FailureState `json:"failure,omitempty"`
	Err       error               `json:"-"`
}

// Success reports whether the attempt was persisted as extracted.
func (o Outcome) Success() bool { return o.State == StateExtracted }

// Latched reports whether this attempt tripped the skip latch.
func (o Outcome) Latched() bool { return o.Failure != nil && o.Failure.SkipExtraction }

// Extractor runs single-entity extractions.
type Extractor struct {
	gw      Gateway
	store   Store
	tracker FailureRecorder
	opts    Options
	retry   resilience.RetryConfig
}

// New creates an Extractor.
func New(gw Gateway, st Store, tr FailureRecorder, opts Options) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinAssetBytes <= 0 {
		opts.MinAssetBytes = DefaultMinAssetBytes
	}
	return &Extractor{
		gw:      gw,
		store:   st,
		tracker: tr,
		opts:    opts,
		retry:   resilience.ContentionRetry(3, time.Second),
	}
}

// DetailURL makes sure a profile URL points at the onsite-detail view.
func DetailURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, model.DetailSuffix) {
		return raw
	}
	if strings.Contains(raw, "?") {
		return raw + "&" + model.DetailSuffix
	}
	return raw + "?" + model.DetailSuffix
}

// Inspect fetches a detail page and parses it without touching the store.
func (e *Extractor) Inspect(ctx context.Context, detailURL string, proxy *model.ProxyConfig) (*Result, error) {
	u := DetailURL(detailURL)
	if u == "" {
		return nil, eris.New("extract: empty detail url")
	}
	body, err := e.gw.Fetch(ctx, gateway.Request{
		URL:          u,
		Proxy:        proxy,
		Mode:         gateway.ModeHTML,
		VerifyEgress: e.opts.VerifyEgress,
		MaxRetries:   e.opts.MaxRetries,
		Timeout:      e.opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	page := string(body)
	candidates := FindAssets(page)
	return &Result{
		URL:     u,
		Title:   PageTitle(page),
		Found:   len(candidates),
		Assets:  SelectLargest(ctx, e.gw, proxy, candidates, e.opts.MinAssetBytes, e.opts.ProbeConcurrency),
		Details: ParseDetails(page),
	}, nil
}

// ExtractOne runs one attempt for a supplier. It never returns an error:
// every failure is handed to the tracker and reflected in the outcome.
func (e *Extractor) ExtractOne(ctx context.Context, companyID, detailURL string, proxy *model.ProxyConfig) Outcome {
	out := Outcome{CompanyID: companyID, State: StateFetching}
	log := zap.L().With(zap.String("company_id", companyID))

	res, err := e.Inspect(ctx, detailURL, proxy)
	if err != nil {
		out.State = StateFetchFailed
		out.Err = err
		if ctx.Err() != nil {
			return out
		}
		log.Warn("extract: detail fetch failed", zap.Error(err))
		e.recordFailure(ctx, &out, err)
		return out
	}
	out.State = StateParsed
	out.Result = res

	if res.Empty() {
		out.State = StateNoArtifact
		log.Info("extract: no license found", zap.Int("candidates", res.Found))
		e.recordFailure(ctx, &out, nil)
		return out
	}

	for i := range res.Assets {
		res.Assets[i].CompanyID = companyID
	}
	if res.Details != nil {
		res.Details.CompanyID = companyID
	}
	err = resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.store.MarkExtracted(ctx, companyID, res.Assets, res.Details)
	})
	if err != nil {
		// Left in the backlog without charging the supplier.
		out.Err = eris.Wrapf(err, "extract: save %s", companyID)
		log.Error("extract: save failed", zap.Error(err))
		return out
	}

	out.State = StateExtracted
	log.Info("extract: license extracted",
		zap.Int("assets", len(res.Assets)),
		zap.Int("fields", res.Details.FieldCount()),
	)
	return out
}

func (e *Extractor) recordFailure(ctx context.Context, out *Outcome, cause error) {
	if e.tracker == nil {
		return
	}
	state, err := e.tracker.RecordFailure(ctx, out.CompanyID, cause)
	if err != nil {
		zap.L().Error("extract: record failure", zap.String("company_id", out.CompanyID), zap.Error(err))
		return
	}
	out.Failure = &state
}
