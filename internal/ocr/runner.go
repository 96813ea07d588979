package ocr

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/pkg/geocode"
)

// DefaultConcurrency bounds simultaneous recognitions.
const DefaultConcurrency = 4

// Store is the persistence the runner needs.
type Store interface {
	PendingOCR(ctx context.Context, limit int) ([]model.OCRCandidate, error)
	SaveOCRResult(ctx context.Context, r *model.OCRResult) error
	SetOCRStatus(ctx context.Context, companyID string, status model.OCRStatus) error
	SetUsed(ctx context.Context, companyID string, used bool) error
}

// RunReport summarizes one OCR pass.
type RunReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Deferred rows were left pending because the breaker was open.
	Deferred int `json:"deferred"`
}

// Runner recognizes pending suppliers and records the results.
type Runner struct {
	rec   Recognizer
	geo   geocode.Client
	store Store
}

// NewRunner creates a Runner. geo may be nil, in which case addresses are
// stored without a region breakdown.
func NewRunner(rec Recognizer, geo geocode.Client, st Store) *Runner {
	return &Runner{rec: rec, geo: geo, store: st}
}

// Run recognizes up to limit pending suppliers.
func (r *Runner) Run(ctx context.Context, limit, concurrency int) (RunReport, error) {
	var report RunReport
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	pending, err := r.store.PendingOCR(ctx, limit)
	if err != nil {
		return report, eris.Wrap(err, "ocr: load pending")
	}
	report.Total = len(pending)
	if len(pending) == 0 {
		zap.L().Info("ocr: nothing pending")
		return report, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for _, c := range pending {
		g.Go(func() error {
			status := r.process(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case model.OCRStatusSuccess:
				report.Succeeded++
			case model.OCRStatusError:
				report.Failed++
			default:
				report.Deferred++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("ocr: run complete",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("deferred", report.Deferred),
	)
	return report, ctx.Err()
}

// process handles one candidate and returns the status it ended in. Pending
// means the row was left for a later run.
func (r *Runner) process(ctx context.Context, c model.OCRCandidate) model.OCRStatus {
	log := zap.L().With(zap.String("company_id", c.CompanyID))
	if ctx.Err() != nil {
		return model.OCRStatusPending
	}

	res, err := r.rec.Recognize(ctx, c.LicenseURL)
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil {
			log.Debug("ocr: deferred", zap.Error(err))
			return model.OCRStatusPending
		}
		log.Warn("ocr: recognition failed", zap.String("url", c.LicenseURL), zap.Error(err))
		r.setStatus(ctx, c.CompanyID, model.OCRStatusError)
		return model.OCRStatusError
	}
	res.CompanyID = c.CompanyID
	r.resolveRegion(ctx, res)

	if err := r.store.SaveOCRResult(ctx, res); err != nil {
		log.Error("ocr: save result", zap.Error(err))
		r.setStatus(ctx, c.CompanyID, model.OCRStatusError)
		return model.OCRStatusError
	}
	if err := r.store.SetUsed(ctx, c.CompanyID, true); err != nil {
		log.Error("ocr: mark used", zap.Error(err))
	}
	r.setStatus(ctx, c.CompanyID, model.OCRStatusSuccess)
	log.Info("ocr: recognized", zap.String("registration_number", res.RegistrationNumber))
	return model.OCRStatusSuccess
}

func (r *Runner) resolveRegion(ctx context.Context, res *model.OCRResult) {
	if r.geo == nil || res.RegisteredAddress == "" {
		return
	}
	region, err := r.geo.Resolve(ctx, res.RegisteredAddress)
	if err != nil {
		zap.L().Warn("ocr: address lookup failed", zap.String("company_id", res.CompanyID), zap.Error(err))
		return
	}
	if !region.Matched {
		return
	}
	res.Province = region.Province
	res.City = region.City
	res.District = region.District
}

func (r *Runner) setStatus(ctx context.Context, id string, status model.OCRStatus) {
	if err := r.store.SetOCRStatus(context.WithoutCancel(ctx), id, status); err != nil {
		zap.L().Error("ocr: set status", zap.String("company_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}
