// Package tracker counts extraction failures per supplier and latches the
// skip flag once a supplier keeps failing.
package tracker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// DefaultThreshold is the failure count at which a supplier is skipped.
const DefaultThreshold = 3

// Store is the persistence surface the tracker needs.
type Store interface {
	RecordFailure(ctx context.Context, companyID string, threshold int) (model.FailureState, error)
	StampAttempt(ctx context.Context, companyID string) (model.FailureState, error)
	SetSkip(ctx context.Context, companyID string, skip bool) error
	ResetFailures(ctx context.Context, companyID string) error
}

// Policy decides which failures count toward the skip latch.
type Policy struct {
	Threshold int
	// CountTransient counts network and throttling failures. When false only
	// permanent failures and missing artifacts increment the counter.
	CountTransient bool
}

// PolicyFromConfig builds a Policy from the extract config section.
func PolicyFromConfig(cfg config.ExtractConfig) Policy {
	return Policy{Threshold: cfg.FailureThreshold, CountTransient: cfg.CountTransientFailures}
}

// Counts reports whether cause increments the failure counter. A nil cause
// means the page was fetched but held no artifact, which always counts.
func (p Policy) Counts(cause error) bool {
	if cause == nil || p.CountTransient {
		return true
	}
	return resilience.ClassifyError(cause) != resilience.ClassTransient
}

// Tracker records extraction outcomes.
type Tracker struct {
	store  Store
	policy Policy
	retry  resilience.RetryConfig
}

// New creates a Tracker. A non-positive threshold falls back to DefaultThreshold.
func New(st Store, p Policy) *Tracker {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	return &Tracker{
		store:  st,
		policy: p,
		retry:  resilience.ContentionRetry(3, time.Second),
	}
}

// Policy returns the effective policy.
func (t *Tracker) Policy() Policy { return t.policy }

// RecordFailure registers a failed attempt for companyID. Counted failures
// increment the counter and latch skip once the threshold is reached;
// uncounted ones only stamp the attempt time.
func (t *Tracker) RecordFailure(ctx context.Context, companyID string, cause error) (model.FailureState, error) {
	counted := t.policy.Counts(cause)
	state, err := resilience.DoVal(ctx, t.retry, func(ctx context.Context) (model.FailureState, error) {
		if counted {
			return t.store.RecordFailure(ctx, companyID, t.policy.Threshold)
		}
		return t.store.StampAttempt(ctx, companyID)
	})
	if err != nil {
		return state, eris.Wrapf(err, "tracker: record failure %s", companyID)
	}

	fields := []zap.Field{
		zap.String("company_id", companyID),
		zap.Int("failed_count", state.FailedCount),
		zap.Bool("counted", counted),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if counted && state.SkipExtraction && state.FailedCount == t.policy.Threshold {
		zap.L().Warn("tracker: supplier skipped after repeated failures", fields...)
	} else {
		zap.L().Debug("tracker: failure recorded", fields...)
	}
	return state, nil
}

// Reset clears the counter and attempt time. The skip flag is left alone.
func (t *Tracker) Reset(ctx context.Context, companyID string) error {
	return eris.Wrapf(t.store.ResetFailures(ctx, companyID), "tracker: reset %s", companyID)
}

// Skip latches the skip flag manually.
func (t *Tracker) Skip(ctx context.Context, companyID string) error {
	return eris.Wrapf(t.store.SetSkip(ctx, companyID, true), "tracker: skip %s", companyID)
}

// Unskip clears the latch and the counter, returning the supplier to the backlog.
func (t *Tracker) Unskip(ctx context.Context, companyID string) error {
	return eris.Wrapf(t.store.SetSkip(ctx, companyID, false), "tracker: unskip %s", companyID)
}
