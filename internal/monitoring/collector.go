package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// pageFailureScan bounds how many recent page failures are inspected.
const pageFailureScan = 1000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	model.Stats

	// SkipRate is skipped / (extracted + skipped).
	SkipRate float64 `json:"skip_rate"`

	// Page failures within the lookback window.
	RecentPageFailures    int `json:"recent_page_failures"`
	RecentTransientFailed int `json:"recent_transient_failed"`

	LookbackHours int `json:"lookback_hours"`
}

// Source is the subset of the store the collector reads.
type Source interface {
	Stats(ctx context.Context) (*model.Stats, error)
	ListPageFailures(ctx context.Context, limit int) ([]model.PageFailure, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stats")
	}

	snap := &MetricsSnapshot{
		Stats:         *stats,
		LookbackHours: lookbackHours,
	}
	snap.CollectedAt = c.now().UTC()

	if done := stats.Extracted + stats.Skipped; done > 0 {
		snap.SkipRate = float64(stats.Skipped) / float64(done)
	}

	failures, err := c.store.ListPageFailures(ctx, pageFailureScan)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list page failures")
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, f := range failures {
		if f.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RecentPageFailures++
		if f.ErrorType == resilience.ClassTransient {
			snap.RecentTransientFailed++
		}
	}

	return snap, nil
}
