package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker polls supplier metrics and notifies the webhook when an alert
// starts firing. An alert that keeps firing is not resent until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	prev   *MetricsSnapshot
	firing map[AlertType]bool
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Int("backlog_threshold", c.cfg.BacklogThreshold),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check takes one snapshot and returns the alerts that started firing with
// it. Those alerts are sent to the webhook.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: collect failed", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	alerts := c.alerter.Evaluate(snap)
	if stalled, ok := stalledExtraction(c.prev, snap); ok {
		alerts = append(alerts, stalled)
	}
	c.prev = snap
	fresh := c.transition(alerts)
	c.mu.Unlock()

	zap.L().Info("monitoring: check",
		zap.Int("backlog", snap.Backlog),
		zap.Int("failing", snap.Failing),
		zap.Int("skipped", snap.Skipped),
		zap.Int("recent_page_failures", snap.RecentPageFailures),
		zap.Int("firing", len(alerts)),
		zap.Int("new", len(fresh)),
	)
	if len(fresh) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, fresh)
	zap.L().Info("monitoring: alerts sent", zap.Int("new", len(fresh)), zap.Int("sent", sent))
	return fresh
}

// transition records which alert types fire now and returns the ones that
// did not fire on the previous check. Caller holds mu.
func (c *Checker) transition(alerts []Alert) []Alert {
	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.firing {
		if !now[t] {
			zap.L().Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.firing = now
	return fresh
}

// stalledExtraction fires when the backlog is not empty, more suppliers are
// failing than at the previous check, and nothing new was extracted.
func stalledExtraction(prev, cur *MetricsSnapshot) (Alert, bool) {
	if prev == nil || cur.Backlog == 0 {
		return Alert{}, false
	}
	if cur.Extracted > prev.Extracted || cur.Failing <= prev.Failing {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertExtractionStalled,
		Severity: "high",
		Message: fmt.Sprintf("no supplier extracted since last check while failing grew %d -> %d (backlog %d)",
			prev.Failing, cur.Failing, cur.Backlog),
		Details: map[string]any{
			"failing_before": prev.Failing,
			"failing":        cur.Failing,
			"backlog":        cur.Backlog,
			"active_proxy":   cur.ActiveProxy,
		},
		Timestamp: cur.CollectedAt,
	}, true
}
