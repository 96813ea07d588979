package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPageFailures AlertType = "page_failures"
	AlertSkipRate     AlertType = "skip_rate"
	AlertOCRErrors    AlertType = "ocr_errors"
	AlertBacklog      AlertType = "backlog"
	// AlertExtractionStalled is raised by the Checker when suppliers keep
	// failing between two checks and none gets extracted.
	AlertExtractionStalled AlertType = "extraction_stalled"
)

// minFinishedForRate avoids alerting on a skip rate from a handful of suppliers.
const minFinishedForRate = 10

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.PageFailureThreshold > 0 && snap.RecentPageFailures >= a.cfg.PageFailureThreshold {
		severity := "medium"
		if snap.RecentTransientFailed < snap.RecentPageFailures {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertPageFailures,
			Severity: severity,
			Message: fmt.Sprintf(
				"%d listing pages failed in last %dh (threshold %d, %d transient)",
				snap.RecentPageFailures, snap.LookbackHours, a.cfg.PageFailureThreshold, snap.RecentTransientFailed,
			),
			Details: map[string]any{
				"page_failures": snap.RecentPageFailures,
				"transient":     snap.RecentTransientFailed,
				"threshold":     a.cfg.PageFailureThreshold,
			},
			Timestamp: now,
		})
	}

	finished := snap.Extracted + snap.Skipped
	if a.cfg.SkipRateThreshold > 0 && finished >= minFinishedForRate && snap.SkipRate > a.cfg.SkipRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSkipRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Skip rate %.1f%% exceeds threshold %.1f%% (%d skipped / %d finished)",
				snap.SkipRate*100, a.cfg.SkipRateThreshold*100, snap.Skipped, finished,
			),
			Details: map[string]any{
				"skip_rate": snap.SkipRate,
				"threshold": a.cfg.SkipRateThreshold,
				"skipped":   snap.Skipped,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.OCRErrorThreshold > 0 && snap.OCRError >= a.cfg.OCRErrorThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertOCRErrors,
			Severity: "medium",
			Message:  fmt.Sprintf("%d suppliers failed license recognition (threshold %d)", snap.OCRError, a.cfg.OCRErrorThreshold),
			Details: map[string]any{
				"ocr_error":   snap.OCRError,
				"ocr_pending": snap.OCRPending,
				"threshold":   a.cfg.OCRErrorThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BacklogThreshold > 0 && snap.Backlog >= a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBacklog,
			Severity: "low",
			Message:  fmt.Sprintf("%d suppliers await license extraction (threshold %d)", snap.Backlog, a.cfg.BacklogThreshold),
			Details: map[string]any{
				"backlog":   snap.Backlog,
				"failing":   snap.Failing,
				"threshold": a.cfg.BacklogThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
