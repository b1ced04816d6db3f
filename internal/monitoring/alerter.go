package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDLQBacklog        AlertType = "dlq_backlog"
	AlertDLQAbandoned      AlertType = "dlq_abandoned"
	AlertQuarantineBacklog AlertType = "quarantine_backlog"
	AlertJobStalls         AlertType = "job_stalls"
	AlertJobFailed         AlertType = "job_failed"
	AlertCircuitOpen       AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert type
// that was delivered is not sent again until the repeat interval passes.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig

	mu       sync.Mutex
	lastSent map[AlertType]time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			OnRetry:        resilience.RetryLogger("monitoring", "webhook"),
		},
		lastSent: make(map[AlertType]time.Time),
		nowFunc:  time.Now,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.nowFunc().UTC()

	if a.cfg.DLQPendingThreshold > 0 && snap.DLQPending >= a.cfg.DLQPendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("%d dead letter entries pending retry (threshold %d)",
				snap.DLQPending, a.cfg.DLQPendingThreshold),
			Details: map[string]any{
				"pending":   snap.DLQPending,
				"threshold": a.cfg.DLQPendingThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.DLQAbandoned > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertDLQAbandoned,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d dead letter entries exhausted their retries", snap.DLQAbandoned),
			Details:   map[string]any{"abandoned": snap.DLQAbandoned},
			Timestamp: now,
		})
	}

	if a.cfg.QuarantineThreshold > 0 && snap.QuarantinePending >= a.cfg.QuarantineThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineBacklog,
			Severity: "low",
			Message: fmt.Sprintf("%d quarantined values awaiting review (threshold %d)",
				snap.QuarantinePending, a.cfg.QuarantineThreshold),
			Details: map[string]any{
				"pending":   snap.QuarantinePending,
				"threshold": a.cfg.QuarantineThreshold,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StallAlertThreshold > 0 && snap.Stalls >= a.cfg.StallAlertThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobStalls,
			Severity: "high",
			Message: fmt.Sprintf("%d stalled job run(s) in last %dh, %d restarted",
				snap.Stalls, snap.LookbackHours, snap.StallsRestarted),
			Details: map[string]any{
				"stalls":    snap.Stalls,
				"restarted": snap.StallsRestarted,
				"threshold": a.cfg.StallAlertThreshold,
			},
			Timestamp: now,
		})
	}

	if len(snap.FailedJobs) > 0 {
		jobs := make([]string, 0, len(snap.FailedJobs))
		for name := range snap.FailedJobs {
			jobs = append(jobs, name)
		}
		sort.Strings(jobs)
		details := make(map[string]any, len(jobs))
		for _, name := range jobs {
			details[name] = snap.FailedJobs[name]
		}
		alerts = append(alerts, Alert{
			Type:      AlertJobFailed,
			Severity:  "high",
			Message:   fmt.Sprintf("job run(s) failed: %s", strings.Join(jobs, ", ")),
			Details:   details,
			Timestamp: now,
		})
	}

	if len(snap.OpenCircuits) > 0 {
		names := make([]string, len(snap.OpenCircuits))
		for i, src := range snap.OpenCircuits {
			names[i] = string(src)
		}
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "medium",
			Message:   fmt.Sprintf("circuit open for source(s): %s", strings.Join(names, ", ")),
			Details:   map[string]any{"sources": names},
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
		if a.suppressed(alert) {
			zap.L().Debug("monitoring: alert suppressed", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.mu.Lock()
		a.lastSent[alert.Type] = alert.Timestamp
		a.mu.Unlock()
		metrics.AlertsSent.WithLabelValues(string(alert.Type)).Inc()
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) suppressed(alert Alert) bool {
	repeat := time.Duration(a.cfg.RepeatIntervalMins) * time.Minute
	if repeat <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[alert.Type]
	return ok && alert.Timestamp.Sub(last) < repeat
}

// sendWebhook posts a single alert to the webhook URL, retrying 5xx
// responses and transport errors.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.postWebhook(ctx, payload)
	})
}

func (a *Alerter) postWebhook(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
