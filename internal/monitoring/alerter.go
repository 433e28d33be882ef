// Package monitoring delivers alerts, collects service stats and runs the
// periodic background jobs.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/config"
	"github.com/sells-group/site-enrich/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCostBudget   AlertType = "cost_budget"
	AlertErrorBacklog AlertType = "error_backlog"
	AlertCircuitOpen  AlertType = "circuit_open"
)

// Severity levels, lowest first.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// CostDriver is one provider's share of the day's spend.
type CostDriver struct {
	Source string          `json:"source"`
	Cost   decimal.Decimal `json:"cost"`
	Calls  int             `json:"calls"`
}

// CostDetails are the spend fields carried by cost alerts.
type CostDetails struct {
	DailySpend         decimal.Decimal `json:"daily_spend"`
	MonthlySpend       decimal.Decimal `json:"monthly_spend"`
	ThresholdBreached  string          `json:"threshold_breached"`
	TopDrivers         []CostDriver    `json:"top_drivers"`
	RecommendedActions []string        `json:"recommended_actions"`
}

// Alert is a single webhook notification.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message,omitempty"`
	*CostDetails
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates service snapshots and sends alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	timeout := time.Duration(cfg.WebhookTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Evaluate checks a snapshot for a recovery backlog and open circuits.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	backlog := snap.Phases[model.PhaseError]
	if a.cfg.ErrorBacklogThreshold > 0 && backlog >= a.cfg.ErrorBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertErrorBacklog,
			Severity: SeverityWarning,
			Title:    "Applications waiting for recovery",
			Message: fmt.Sprintf("%d applications in error (threshold %d), %d permanently failed",
				backlog, a.cfg.ErrorBacklogThreshold, snap.Phases[model.PhaseErrorPermanent]),
			Details: map[string]any{
				"error":           backlog,
				"error_permanent": snap.Phases[model.PhaseErrorPermanent],
			},
			Timestamp: now,
		})
	}

	var open []string
	for provider, state := range snap.Breakers {
		if state == "open" {
			open = append(open, provider)
		}
	}
	if len(open) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  SeverityWarning,
			Title:     "Provider circuits open",
			Message:   fmt.Sprintf("%d provider circuit(s) open", len(open)),
			Details:   map[string]any{"providers": open},
			Timestamp: now,
		})
	}

	return alerts
}

// Send delivers one alert. Without a webhook URL the alert is only logged.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	if a.cfg.WebhookURL == "" {
		zap.L().Warn("monitoring: alert (no webhook configured)",
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.String("title", alert.Title),
		)
		return nil
	}
	if err := a.sendWebhook(ctx, alert); err != nil {
		return err
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
	)
	return nil
}

// SendAlerts delivers alerts and returns the number successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if err := a.Send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
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
