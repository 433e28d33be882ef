package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/config"
	"github.com/sells-group/site-enrich/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ErrorBacklogThreshold: 10})
	snap := &Snapshot{
		Phases:   map[model.Phase]int{model.PhaseError: 3, model.PhaseComplete: 40},
		Breakers: map[string]string{"fema_flood": "closed"},
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ErrorBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ErrorBacklogThreshold: 10})
	snap := &Snapshot{Phases: map[model.Phase]int{model.PhaseError: 12, model.PhaseErrorPermanent: 4}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertErrorBacklog, alerts[0].Type)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "12 applications")
}

func TestAlerter_Evaluate_OpenCircuits(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	snap := &Snapshot{Breakers: map[string]string{"fema_flood": "open", "usda_soil": "half-open"}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, []string{"fema_flood"}, alerts[0].Details["providers"])
}

func TestAlerter_Send_CostPayloadShape(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	err := a.Send(context.Background(), Alert{
		Type:     AlertCostBudget,
		Severity: SeverityEmergency,
		Title:    "EMERGENCY: Daily API spend exceeded critical threshold",
		CostDetails: &CostDetails{
			DailySpend:         decimal.RequireFromString("120.50"),
			MonthlySpend:       decimal.RequireFromString("900"),
			ThresholdBreached:  "$100/day (critical)",
			TopDrivers:         []CostDriver{{Source: "google_places", Cost: decimal.RequireFromString("110"), Calls: 38869}},
			RecommendedActions: []string{"Review top cost drivers"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "emergency", body["severity"])
	assert.Equal(t, "120.5", body["daily_spend"])
	assert.Equal(t, "$100/day (critical)", body["threshold_breached"])
	drivers := body["top_drivers"].([]any)
	require.Len(t, drivers, 1)
	assert.Equal(t, "google_places", drivers[0].(map[string]any)["source"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAlerter_Send_NoCostDetailsOmitsSpend(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	require.NoError(t, a.Send(context.Background(), Alert{Type: AlertCircuitOpen, Severity: SeverityWarning, Title: "x"}))
	_, ok := body["daily_spend"]
	assert.False(t, ok)
}

func TestAlerter_Send_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	err := a.Send(context.Background(), Alert{Type: AlertCostBudget, Severity: SeverityWarning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestAlerter_Send_NoWebhookIsNoop(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.NoError(t, a.Send(context.Background(), Alert{Type: AlertCostBudget}))
}

func TestAlerter_SendAlerts_CountsSuccesses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertErrorBacklog}, {Type: AlertCircuitOpen}, {Type: AlertCostBudget},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(3), calls.Load())
}
