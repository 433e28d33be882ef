package model

import (
	"encoding/json"
	"time"
)

// FailureKind classifies why a provider call did not produce data.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureTimeout   FailureKind = "timeout"
	FailureThrottled FailureKind = "throttled"
	FailureBudget    FailureKind = "budget_exceeded"
)

// OverlayResult is the settled outcome of one provider call.
type OverlayResult struct {
	Provider    string          `json:"provider"`
	Success     bool            `json:"success"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	Cached      bool            `json:"cached,omitempty"`
	Stale       bool            `json:"stale,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// FailedOverlay names a provider that did not settle successfully.
type FailedOverlay struct {
	Overlay string `json:"overlay"`
	Error   string `json:"error"`
}

// EnrichmentMetadata is written onto the application after each fan-out round.
type EnrichmentMetadata struct {
	LastEnrichment    time.Time       `json:"last_enrichment"`
	CompletedOverlays []string        `json:"completed_overlays"`
	FailedOverlays    []FailedOverlay `json:"failed_overlays"`
	DurationMs        int64           `json:"duration_ms"`
	TraceID           string          `json:"trace_id"`
}

// UsageRecord is one line of the provider usage log.
type UsageRecord struct {
	Provider      string    `json:"provider"`
	ApplicationID string    `json:"application_id,omitempty"`
	Success       bool      `json:"success"`
	StatusCode    int       `json:"status_code,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageSummary aggregates usage records for one provider over a window.
type UsageSummary struct {
	Provider      string
	Calls         int
	Successes     int
	Errors        int
	AvgDurationMs int64
}
