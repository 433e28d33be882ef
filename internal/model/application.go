package model

import (
	"encoding/json"
	"time"
)

// Phase is the enrichment phase an application is in.
type Phase string

const (
	PhasePending          Phase = "pending"
	PhaseGeocoding        Phase = "geocoding"
	PhaseParcelLookup     Phase = "parcel_lookup"
	PhaseEnriching        Phase = "enriching"
	PhaseOverlayFetch     Phase = "overlay_fetch"
	PhaseScoring          Phase = "scoring"
	PhaseReportGeneration Phase = "report_generation"
	PhaseComplete         Phase = "complete"
	PhaseError            Phase = "error"
	PhaseErrorPermanent   Phase = "error_permanent"
)

// Error codes persisted on the application record.
const (
	ErrCodeGeocodeFailed      = "GEOCODE_FAILED"
	ErrCodePipelineFailed     = "PIPELINE_FAILED"
	ErrCodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	ErrCodeAPIBudgetExceeded  = "API_BUDGET_EXCEEDED"
	ErrCodeStalled            = "STALLED"
)

// Data flags written by the pipeline.
const (
	FlagPartialOverlayCoverage = "partial_overlay_coverage"
	FlagOverlaysUnavailable    = "overlays_unavailable"
	FlagParcelNotFound         = "parcel_not_found"
	FlagUtilitiesNotFound      = "utilities_not_found"
	FlagAutoRecoveredPrefix    = "auto_recovered_"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Application is the persisted record for one feasibility request.
type Application struct {
	ID             string              `json:"id"`
	Address        string              `json:"address"`
	Coordinates    *Coordinates        `json:"coordinates,omitempty"`
	ParcelGeometry json.RawMessage     `json:"parcel_geometry,omitempty"` // GeoJSON
	Status         Phase               `json:"status"`
	StatusPercent  int                 `json:"status_percent"`
	StatusRev      int64               `json:"status_rev"`
	ErrorCode      string              `json:"error_code,omitempty"`
	Attempts       int                 `json:"attempts"`
	DataFlags      []string            `json:"data_flags"`
	Enrichment     *EnrichmentMetadata `json:"enrichment,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// HasCoordinates reports whether the application carries a usable point.
func (a *Application) HasCoordinates() bool {
	if a.Coordinates == nil {
		return false
	}
	c := a.Coordinates
	if c.Lat == 0 && c.Lng == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// HasFlag reports whether flag is set.
func (a *Application) HasFlag(flag string) bool {
	for _, f := range a.DataFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// NewApplication holds intake fields for a new record.
type NewApplication struct {
	Address        string          `json:"address"`
	Coordinates    *Coordinates    `json:"coordinates,omitempty"`
	ParcelGeometry json.RawMessage `json:"parcel_geometry,omitempty"`
}

// ProgressWrite is a full replacement of the mutable progress fields,
// applied only if the stored revision still equals PrevRev.
type ProgressWrite struct {
	ID        string
	PrevRev   int64
	Status    Phase
	Percent   int
	ErrorCode string
	Attempts  int
	DataFlags []string
	UpdatedAt time.Time
}

// RecoveryFilter selects candidates for the recovery sweeper.
type RecoveryFilter struct {
	StaleBefore time.Time
	MaxAttempts int
	Limit       int
}

// InProgressPhases lists the non-terminal phases of a running attempt.
func InProgressPhases() []Phase {
	return []Phase{
		PhasePending,
		PhaseGeocoding,
		PhaseParcelLookup,
		PhaseEnriching,
		PhaseOverlayFetch,
		PhaseScoring,
		PhaseReportGeneration,
	}
}

// PhaseStrings returns phases as plain strings for query arguments.
func PhaseStrings(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
