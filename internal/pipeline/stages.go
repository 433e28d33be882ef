package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/fanout"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/provider"
)

// geocode resolves the address to coordinates unless the record has them.
func (p *Runner) geocode(ctx context.Context, r *run) error {
	if r.app.HasCoordinates() {
		return nil
	}
	if p.cfg.GeocodeProvider == "" || strings.TrimSpace(r.app.Address) == "" {
		return &phaseError{code: model.ErrCodeGeocodeFailed, permanent: true, err: eris.New("pipeline: nothing to geocode")}
	}

	res := p.caller.Call(ctx, provider.Request{
		Provider:      p.cfg.GeocodeProvider,
		ApplicationID: r.app.ID,
		Address:       r.app.Address,
	})
	if !res.Success {
		return resultError(model.ErrCodeGeocodeFailed, res)
	}

	var g provider.GeocodePayload
	if err := json.Unmarshal(res.Payload, &g); err != nil {
		return &phaseError{code: model.ErrCodeGeocodeFailed, err: eris.Wrap(err, "pipeline: decode geocode")}
	}
	coords := &model.Coordinates{Lat: g.Lat, Lng: g.Lng}
	if err := p.store.UpdateLocation(ctx, r.app.ID, coords, nil); err != nil {
		return eris.Wrap(err, "pipeline: save coordinates")
	}
	r.app.Coordinates = coords
	return nil
}

// parcel looks up the parcel polygon. A missing parcel is flagged, not
// failed; overlays fall back to point queries.
func (p *Runner) parcel(ctx context.Context, r *run) error {
	if len(r.app.ParcelGeometry) > 0 || p.cfg.ParcelProvider == "" {
		return nil
	}
	res := p.caller.Call(ctx, provider.Request{
		Provider:      p.cfg.ParcelProvider,
		ApplicationID: r.app.ID,
		Point:         r.app.Coordinates,
	})
	if res.FailureKind == model.FailureBudget {
		return resultError(model.ErrCodeAPIBudgetExceeded, res)
	}

	var payload provider.ArcGISPayload
	if res.Success {
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			p.log.Warn("pipeline: decode parcel", zap.String("application_id", r.app.ID), zap.Error(err))
		}
	}
	if len(payload.Geometries) == 0 {
		p.log.Info("pipeline: parcel not found",
			zap.String("application_id", r.app.ID),
			zap.String("error", res.Error),
		)
		return p.flag(ctx, r, model.FlagParcelNotFound)
	}

	parcel := payload.Geometries[0]
	if err := p.store.UpdateLocation(ctx, r.app.ID, r.app.Coordinates, parcel); err != nil {
		return eris.Wrap(err, "pipeline: save parcel")
	}
	r.app.ParcelGeometry = parcel
	return nil
}

// enrich runs the utility lookups that precede the overlay round.
func (p *Runner) enrich(ctx context.Context, r *run) error {
	found := false
	for _, key := range p.cfg.UtilityProviders {
		res := p.caller.Call(ctx, provider.Request{
			Provider:      key,
			ApplicationID: r.app.ID,
			Point:         r.app.Coordinates,
			Parcel:        r.app.ParcelGeometry,
		})
		if res.FailureKind == model.FailureBudget {
			return resultError(model.ErrCodeAPIBudgetExceeded, res)
		}
		if res.Success && hasFeatures(res.Payload) {
			found = true
		}
	}
	if len(p.cfg.UtilityProviders) > 0 && !found {
		return p.flag(ctx, r, model.FlagUtilitiesNotFound)
	}
	return nil
}

// overlays runs the fan-out round. The orchestrator moves the record on to
// scoring.
func (p *Runner) overlays(ctx context.Context, r *run) error {
	if !r.app.HasCoordinates() {
		return &phaseError{code: model.ErrCodePipelineFailed, err: eris.New("pipeline: overlay round without coordinates")}
	}
	round, err := p.fanout.Run(ctx, fanout.Request{
		ApplicationID: r.app.ID,
		Lat:           r.app.Coordinates.Lat,
		Lng:           r.app.Coordinates.Lng,
		Address:       r.app.Address,
		Providers:     p.overlayKeys(),
		Parcel:        r.app.ParcelGeometry,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: overlay round")
	}
	r.round = round
	return nil
}

func (p *Runner) score(ctx context.Context, r *run) error {
	if p.cfg.Score == nil {
		return nil
	}
	if err := p.cfg.Score(ctx, r.app, r.round); err != nil {
		return eris.Wrap(err, "pipeline: score")
	}
	return nil
}

// report runs the report stage. Its failure is flagged and the run still
// completes.
func (p *Runner) report(ctx context.Context, r *run) error {
	if p.cfg.Report == nil {
		return nil
	}
	if err := p.cfg.Report(ctx, r.app, r.round); err != nil {
		p.log.Warn("pipeline: report failed, completing anyway", zap.String("application_id", r.app.ID), zap.Error(err))
		return p.flag(ctx, r, FlagReportFailed)
	}
	return nil
}

func (p *Runner) flag(ctx context.Context, r *run, flag string) error {
	app, err := p.machine.AddFlags(ctx, r.app.ID, flag)
	if err != nil {
		return eris.Wrapf(err, "pipeline: flag %s", flag)
	}
	r.app.DataFlags = app.DataFlags
	return nil
}

// overlayKeys returns the overlay round's providers, without the utility
// providers already called.
func (p *Runner) overlayKeys() []string {
	if len(p.cfg.UtilityProviders) == 0 {
		return p.cfg.Overlays
	}
	skip := make(map[string]bool, len(p.cfg.UtilityProviders))
	for _, k := range p.cfg.UtilityProviders {
		skip[k] = true
	}
	out := make([]string, 0, len(p.cfg.Overlays))
	for _, k := range p.cfg.Overlays {
		if !skip[k] {
			out = append(out, k)
		}
	}
	return out
}

// resultError maps a failed provider result to a phase error. Budget
// failures carry API_BUDGET_EXCEEDED and permanent ones end the run.
func resultError(code string, res model.OverlayResult) error {
	err := eris.Errorf("pipeline: %s: %s", res.Provider, res.Error)
	switch res.FailureKind {
	case model.FailureBudget:
		return &phaseError{code: model.ErrCodeAPIBudgetExceeded, err: err}
	case model.FailurePermanent:
		return &phaseError{code: code, permanent: true, err: err}
	default:
		return &phaseError{code: code, err: err}
	}
}

func hasFeatures(payload json.RawMessage) bool {
	var out struct {
		FeatureCount *int `json:"feature_count"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.FeatureCount == nil {
		return len(payload) > 0
	}
	return *out.FeatureCount > 0
}
