// Package fanout runs one enrichment round for an application: every
// requested overlay provider is called concurrently and the round settles
// once all of them have, successful or not.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/progress"
	"github.com/sells-group/site-enrich/internal/provider"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = eris.New("fanout: invalid request")

var tracer = otel.Tracer("site-enrich/fanout")

// Caller runs one guarded provider call.
type Caller interface {
	Call(ctx context.Context, req provider.Request) model.OverlayResult
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	SetEnrichment(ctx context.Context, id string, meta model.EnrichmentMetadata) error
}

// Progress is the subset of the progress machine used by a round.
type Progress interface {
	Advance(ctx context.Context, id string, to model.Phase, percent int) (*model.Application, error)
	AddFlags(ctx context.Context, id string, flags ...string) (*model.Application, error)
	Log(ctx context.Context, id string, entry model.ProgressLog)
}

// Request is one fan-out round.
type Request struct {
	ApplicationID string          `json:"applicationId"`
	Lat           float64         `json:"lat"`
	Lng           float64         `json:"lng"`
	Address       string          `json:"address,omitempty"`
	Providers     []string        `json:"providers,omitempty"`
	Parcel        json.RawMessage `json:"parcelGeometry,omitempty"`
}

// Validate checks the request fields.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ApplicationID, validation.Required),
		validation.Field(&r.Lat, validation.Min(-90.0), validation.Max(90.0)),
		validation.Field(&r.Lng, validation.Min(-180.0), validation.Max(180.0)),
		validation.Field(&r.Providers, validation.Each(validation.Required)),
	)
}

// Result is the settled outcome of a round.
type Result struct {
	CompletedOverlays []string              `json:"completedOverlays"`
	FailedOverlays    []model.FailedOverlay `json:"failedOverlays"`
	TotalDurationMs   int64                 `json:"totalDurationMs"`
	TraceID           string                `json:"traceId"`
	Results           []model.OverlayResult `json:"results"`
}

// Orchestrator runs fan-out rounds.
type Orchestrator struct {
	caller   Caller
	store    Store
	progress Progress
	overlays []string
	now      func() time.Time
	log      *zap.Logger
}

// NewOrchestrator creates an Orchestrator. overlays is the provider set used
// when a request names none.
func NewOrchestrator(caller Caller, st Store, prog Progress, overlays []string) *Orchestrator {
	return &Orchestrator{
		caller:   caller,
		store:    st,
		progress: prog,
		overlays: overlays,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "fanout")),
	}
}

// Run executes one round. Provider failures never fail the round; they are
// reported in the result and reflected in the application's data flags. An
// error is returned only for an invalid request, a missing application, a
// record that is finished or awaiting recovery, or a failed progress write.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, eris.Wrapf(ErrInvalidRequest, "%v", err)
	}
	app, err := o.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, eris.Wrapf(err, "fanout: load application %s", req.ApplicationID)
	}
	if progress.Terminal(app.Status) || app.Status == model.PhaseError {
		return nil, eris.Wrapf(progress.ErrInvalidTransition, "fanout: %s is %s", req.ApplicationID, app.Status)
	}

	keys := o.keys(req.Providers)
	ctx, span := tracer.Start(ctx, "fanout.Run", trace.WithAttributes(
		attribute.String("application_id", req.ApplicationID),
		attribute.Int("providers", len(keys)),
	))
	defer span.End()

	traceID := traceIDOf(span)
	log := o.log.With(zap.String("application_id", req.ApplicationID), zap.String("trace_id", traceID))

	if err := o.advance(ctx, req.ApplicationID, model.PhaseOverlayFetch); err != nil {
		return nil, err
	}

	start := o.now()
	point := &model.Coordinates{Lat: req.Lat, Lng: req.Lng}
	results := make([]model.OverlayResult, len(keys))

	g, gCtx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			results[i] = o.caller.Call(gCtx, provider.Request{
				Provider:      key,
				ApplicationID: req.ApplicationID,
				Point:         point,
				Address:       req.Address,
				Parcel:        req.Parcel,
			})
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		CompletedOverlays: []string{},
		FailedOverlays:    []model.FailedOverlay{},
		TotalDurationMs:   o.now().Sub(start).Milliseconds(),
		TraceID:           traceID,
		Results:           results,
	}
	for _, r := range results {
		if r.Success {
			res.CompletedOverlays = append(res.CompletedOverlays, r.Provider)
			continue
		}
		res.FailedOverlays = append(res.FailedOverlays, model.FailedOverlay{Overlay: r.Provider, Error: r.Error})
		log.Info("overlay failed",
			zap.String("provider", r.Provider),
			zap.String("kind", string(r.FailureKind)),
			zap.String("error", r.Error),
		)
	}

	span.SetAttributes(
		attribute.Int("completed", len(res.CompletedOverlays)),
		attribute.Int("failed", len(res.FailedOverlays)),
	)
	if len(keys) > 0 && len(res.FailedOverlays) == len(keys) {
		span.SetStatus(codes.Error, "all overlays failed")
	}

	if err := o.store.SetEnrichment(ctx, req.ApplicationID, model.EnrichmentMetadata{
		LastEnrichment:    o.now().UTC(),
		CompletedOverlays: res.CompletedOverlays,
		FailedOverlays:    res.FailedOverlays,
		DurationMs:        res.TotalDurationMs,
		TraceID:           traceID,
	}); err != nil {
		log.Warn("write enrichment metadata failed", zap.Error(err))
	}

	if flag := coverageFlag(len(res.FailedOverlays), len(keys)); flag != "" {
		if _, err := o.progress.AddFlags(ctx, req.ApplicationID, flag); err != nil {
			return nil, eris.Wrapf(err, "fanout: flag %s", req.ApplicationID)
		}
	}

	if err := o.advance(ctx, req.ApplicationID, model.PhaseScoring); err != nil {
		return nil, err
	}

	o.progress.Log(ctx, req.ApplicationID, roundLog(res, len(keys)))
	log.Info("fan-out settled",
		zap.Int("completed", len(res.CompletedOverlays)),
		zap.Int("failed", len(res.FailedOverlays)),
		zap.Int64("duration_ms", res.TotalDurationMs),
	)
	return res, nil
}

// keys returns the distinct provider keys of a round, in request order.
func (o *Orchestrator) keys(requested []string) []string {
	if len(requested) == 0 {
		requested = o.overlays
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, k := range requested {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// advance moves the application to phase. A record already past it, or one
// in error, is left alone.
func (o *Orchestrator) advance(ctx context.Context, id string, phase model.Phase) error {
	_, err := o.progress.Advance(ctx, id, phase, 0)
	if err == nil {
		return nil
	}
	if errors.Is(err, progress.ErrInvalidTransition) {
		o.log.Debug("phase not advanced", zap.String("application_id", id), zap.String("phase", string(phase)), zap.Error(err))
		return nil
	}
	return eris.Wrapf(err, "fanout: advance %s to %s", id, phase)
}

func coverageFlag(failed, total int) string {
	switch {
	case total == 0 || failed == 0:
		return ""
	case failed == total:
		return model.FlagOverlaysUnavailable
	default:
		return model.FlagPartialOverlayCoverage
	}
}

func roundLog(res *Result, total int) model.ProgressLog {
	entry := model.ProgressLog{
		Step:    string(model.PhaseOverlayFetch),
		Message: fmt.Sprintf("%d/%d overlays completed", len(res.CompletedOverlays), total),
		Level:   "info",
		Metadata: map[string]any{
			"trace_id":    res.TraceID,
			"duration_ms": res.TotalDurationMs,
		},
	}
	if len(res.FailedOverlays) > 0 {
		entry.Level = "warn"
		failed := make([]string, len(res.FailedOverlays))
		for i, f := range res.FailedOverlays {
			failed[i] = f.Overlay
		}
		entry.Metadata["failed"] = failed
	}
	return entry
}

func traceIDOf(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()[:8]
}
