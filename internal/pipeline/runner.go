// Package pipeline drives an application through every enrichment phase,
// from geocoding to a completed report, and records failures so the
// recovery sweeper can re-arm the run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/fanout"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/progress"
	"github.com/sells-group/site-enrich/internal/provider"
)

// Flags added by the pipeline itself.
const (
	FlagAPIBudgetExceeded = "api_budget_exceeded"
	FlagReportFailed      = "report_generation_failed"
)

// Store is the persistence the runner needs.
type Store interface {
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	UpdateLocation(ctx context.Context, id string, coords *model.Coordinates, parcel json.RawMessage) error
	CountApplicationCalls(ctx context.Context, applicationID string, since time.Time) (int, error)
}

// Machine is the progress state machine.
type Machine interface {
	Advance(ctx context.Context, id string, to model.Phase, percent int) (*model.Application, error)
	Fail(ctx context.Context, id, code string) (*model.Application, error)
	MarkPermanent(ctx context.Context, id, code string) (*model.Application, error)
	AddFlags(ctx context.Context, id string, flags ...string) (*model.Application, error)
	Log(ctx context.Context, id string, entry model.ProgressLog)
}

// Caller runs one guarded provider call.
type Caller interface {
	Call(ctx context.Context, req provider.Request) model.OverlayResult
}

// Fanout runs the overlay round.
type Fanout interface {
	Run(ctx context.Context, req fanout.Request) (*fanout.Result, error)
}

// Stage is a downstream step run after the overlay round, such as scoring
// or report generation.
type Stage func(ctx context.Context, app *model.Application, round *fanout.Result) error

// Config selects providers and downstream stages. Empty provider keys skip
// the phase's lookup.
type Config struct {
	GeocodeProvider string
	ParcelProvider  string
	// UtilityProviders are called during the enriching phase and excluded
	// from the overlay round.
	UtilityProviders []string
	Overlays         []string

	AppBudgetCalls  int
	AppBudgetWindow time.Duration

	Score  Stage
	Report Stage
}

// Runner executes the pipeline for one application at a time.
type Runner struct {
	store   Store
	machine Machine
	caller  Caller
	fanout  Fanout
	cfg     Config
	now     func() time.Time
	log     *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(st Store, machine Machine, caller Caller, fo Fanout, cfg Config) *Runner {
	if cfg.AppBudgetCalls <= 0 {
		cfg.AppBudgetCalls = provider.DefaultAppBudgetCalls
	}
	if cfg.AppBudgetWindow <= 0 {
		cfg.AppBudgetWindow = provider.DefaultAppBudgetWindow
	}
	return &Runner{
		store:   st,
		machine: machine,
		caller:  caller,
		fanout:  fo,
		cfg:     cfg,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "pipeline")),
	}
}

// run carries state between phases of one execution.
type run struct {
	app   *model.Application
	round *fanout.Result
}

type phaseStep struct {
	phase model.Phase
	fn    func(ctx context.Context, r *run) error
}

// Run executes every phase the application has not reached yet. Records
// that are finished or waiting for recovery are left alone. A phase failure
// moves the record to error (or error_permanent) and is returned.
func (p *Runner) Run(ctx context.Context, id string) error {
	app, err := p.store.GetApplication(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load %s", id)
	}
	log := p.log.With(zap.String("application_id", id))

	switch {
	case progress.Terminal(app.Status):
		log.Info("pipeline: already finished", zap.String("status", string(app.Status)))
		return nil
	case app.Status == model.PhaseError:
		log.Info("pipeline: awaiting recovery", zap.String("error_code", app.ErrorCode))
		return nil
	}

	if err := p.checkBudget(ctx, app); err != nil {
		return p.fail(ctx, log, id, err)
	}

	st := &run{app: app}
	steps := []phaseStep{
		{model.PhaseGeocoding, p.geocode},
		{model.PhaseParcelLookup, p.parcel},
		{model.PhaseEnriching, p.enrich},
		{model.PhaseOverlayFetch, p.overlays},
		{model.PhaseScoring, p.score},
		{model.PhaseReportGeneration, p.report},
	}

	start := p.now()
	trackPhase := func(phase model.Phase, fn func(context.Context, *run) error) error {
		if _, err := p.machine.Advance(ctx, id, phase, 0); err != nil && !errors.Is(err, progress.ErrInvalidTransition) {
			return eris.Wrapf(err, "pipeline: advance to %s", phase)
		}
		phaseStart := p.now()
		fnErr := fn(ctx, st)
		log.Info("pipeline: phase finished",
			zap.String("phase", string(phase)),
			zap.Int64("duration_ms", p.now().Sub(phaseStart).Milliseconds()),
			zap.Bool("ok", fnErr == nil),
		)
		return fnErr
	}

	for _, s := range steps {
		// A recovered record resumes at the phase it was reset to.
		if progress.Reached(app.Status, s.phase) && app.Status != s.phase {
			continue
		}
		if err := trackPhase(s.phase, s.fn); err != nil {
			return p.fail(ctx, log, id, err)
		}
	}

	if _, err := p.machine.Advance(ctx, id, model.PhaseComplete, 0); err != nil {
		return p.fail(ctx, log, id, eris.Wrap(err, "pipeline: complete"))
	}
	log.Info("pipeline: complete", zap.Int64("duration_ms", p.now().Sub(start).Milliseconds()))
	return nil
}

func (p *Runner) checkBudget(ctx context.Context, app *model.Application) error {
	since := p.now().Add(-p.cfg.AppBudgetWindow)
	n, err := p.store.CountApplicationCalls(ctx, app.ID, since)
	if err != nil {
		p.log.Warn("pipeline: budget count failed, continuing", zap.String("application_id", app.ID), zap.Error(err))
		return nil
	}
	if n >= p.cfg.AppBudgetCalls {
		if _, ferr := p.machine.AddFlags(ctx, app.ID, FlagAPIBudgetExceeded); ferr != nil {
			p.log.Warn("pipeline: flag budget failed", zap.String("application_id", app.ID), zap.Error(ferr))
		}
		return &phaseError{
			code: model.ErrCodeAPIBudgetExceeded,
			err:  eris.Errorf("pipeline: %d provider calls in the last %s (max %d)", n, p.cfg.AppBudgetWindow, p.cfg.AppBudgetCalls),
		}
	}
	return nil
}

// fail records err on the application. The write outlives ctx so a run
// cancelled mid-phase still leaves a record the sweeper can find.
func (p *Runner) fail(ctx context.Context, log *zap.Logger, id string, err error) error {
	code := model.ErrCodePipelineFailed
	permanent := false
	var pe *phaseError
	if errors.As(err, &pe) {
		code = pe.code
		permanent = pe.permanent
	}

	wctx := context.WithoutCancel(ctx)
	var werr error
	if permanent {
		_, werr = p.machine.MarkPermanent(wctx, id, code)
	} else {
		_, werr = p.machine.Fail(wctx, id, code)
	}
	if werr != nil {
		log.Error("pipeline: record failure failed", zap.String("error_code", code), zap.Error(werr))
	}
	p.machine.Log(wctx, id, model.ProgressLog{
		Step:    "pipeline",
		Message: fmt.Sprintf("run failed: %s", code),
		Level:   "error",
		Metadata: map[string]any{
			"error": err.Error(),
		},
	})
	log.Warn("pipeline: run failed", zap.String("error_code", code), zap.Bool("permanent", permanent), zap.Error(err))
	return err
}

// phaseError carries the error code a phase failure is recorded with.
type phaseError struct {
	code      string
	permanent bool
	err       error
}

func (e *phaseError) Error() string { return e.err.Error() }

func (e *phaseError) Unwrap() error { return e.err }
