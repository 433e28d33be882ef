// Package recovery re-arms applications that failed or stalled, up to the
// attempt cap, and retires the ones that reached it.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/progress"
)

// Defaults for Config.
const (
	DefaultStaleAfter = 2 * time.Hour
	DefaultBatchSize  = 5
	DefaultItemDelay  = 2 * time.Second
	DefaultInterval   = 15 * time.Minute
)

// Detail actions.
const (
	ActionReset         = "reset"
	ActionMarkPermanent = "mark_permanent"
	ActionSkip          = "skip"
	ActionFailed        = "failed"
)

// Store selects recovery candidates.
type Store interface {
	GetApplications(ctx context.Context, ids []string) ([]model.Application, error)
	ListRecoverable(ctx context.Context, filter model.RecoveryFilter) ([]model.Application, error)
	ListExhausted(ctx context.Context, filter model.RecoveryFilter) ([]model.Application, error)
}

// Machine applies recovery writes.
type Machine interface {
	Reset(ctx context.Context, id string, r progress.Reset) (*model.Application, error)
	MarkPermanent(ctx context.Context, id, code string) (*model.Application, error)
}

// Trigger starts a pipeline run for an application.
type Trigger interface {
	Trigger(ctx context.Context, applicationID string) error
}

// Config tunes the sweeper.
type Config struct {
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
	// ItemDelay spaces out resets so re-triggered runs do not arrive at the
	// providers together. Zero disables the delay.
	ItemDelay time.Duration
	Interval  time.Duration
	// Trigger is the Trigger option used by scheduled sweeps.
	Trigger bool
}

// Options select and shape one sweep.
type Options struct {
	// IDs selects records explicitly instead of by staleness.
	IDs     []string `json:"application_ids,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	DryRun  bool     `json:"dry_run"`
	Trigger bool     `json:"trigger"`
}

// Detail is the outcome for one record.
type Detail struct {
	ApplicationID  string      `json:"application_id"`
	PreviousStatus model.Phase `json:"previous_status"`
	Action         string      `json:"action"`
	ResetTo        model.Phase `json:"reset_to,omitempty"`
	Attempts       int         `json:"attempts"`
	Triggered      bool        `json:"triggered"`
	Error          string      `json:"error,omitempty"`
}

// Report summarizes a sweep.
type Report struct {
	DryRun           bool     `json:"dry_run"`
	Recovered        int      `json:"recovered"`
	Triggered        int      `json:"triggered"`
	SkippedPermanent int      `json:"skipped_permanent"`
	Details          []Detail `json:"details"`
}

// Sweeper finds and re-arms failed or stalled applications.
type Sweeper struct {
	store   Store
	machine Machine
	trigger Trigger
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     *zap.Logger
}

// NewSweeper creates a Sweeper. trigger may be nil, in which case records
// are reset but never re-triggered.
func NewSweeper(st Store, machine Machine, trigger Trigger, cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = progress.DefaultMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{
		store:   st,
		machine: machine,
		trigger: trigger,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
		log:     zap.L().With(zap.String("component", "recovery")),
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	recoverable, exhausted, err := s.selectCandidates(ctx, opts)
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun, Details: []Detail{}}
	for _, app := range exhausted {
		report.add(s.retire(ctx, app, opts.DryRun))
	}

	for i, app := range recoverable {
		if i > 0 && !opts.DryRun && s.cfg.ItemDelay > 0 {
			if err := s.sleep(ctx, s.cfg.ItemDelay); err != nil {
				s.log.Info("recovery: sweep interrupted", zap.Int("remaining", len(recoverable)-i))
				break
			}
		}
		report.add(s.recover(ctx, app, opts))
	}

	s.log.Info("recovery: sweep finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("recovered", report.Recovered),
		zap.Int("triggered", report.Triggered),
		zap.Int("skipped_permanent", report.SkippedPermanent),
	)
	return report, nil
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx, Options{Trigger: s.cfg.Trigger}); err != nil {
			s.log.Error("recovery: sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// selectCandidates returns the records to reset and the capped records to
// retire.
func (s *Sweeper) selectCandidates(ctx context.Context, opts Options) (recoverable, exhausted []model.Application, err error) {
	if len(opts.IDs) > 0 {
		apps, err := s.store.GetApplications(ctx, opts.IDs)
		if err != nil {
			return nil, nil, eris.Wrap(err, "recovery: load applications")
		}
		for _, app := range apps {
			switch {
			case progress.Terminal(app.Status):
				continue
			case app.Attempts >= s.cfg.MaxAttempts:
				exhausted = append(exhausted, app)
			default:
				recoverable = append(recoverable, app)
			}
		}
		return recoverable, exhausted, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	filter := model.RecoveryFilter{
		StaleBefore: s.now().Add(-s.cfg.StaleAfter).UTC(),
		MaxAttempts: s.cfg.MaxAttempts,
		Limit:       limit,
	}
	exhausted, err = s.store.ListExhausted(ctx, model.RecoveryFilter{
		StaleBefore: filter.StaleBefore,
		MaxAttempts: filter.MaxAttempts,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "recovery: list exhausted")
	}
	recoverable, err = s.store.ListRecoverable(ctx, filter)
	if err != nil {
		return nil, nil, eris.Wrap(err, "recovery: list recoverable")
	}
	return recoverable, exhausted, nil
}

func (s *Sweeper) retire(ctx context.Context, app model.Application, dryRun bool) Detail {
	d := Detail{
		ApplicationID:  app.ID,
		PreviousStatus: app.Status,
		Action:         ActionMarkPermanent,
		ResetTo:        model.PhaseErrorPermanent,
		Attempts:       app.Attempts,
	}
	if dryRun {
		return d
	}
	if _, err := s.machine.MarkPermanent(ctx, app.ID, model.ErrCodeMaxRetriesExceeded); err != nil {
		s.log.Warn("recovery: mark permanent failed", zap.String("application_id", app.ID), zap.Error(err))
		d.Action = ActionFailed
		d.Error = err.Error()
	}
	return d
}

func (s *Sweeper) recover(ctx context.Context, app model.Application, opts Options) Detail {
	to := model.PhasePending
	if app.HasCoordinates() {
		to = model.PhaseOverlayFetch
	}
	d := Detail{
		ApplicationID:  app.ID,
		PreviousStatus: app.Status,
		Action:         ActionReset,
		ResetTo:        to,
		Attempts:       app.Attempts + 1,
	}
	if opts.DryRun {
		return d
	}

	log := s.log.With(zap.String("application_id", app.ID))
	_, err := s.machine.Reset(ctx, app.ID, progress.Reset{
		To:          to,
		ExpectedRev: app.StatusRev,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	switch {
	case errors.Is(err, progress.ErrAttemptsExhausted):
		return s.retire(ctx, app, false)
	case errors.Is(err, progress.ErrStaleRevision), errors.Is(err, progress.ErrInvalidTransition):
		log.Info("recovery: record moved on, skipping", zap.Error(err))
		d.Action = ActionSkip
		d.ResetTo = ""
		d.Attempts = app.Attempts
		d.Error = err.Error()
		return d
	case err != nil:
		log.Warn("recovery: reset failed", zap.Error(err))
		d.Action = ActionFailed
		d.ResetTo = ""
		d.Attempts = app.Attempts
		d.Error = err.Error()
		return d
	}
	log.Info("recovery: reset",
		zap.String("from", string(app.Status)),
		zap.String("to", string(to)),
		zap.Int("attempts", d.Attempts),
	)

	if opts.Trigger && s.trigger != nil {
		if err := s.trigger.Trigger(ctx, app.ID); err != nil {
			log.Warn("recovery: trigger failed", zap.Error(err))
			d.Error = err.Error()
		} else {
			d.Triggered = true
		}
	}
	return d
}

func (r *Report) add(d Detail) {
	switch d.Action {
	case ActionReset:
		r.Recovered++
	case ActionMarkPermanent:
		r.SkippedPermanent++
	}
	if d.Triggered {
		r.Triggered++
	}
	r.Details = append(r.Details, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
