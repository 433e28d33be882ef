package progress

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/resilience"
	"github.com/sells-group/site-enrich/internal/store"
)

var (
	// ErrInvalidTransition is returned for a write the phase rules reject.
	ErrInvalidTransition = eris.New("progress: invalid transition")
	// ErrStaleRevision is returned by Reset when the record changed after
	// the caller read it.
	ErrStaleRevision = eris.New("progress: record changed since read")
	// ErrAttemptsExhausted is returned by Reset when the attempt cap is reached.
	ErrAttemptsExhausted = eris.New("progress: attempts exhausted")
)

// DefaultMaxAttempts is the recovery attempt cap.
const DefaultMaxAttempts = 3

// Store is the persistence surface of the machine.
type Store interface {
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	WriteProgress(ctx context.Context, w model.ProgressWrite) (*model.Application, error)
}

// Reset describes a recovery move back to an earlier phase.
type Reset struct {
	To      model.Phase
	Percent int
	// ExpectedRev, when non-zero, must equal the stored revision.
	ExpectedRev int64
	MaxAttempts int
}

// Machine applies phase transitions.
type Machine struct {
	store       Store
	pub         Publisher
	maxAttempts int
	retry       resilience.RetryConfig
	now         func() time.Time
	log         *zap.Logger
}

// NewMachine creates a Machine. pub may be nil.
func NewMachine(st Store, pub Publisher, maxAttempts int) *Machine {
	if pub == nil {
		pub = NopPublisher{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 5
	retry.InitialBackoff = 20 * time.Millisecond
	retry.ShouldRetry = func(err error) bool { return errors.Is(err, store.ErrRevisionConflict) }
	return &Machine{
		store:       st,
		pub:         pub,
		maxAttempts: maxAttempts,
		retry:       retry,
		now:         time.Now,
		log:         zap.L().With(zap.String("component", "progress")),
	}
}

// MaxAttempts returns the attempt cap.
func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// Advance moves an application forward to phase to. A percent of 0 means
// the phase default. Moving backward, lowering the percent and writing to a
// record in error or a terminal phase are rejected.
func (m *Machine) Advance(ctx context.Context, id string, to model.Phase, percent int) (*model.Application, error) {
	if !forward(to) {
		return nil, eris.Wrapf(ErrInvalidTransition, "advance to %q", to)
	}
	if percent == 0 {
		percent = DefaultPercent(to)
	}
	if percent < 0 || percent > 100 {
		return nil, eris.Wrapf(ErrInvalidTransition, "percent %d out of range", percent)
	}

	return m.update(ctx, id, func(app *model.Application) (*model.ProgressWrite, error) {
		if Terminal(app.Status) || app.Status == model.PhaseError {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s is %s", id, app.Status)
		}
		if order(to) < order(app.Status) {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s cannot move back from %s to %s", id, app.Status, to)
		}
		if percent < app.StatusPercent {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s percent %d below current %d", id, percent, app.StatusPercent)
		}
		w := m.baseWrite(app)
		w.Status = to
		w.Percent = percent
		return w, nil
	})
}

// Fail moves an application to error. Once attempts have reached the cap
// the failure is permanent with MAX_RETRIES_EXCEEDED instead.
func (m *Machine) Fail(ctx context.Context, id, code string) (*model.Application, error) {
	return m.update(ctx, id, func(app *model.Application) (*model.ProgressWrite, error) {
		if Terminal(app.Status) {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s is %s", id, app.Status)
		}
		w := m.baseWrite(app)
		w.Status = model.PhaseError
		w.ErrorCode = code
		if app.Attempts >= m.maxAttempts {
			w.Status = model.PhaseErrorPermanent
			w.ErrorCode = model.ErrCodeMaxRetriesExceeded
		}
		return w, nil
	})
}

// MarkPermanent moves an application to error_permanent. Completed records
// are rejected; records already permanent are returned unchanged.
func (m *Machine) MarkPermanent(ctx context.Context, id, code string) (*model.Application, error) {
	var unchanged *model.Application
	app, err := m.update(ctx, id, func(app *model.Application) (*model.ProgressWrite, error) {
		switch app.Status {
		case model.PhaseComplete:
			return nil, eris.Wrapf(ErrInvalidTransition, "%s is complete", id)
		case model.PhaseErrorPermanent:
			unchanged = app
			return nil, nil
		}
		w := m.baseWrite(app)
		w.Status = model.PhaseErrorPermanent
		w.ErrorCode = code
		return w, nil
	})
	if unchanged != nil {
		return unchanged, nil
	}
	return app, err
}

// Reset is the recovery-only backward move. It increments attempts, clears
// the error code and data flags, and adds an auto_recovered_<date> flag.
func (m *Machine) Reset(ctx context.Context, id string, r Reset) (*model.Application, error) {
	if !forward(r.To) || r.To == model.PhaseComplete {
		return nil, eris.Wrapf(ErrInvalidTransition, "reset to %q", r.To)
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.maxAttempts
	}
	percent := r.Percent
	if percent <= 0 {
		percent = DefaultPercent(r.To)
	}

	return m.update(ctx, id, func(app *model.Application) (*model.ProgressWrite, error) {
		if r.ExpectedRev != 0 && app.StatusRev != r.ExpectedRev {
			return nil, eris.Wrapf(ErrStaleRevision, "%s at revision %d, expected %d", id, app.StatusRev, r.ExpectedRev)
		}
		if Terminal(app.Status) {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s is %s", id, app.Status)
		}
		if app.Attempts >= maxAttempts {
			return nil, eris.Wrapf(ErrAttemptsExhausted, "%s has %d attempts", id, app.Attempts)
		}
		w := m.baseWrite(app)
		w.Status = r.To
		w.Percent = percent
		w.ErrorCode = ""
		w.Attempts = app.Attempts + 1
		w.DataFlags = []string{model.FlagAutoRecoveredPrefix + m.now().UTC().Format("2006-01-02")}
		return w, nil
	})
}

// AddFlags merges data flags into the record. Finished records keep the
// flags they ended with.
func (m *Machine) AddFlags(ctx context.Context, id string, flags ...string) (*model.Application, error) {
	return m.update(ctx, id, func(app *model.Application) (*model.ProgressWrite, error) {
		if Terminal(app.Status) {
			return nil, eris.Wrapf(ErrInvalidTransition, "%s is %s", id, app.Status)
		}
		w := m.baseWrite(app)
		w.DataFlags = mergeFlags(app.DataFlags, flags)
		return w, nil
	})
}

// Log publishes a progress_log event. Nothing is persisted.
func (m *Machine) Log(ctx context.Context, id string, entry model.ProgressLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	ev := model.ProgressEvent{Type: model.EventProgressLog, Log: &entry}
	if err := m.pub.Publish(ctx, id, ev); err != nil {
		m.log.Warn("publish progress log failed", zap.String("application_id", id), zap.Error(err))
	}
}

func (m *Machine) baseWrite(app *model.Application) *model.ProgressWrite {
	return &model.ProgressWrite{
		ID:        app.ID,
		PrevRev:   app.StatusRev,
		Status:    app.Status,
		Percent:   app.StatusPercent,
		ErrorCode: app.ErrorCode,
		Attempts:  app.Attempts,
		DataFlags: app.DataFlags,
	}
}

// update reads the record, lets plan build a write and applies it. A lost
// revision race re-reads and re-plans. A nil write from plan is a no-op.
func (m *Machine) update(ctx context.Context, id string, plan func(*model.Application) (*model.ProgressWrite, error)) (*model.Application, error) {
	app, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) (*model.Application, error) {
		cur, err := m.store.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		w, err := plan(cur)
		if err != nil || w == nil {
			return nil, err
		}
		w.UpdatedAt = m.now().UTC()
		return m.store.WriteProgress(ctx, *w)
	})
	if err != nil || app == nil {
		return app, err
	}

	m.broadcast(ctx, app)
	return app, nil
}

func (m *Machine) broadcast(ctx context.Context, app *model.Application) {
	ev := StatusEvent(app)
	// The write is committed; a failed broadcast is only logged.
	if err := m.pub.Publish(context.WithoutCancel(ctx), app.ID, ev); err != nil {
		m.log.Warn("publish status update failed",
			zap.String("application_id", app.ID),
			zap.Int64("revision", app.StatusRev),
			zap.Error(err),
		)
	}
}

// StatusEvent builds the status update event for the record's current
// state.
func StatusEvent(app *model.Application) model.ProgressEvent {
	return model.ProgressEvent{
		Type: model.EventStatusUpdate,
		Status: &model.StatusUpdate{
			ApplicationID: app.ID,
			Revision:      app.StatusRev,
			Status:        app.Status,
			StatusPercent: app.StatusPercent,
			StageLabel:    StageLabel(app.Status),
			ErrorCode:     app.ErrorCode,
			Timestamp:     app.UpdatedAt,
		},
	}
}

func mergeFlags(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, f := range append(append([]string{}, existing...), add...) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
