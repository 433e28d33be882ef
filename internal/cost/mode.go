package cost

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
)

// ErrActorRequired is returned by Reset without an actor.
var ErrActorRequired = eris.New("cost: actor required")

// ModeStore persists the system mode and its audit trail.
type ModeStore interface {
	GetSystemMode(ctx context.Context) (*model.SystemModeState, error)
	SetSystemMode(ctx context.Context, state model.SystemModeState) error
	ListModeEvents(ctx context.Context, limit int) ([]model.SystemModeState, error)
}

// ModeController changes the system mode. Emergency is latched: only Reset
// returns the system to normal.
type ModeController struct {
	store ModeStore
	now   func() time.Time
	log   *zap.Logger
}

// NewModeController creates a ModeController.
func NewModeController(st ModeStore) *ModeController {
	return &ModeController{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "cost.mode")),
	}
}

// Current returns the committed mode.
func (m *ModeController) Current(ctx context.Context) (*model.SystemModeState, error) {
	st, err := m.store.GetSystemMode(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "cost: get system mode")
	}
	return st, nil
}

// Activate latches emergency mode. It reports false when emergency was
// already active, in which case nothing is written.
func (m *ModeController) Activate(ctx context.Context, reason string, providers []string, actor string) (*model.SystemModeState, bool, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return nil, false, err
	}
	if cur.Emergency() {
		return cur, false, nil
	}

	next := model.SystemModeState{
		Mode:      model.ModeEmergency,
		Reason:    reason,
		Providers: providers,
		ChangedBy: actor,
		ChangedAt: m.now().UTC(),
	}
	if err := m.store.SetSystemMode(ctx, next); err != nil {
		return nil, false, eris.Wrap(err, "cost: activate emergency")
	}
	m.log.Warn("emergency mode activated",
		zap.String("reason", reason),
		zap.Strings("providers", providers),
		zap.String("actor", actor),
	)
	return &next, true, nil
}

// Reset returns the system to normal. It reports false when the system was
// not in emergency.
func (m *ModeController) Reset(ctx context.Context, actor, reason string) (*model.SystemModeState, bool, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, false, ErrActorRequired
	}
	cur, err := m.Current(ctx)
	if err != nil {
		return nil, false, err
	}
	if !cur.Emergency() {
		return cur, false, nil
	}

	next := model.SystemModeState{
		Mode:      model.ModeNormal,
		Reason:    reason,
		ChangedBy: actor,
		ChangedAt: m.now().UTC(),
	}
	if err := m.store.SetSystemMode(ctx, next); err != nil {
		return nil, false, eris.Wrap(err, "cost: reset system mode")
	}
	m.log.Info("emergency mode reset", zap.String("actor", actor), zap.String("reason", reason))
	return &next, true, nil
}

// History returns the most recent mode changes, newest first.
func (m *ModeController) History(ctx context.Context, limit int) ([]model.SystemModeState, error) {
	events, err := m.store.ListModeEvents(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "cost: list mode events")
	}
	return events, nil
}
