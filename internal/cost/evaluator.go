package cost

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/monitoring"
)

// Default system budget in USD per UTC day.
var (
	DefaultDailyWarn     = decimal.NewFromInt(50)
	DefaultDailyCritical = decimal.NewFromInt(100)
)

// DefaultTopDrivers is the number of cost drivers reported in alerts.
const DefaultTopDrivers = 5

// EvaluatorActor is recorded as the actor of automatic mode changes.
const EvaluatorActor = "cost-evaluator"

// EvalStore is the read surface of the evaluator.
type EvalStore interface {
	ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error)
	ListBudgets(ctx context.Context) ([]model.BudgetConfig, error)
}

// AlertSender delivers alerts.
type AlertSender interface {
	Send(ctx context.Context, alert monitoring.Alert) error
}

// Thresholds are daily warn and critical limits in USD.
type Thresholds struct {
	Warn     decimal.Decimal `json:"warn"`
	Critical decimal.Decimal `json:"critical"`
}

// Breach is one budget crossed by the day's spend.
type Breach struct {
	Scope     string              `json:"scope"`
	Spend     decimal.Decimal     `json:"spend"`
	Threshold decimal.Decimal     `json:"threshold"`
	Level     monitoring.Severity `json:"level"`
}

// Evaluation is the outcome of one budget check.
type Evaluation struct {
	EvaluatedAt  time.Time               `json:"evaluated_at"`
	DailySpend   decimal.Decimal         `json:"daily_spend"`
	MonthlySpend decimal.Decimal         `json:"monthly_spend"`
	DailyCalls   int                     `json:"daily_calls"`
	Thresholds   Thresholds              `json:"thresholds"`
	TopDrivers   []monitoring.CostDriver `json:"top_drivers"`
	Breaches     []Breach                `json:"breaches,omitempty"`
	// Severity is empty when no budget was crossed.
	Severity           monitoring.Severity `json:"severity,omitempty"`
	EmergencyMode      bool                `json:"emergency_mode"`
	EmergencyActivated bool                `json:"emergency_activated"`
	AlertSent          bool                `json:"alert_sent"`
}

// EvaluatorConfig tunes the evaluator.
type EvaluatorConfig struct {
	Defaults   Thresholds
	TopDrivers int
}

// Evaluator compares spend against budgets and latches emergency mode on a
// critical breach.
type Evaluator struct {
	store   EvalStore
	mode    *ModeController
	alerter AlertSender
	calc    *Calculator
	cfg     EvaluatorConfig
	log     *zap.Logger
}

// NewEvaluator creates an Evaluator. alerter may be nil.
func NewEvaluator(st EvalStore, mode *ModeController, alerter AlertSender, calc *Calculator, cfg EvaluatorConfig) *Evaluator {
	if cfg.Defaults.Warn.IsZero() {
		cfg.Defaults.Warn = DefaultDailyWarn
	}
	if cfg.Defaults.Critical.IsZero() {
		cfg.Defaults.Critical = DefaultDailyCritical
	}
	if cfg.TopDrivers <= 0 {
		cfg.TopDrivers = DefaultTopDrivers
	}
	return &Evaluator{
		store:   st,
		mode:    mode,
		alerter: alerter,
		calc:    calc,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "cost.evaluator")),
	}
}

// Evaluate checks the current UTC day's spend.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) (*Evaluation, error) {
	now = now.UTC()
	dayStart := now.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	daySnaps, err := e.store.ListSnapshots(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, eris.Wrap(err, "cost: list daily snapshots")
	}
	monthSnaps, err := e.store.ListSnapshots(ctx, monthStart, dayEnd)
	if err != nil {
		return nil, eris.Wrap(err, "cost: list monthly snapshots")
	}
	budgets, err := e.store.ListBudgets(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "cost: list budgets")
	}

	ev := &Evaluation{EvaluatedAt: now, Thresholds: e.cfg.Defaults}
	byProvider := make(map[string]*monitoring.CostDriver)
	for _, s := range daySnaps {
		ev.DailySpend = ev.DailySpend.Add(s.EstimatedCost)
		ev.DailyCalls += s.Calls
		d, ok := byProvider[s.Provider]
		if !ok {
			d = &monitoring.CostDriver{Source: s.Provider}
			byProvider[s.Provider] = d
		}
		d.Cost = d.Cost.Add(s.EstimatedCost)
		d.Calls += s.Calls
	}
	for _, s := range monthSnaps {
		ev.MonthlySpend = ev.MonthlySpend.Add(s.EstimatedCost)
	}
	ev.TopDrivers = topDrivers(byProvider, e.cfg.TopDrivers)

	providerBudgets := make(map[string]model.BudgetConfig)
	for _, b := range budgets {
		if b.Scope == model.BudgetScopeSystem {
			ev.Thresholds = Thresholds{Warn: b.Warn, Critical: b.Critical}
			continue
		}
		providerBudgets[b.Scope] = b
	}

	if br, ok := breach(model.BudgetScopeSystem, ev.DailySpend, ev.Thresholds.Warn, ev.Thresholds.Critical); ok {
		ev.Breaches = append(ev.Breaches, br)
	}
	scopes := make([]string, 0, len(providerBudgets))
	for scope := range providerBudgets {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		b := providerBudgets[scope]
		var spend decimal.Decimal
		if d, ok := byProvider[scope]; ok {
			spend = d.Cost
		}
		if br, ok := breach(scope, spend, b.Warn, b.Critical); ok {
			ev.Breaches = append(ev.Breaches, br)
		}
	}

	critical := false
	for _, br := range ev.Breaches {
		if br.Level == monitoring.SeverityCritical {
			critical = true
		}
	}

	cur, err := e.mode.Current(ctx)
	if err != nil {
		return nil, err
	}
	ev.EmergencyMode = cur.Emergency()

	switch {
	case critical:
		_, activated, err := e.mode.Activate(ctx, e.reason(ev), e.calc.Metered(), EvaluatorActor)
		if err != nil {
			return nil, err
		}
		ev.EmergencyMode = true
		ev.EmergencyActivated = activated
		ev.Severity = monitoring.SeverityCritical
		if activated {
			ev.Severity = monitoring.SeverityEmergency
		}
	case len(ev.Breaches) > 0:
		ev.Severity = monitoring.SeverityWarning
	}

	if ev.Severity != "" && e.alerter != nil {
		if err := e.alerter.Send(ctx, e.alert(ev)); err != nil {
			e.log.Error("send cost alert failed", zap.Error(err))
		} else {
			ev.AlertSent = true
		}
	}

	e.log.Info("cost evaluation complete",
		zap.String("daily_spend", ev.DailySpend.StringFixed(2)),
		zap.String("monthly_spend", ev.MonthlySpend.StringFixed(2)),
		zap.String("severity", string(ev.Severity)),
		zap.Bool("emergency", ev.EmergencyMode),
	)
	return ev, nil
}

func breach(scope string, spend, warn, critical decimal.Decimal) (Breach, bool) {
	switch {
	case critical.IsPositive() && spend.GreaterThanOrEqual(critical):
		return Breach{Scope: scope, Spend: spend, Threshold: critical, Level: monitoring.SeverityCritical}, true
	case warn.IsPositive() && spend.GreaterThanOrEqual(warn):
		return Breach{Scope: scope, Spend: spend, Threshold: warn, Level: monitoring.SeverityWarning}, true
	default:
		return Breach{}, false
	}
}

func topDrivers(byProvider map[string]*monitoring.CostDriver, n int) []monitoring.CostDriver {
	out := make([]monitoring.CostDriver, 0, len(byProvider))
	for _, d := range byProvider {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Cost.Cmp(out[j].Cost); c != 0 {
			return c > 0
		}
		return out[i].Source < out[j].Source
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (e *Evaluator) reason(ev *Evaluation) string {
	for _, br := range ev.Breaches {
		if br.Level == monitoring.SeverityCritical {
			return fmt.Sprintf("%s daily spend $%s reached critical threshold $%s",
				br.Scope, br.Spend.StringFixed(2), br.Threshold.StringFixed(2))
		}
	}
	return "critical spend"
}

func (e *Evaluator) alert(ev *Evaluation) monitoring.Alert {
	var title string
	switch ev.Severity {
	case monitoring.SeverityEmergency:
		title = "EMERGENCY: Daily API spend exceeded critical threshold"
	case monitoring.SeverityCritical:
		title = "CRITICAL: Daily API spend above critical threshold, emergency mode active"
	default:
		title = "WARNING: Daily API spend approaching limit"
	}

	br := ev.Breaches[0]
	for _, b := range ev.Breaches {
		if b.Level == monitoring.SeverityCritical {
			br = b
			break
		}
	}
	threshold := fmt.Sprintf("$%s/day (%s)", br.Threshold.String(), br.Level)
	if br.Scope != model.BudgetScopeSystem {
		threshold = br.Scope + " " + threshold
	}

	actions := []string{
		"Monitor spend closely",
		"Review top cost drivers",
		"Ensure caching is working properly",
	}
	if ev.EmergencyMode {
		actions = []string{
			"Emergency mode active: metered API calls are throttled",
			"Only cached responses are served for metered providers",
			"Review top cost drivers and optimize queries",
			"Reset emergency mode once spend is understood",
		}
	}

	return monitoring.Alert{
		Type:     monitoring.AlertCostBudget,
		Severity: ev.Severity,
		Title:    title,
		CostDetails: &monitoring.CostDetails{
			DailySpend:         ev.DailySpend,
			MonthlySpend:       ev.MonthlySpend,
			ThresholdBreached:  threshold,
			TopDrivers:         ev.TopDrivers,
			RecommendedActions: actions,
		},
		Timestamp: ev.EvaluatedAt,
	}
}
