package cost

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
)

// AggregateStore is the persistence surface of the aggregator.
type AggregateStore interface {
	SummarizeUsage(ctx context.Context, from, to time.Time) ([]model.UsageSummary, error)
	ListSnapshots(ctx context.Context, from, to time.Time) ([]model.CostSnapshot, error)
	UpsertSnapshots(ctx context.Context, snaps []model.CostSnapshot) error
}

// AggregateResult describes one aggregation run.
type AggregateResult struct {
	Hour      time.Time            `json:"hour"`
	Providers int                  `json:"providers"`
	HourCost  decimal.Decimal      `json:"hour_cost"`
	Snapshots []model.CostSnapshot `json:"snapshots"`
}

// Aggregator rolls the usage log up into hourly cost snapshots.
type Aggregator struct {
	store AggregateStore
	calc  *Calculator
	log   *zap.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(st AggregateStore, calc *Calculator) *Aggregator {
	return &Aggregator{
		store: st,
		calc:  calc,
		log:   zap.L().With(zap.String("component", "cost.aggregator")),
	}
}

// Run aggregates the UTC hour containing hour. Re-running an hour rewrites
// the same snapshots.
func (a *Aggregator) Run(ctx context.Context, hour time.Time) (*AggregateResult, error) {
	hour = hour.UTC().Truncate(time.Hour)
	next := hour.Add(time.Hour)

	summaries, err := a.store.SummarizeUsage(ctx, hour, next)
	if err != nil {
		return nil, eris.Wrap(err, "cost: summarize usage")
	}

	// Cumulative daily cost builds on earlier hours of the same UTC day.
	dayStart := hour.Truncate(24 * time.Hour)
	prior := make(map[string]decimal.Decimal)
	if hour.After(dayStart) {
		earlier, err := a.store.ListSnapshots(ctx, dayStart, hour)
		if err != nil {
			return nil, eris.Wrap(err, "cost: list earlier snapshots")
		}
		for _, s := range earlier {
			prior[s.Provider] = prior[s.Provider].Add(s.EstimatedCost)
		}
	}

	res := &AggregateResult{Hour: hour, Providers: len(summaries)}
	for _, sum := range summaries {
		est := a.calc.Cost(sum.Provider, sum.Calls)
		res.HourCost = res.HourCost.Add(est)
		res.Snapshots = append(res.Snapshots, model.CostSnapshot{
			Hour:                hour,
			Provider:            sum.Provider,
			Calls:               sum.Calls,
			Successes:           sum.Successes,
			Errors:              sum.Errors,
			AvgDurationMs:       sum.AvgDurationMs,
			EstimatedCost:       est,
			CumulativeDailyCost: prior[sum.Provider].Add(est),
		})
	}

	if err := a.store.UpsertSnapshots(ctx, res.Snapshots); err != nil {
		return nil, eris.Wrap(err, "cost: upsert snapshots")
	}

	a.log.Info("aggregated hour",
		zap.Time("hour", hour),
		zap.Int("providers", res.Providers),
		zap.String("hour_cost", res.HourCost.StringFixed(4)),
	)
	return res, nil
}

// RunPrevious aggregates the last complete hour before now.
func (a *Aggregator) RunPrevious(ctx context.Context, now time.Time) (*AggregateResult, error) {
	return a.Run(ctx, now.UTC().Truncate(time.Hour).Add(-time.Hour))
}
