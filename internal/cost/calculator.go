// Package cost aggregates provider usage into hourly cost snapshots,
// evaluates spend against budgets and owns the emergency system mode.
package cost

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sells-group/site-enrich/internal/provider"
)

// Calculator prices provider calls.
type Calculator struct {
	rates map[string]decimal.Decimal
}

// NewCalculator creates a Calculator with per-provider unit costs in USD.
func NewCalculator(rates map[string]decimal.Decimal) *Calculator {
	r := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		r[k] = v
	}
	return &Calculator{rates: r}
}

// RatesFromCatalog reads unit costs from a provider catalog.
func RatesFromCatalog(cat *provider.Catalog) map[string]decimal.Decimal {
	rates := make(map[string]decimal.Decimal, len(cat.Providers))
	for _, s := range cat.Providers {
		rates[s.Key] = s.Cost()
	}
	return rates
}

// UnitCost returns the cost of one call. Unknown providers cost nothing.
func (c *Calculator) UnitCost(provider string) decimal.Decimal {
	return c.rates[provider]
}

// Cost returns the cost of calls calls to provider.
func (c *Calculator) Cost(provider string, calls int) decimal.Decimal {
	return c.UnitCost(provider).Mul(decimal.NewFromInt(int64(calls)))
}

// Metered returns the providers with a non-zero unit cost, sorted.
func (c *Calculator) Metered() []string {
	var out []string
	for k, v := range c.rates {
		if v.IsPositive() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
