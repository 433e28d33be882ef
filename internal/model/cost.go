package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CostSnapshot is the hourly usage and cost rollup for one provider.
type CostSnapshot struct {
	Hour                time.Time       `json:"hour"`
	Provider            string          `json:"provider"`
	Calls               int             `json:"calls"`
	Successes           int             `json:"successes"`
	Errors              int             `json:"errors"`
	AvgDurationMs       int64           `json:"avg_duration_ms"`
	EstimatedCost       decimal.Decimal `json:"estimated_cost"`
	CumulativeDailyCost decimal.Decimal `json:"cumulative_daily_cost"`
}

// BudgetScopeSystem is the scope of the system-wide daily budget.
const BudgetScopeSystem = "system"

// BudgetConfig holds daily spend thresholds for a scope. Scope is either
// BudgetScopeSystem or a provider key.
type BudgetConfig struct {
	Scope    string          `json:"scope"`
	Warn     decimal.Decimal `json:"warn"`
	Critical decimal.Decimal `json:"critical"`
	Active   bool            `json:"active"`
}

// SystemMode is the global throttle flag.
type SystemMode string

const (
	ModeNormal    SystemMode = "normal"
	ModeEmergency SystemMode = "emergency"
)

// SystemModeState is the committed system mode row.
type SystemModeState struct {
	Mode      SystemMode `json:"mode"`
	Reason    string     `json:"reason,omitempty"`
	Providers []string   `json:"providers,omitempty"`
	ChangedBy string     `json:"changed_by,omitempty"`
	ChangedAt time.Time  `json:"changed_at"`
}

// Emergency reports whether metered calls are currently blocked.
func (s *SystemModeState) Emergency() bool {
	return s != nil && s.Mode == ModeEmergency
}

// JobRunStatus is the outcome of a scheduled job execution.
type JobRunStatus string

const (
	JobRunSuccess JobRunStatus = "success"
	JobRunFailed  JobRunStatus = "failed"
)

// JobRun is one entry of the scheduled job history.
type JobRun struct {
	Job        string          `json:"job"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
	Status     JobRunStatus    `json:"status"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}
