package repository

import (
	"context"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// TierCost is one tier's aggregated spend over a window, in the ledger's
// reporting currency.
type TierCost struct {
	Tier      valueobject.Tier
	TotalUSD  float64
	CallCount int64
}

// TenantCost is one owner's aggregated spend over a window.
type TenantCost struct {
	OwnerID   string
	TotalUSD  float64
	CallCount int64
}

// TierFailureRate is the observed failure fraction for one tier over a window,
// feeding the Model Selector's cost-aware tier-skip policy (§4.D).
type TierFailureRate struct {
	Tier         valueobject.Tier
	Attempts     int64
	Failures     int64
	FailureRatio float64
}

// AgentLatency is a latency percentile summary for one agent kind.
type AgentLatency struct {
	Agent valueobject.AgentKind
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// LedgerRepository is the durable store behind the Metrics & Cost Ledger
// (§4.H): an append-only log of RequestRun outcomes plus read-side
// aggregations used by the operator CLI and the Model Selector.
type LedgerRepository interface {
	// Append records a RequestRun's terminal outcome. RequestRuns are
	// write-once — callers append a new record per run, never mutate one.
	Append(ctx context.Context, run *entity.RequestRun, ownerID string) error

	FindRunByID(ctx context.Context, id string) (*entity.RequestRun, error)

	// CostByTenant aggregates spend per owner within [since, now).
	CostByTenant(ctx context.Context, since time.Time) ([]TenantCost, error)

	// CostByTier aggregates spend per tier within [since, now).
	CostByTier(ctx context.Context, since time.Time) ([]TierCost, error)

	// FailureRateByTier computes the last-N-attempts (or since-window,
	// whichever is smaller) failure ratio per tier.
	FailureRateByTier(ctx context.Context, since time.Time) ([]TierFailureRate, error)

	// LatencyByAgent computes latency percentiles per agent kind within the window.
	LatencyByAgent(ctx context.Context, since time.Time) ([]AgentLatency, error)
}
