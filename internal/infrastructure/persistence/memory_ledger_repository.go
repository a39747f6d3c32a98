package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

type ledgerRow struct {
	run     *entity.RequestRun
	ownerID string
}

// MemoryLedgerRepository is an in-memory LedgerRepository for development
// and tests.
type MemoryLedgerRepository struct {
	mu   sync.RWMutex
	rows []ledgerRow
}

// NewMemoryLedgerRepository creates an in-memory ledger repository.
func NewMemoryLedgerRepository() repository.LedgerRepository {
	return &MemoryLedgerRepository{}
}

// Append records a RequestRun's terminal outcome.
func (r *MemoryLedgerRepository) Append(ctx context.Context, run *entity.RequestRun, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ledgerRow{run: run, ownerID: ownerID})
	return nil
}

// FindRunByID looks up a single recorded run.
func (r *MemoryLedgerRepository) FindRunByID(ctx context.Context, id string) (*entity.RequestRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.rows {
		if row.run.ID() == id {
			return row.run, nil
		}
	}
	return nil, errors.NewNotFoundError("request run not found")
}

// CostByTenant aggregates spend per owner within [since, now).
func (r *MemoryLedgerRepository) CostByTenant(ctx context.Context, since time.Time) ([]repository.TenantCost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[string]*repository.TenantCost)
	for _, row := range r.sinceLocked(since) {
		t, ok := totals[row.ownerID]
		if !ok {
			t = &repository.TenantCost{OwnerID: row.ownerID}
			totals[row.ownerID] = t
		}
		if d := row.run.ModelDecision(); d != nil {
			t.TotalUSD += d.EstimatedCost.InexactFloat64()
		}
		t.CallCount++
	}
	return tenantCostValues(totals), nil
}

// CostByTier aggregates spend per tier within [since, now).
func (r *MemoryLedgerRepository) CostByTier(ctx context.Context, since time.Time) ([]repository.TierCost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[valueobject.Tier]*repository.TierCost)
	for _, row := range r.sinceLocked(since) {
		d := row.run.ModelDecision()
		if d == nil {
			continue
		}
		t, ok := totals[d.PrimaryTier]
		if !ok {
			t = &repository.TierCost{Tier: d.PrimaryTier}
			totals[d.PrimaryTier] = t
		}
		t.TotalUSD += d.EstimatedCost.InexactFloat64()
		t.CallCount++
	}
	out := make([]repository.TierCost, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out, nil
}

// FailureRateByTier computes the per-tier failure ratio over every attempt
// recorded since the window start.
func (r *MemoryLedgerRepository) FailureRateByTier(ctx context.Context, since time.Time) ([]repository.TierFailureRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[valueobject.Tier]*repository.TierFailureRate)
	for _, row := range r.sinceLocked(since) {
		for _, a := range row.run.Attempts() {
			t, ok := totals[a.Tier]
			if !ok {
				t = &repository.TierFailureRate{Tier: a.Tier}
				totals[a.Tier] = t
			}
			t.Attempts++
			if !a.Succeeded {
				t.Failures++
			}
		}
	}
	out := make([]repository.TierFailureRate, 0, len(totals))
	for _, t := range totals {
		if t.Attempts > 0 {
			t.FailureRatio = float64(t.Failures) / float64(t.Attempts)
		}
		out = append(out, *t)
	}
	return out, nil
}

// LatencyByAgent computes latency percentiles per agent kind within the window.
func (r *MemoryLedgerRepository) LatencyByAgent(ctx context.Context, since time.Time) ([]repository.AgentLatency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	durations := make(map[valueobject.AgentKind][]time.Duration)
	for _, row := range r.sinceLocked(since) {
		c := row.run.Classification()
		attempts := row.run.Attempts()
		if c == nil || len(attempts) == 0 {
			continue
		}
		total := time.Duration(0)
		for _, a := range attempts {
			total += a.Duration()
		}
		durations[c.Agent] = append(durations[c.Agent], total)
	}

	out := make([]repository.AgentLatency, 0, len(durations))
	for agent, ds := range durations {
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		out = append(out, repository.AgentLatency{
			Agent: agent,
			P50:   percentile(ds, 0.50),
			P95:   percentile(ds, 0.95),
			P99:   percentile(ds, 0.99),
		})
	}
	return out, nil
}

func (r *MemoryLedgerRepository) sinceLocked(since time.Time) []ledgerRow {
	out := make([]ledgerRow, 0, len(r.rows))
	for _, row := range r.rows {
		if !row.run.CreatedAt().Before(since) {
			out = append(out, row)
		}
	}
	return out
}

func tenantCostValues(totals map[string]*repository.TenantCost) []repository.TenantCost {
	out := make([]repository.TenantCost, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out
}
