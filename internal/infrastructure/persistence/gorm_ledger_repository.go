package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// GormLedgerRepository is the GORM-backed Metrics & Cost Ledger store (§4.H).
// RequestRuns are appended once on completion; reads aggregate in Go because
// EstimatedCost is stored as a decimal-encoded string to avoid float rounding
// and AttemptsJSON needs decoding regardless of dialect.
type GormLedgerRepository struct {
	db *gorm.DB
}

// NewGormLedgerRepository creates a GORM-backed ledger repository.
func NewGormLedgerRepository(db *gorm.DB) repository.LedgerRepository {
	return &GormLedgerRepository{db: db}
}

// Append records a RequestRun's terminal outcome.
func (r *GormLedgerRepository) Append(ctx context.Context, run *entity.RequestRun, ownerID string) error {
	attemptsJSON, err := json.Marshal(run.Attempts())
	if err != nil {
		return domainErrors.NewPersistFailedError("failed to encode attempts", err)
	}

	var agent string
	var confidence float64
	if c := run.Classification(); c != nil {
		agent = c.Agent.String()
		confidence = c.Confidence
	}
	var primaryTier string
	var estimatedCost string
	if d := run.ModelDecision(); d != nil {
		primaryTier = d.PrimaryTier.String()
		estimatedCost = d.EstimatedCost.String()
	} else {
		estimatedCost = decimal.Zero.String()
	}

	model := &models.RequestRunModel{
		ID:             run.ID(),
		ConversationID: run.ConversationID(),
		OwnerID:        ownerID,
		State:          string(run.State()),
		Agent:          agent,
		Confidence:     confidence,
		PrimaryTier:    primaryTier,
		EstimatedCost:  estimatedCost,
		ErrorKind:      run.ErrorKind(),
		AttemptsJSON:   string(attemptsJSON),
		CreatedAt:      run.CreatedAt(),
		UpdatedAt:      run.UpdatedAt(),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return domainErrors.NewPersistFailedError("failed to append ledger row", err)
	}
	return nil
}

// FindRunByID looks up a single recorded run.
func (r *GormLedgerRepository) FindRunByID(ctx context.Context, id string) (*entity.RequestRun, error) {
	var model models.RequestRunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("request run not found")
		}
		return nil, domainErrors.NewInternalError("failed to find request run: " + err.Error())
	}
	return toRequestRunEntity(&model)
}

// CostByTenant aggregates spend per owner within [since, now).
func (r *GormLedgerRepository) CostByTenant(ctx context.Context, since time.Time) ([]repository.TenantCost, error) {
	rows, err := r.runsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]*repository.TenantCost)
	for _, row := range rows {
		t, ok := totals[row.OwnerID]
		if !ok {
			t = &repository.TenantCost{OwnerID: row.OwnerID}
			totals[row.OwnerID] = t
		}
		cost, _ := decimal.NewFromString(row.EstimatedCost)
		t.TotalUSD += cost.InexactFloat64()
		t.CallCount++
	}
	out := make([]repository.TenantCost, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out, nil
}

// CostByTier aggregates spend per tier within [since, now).
func (r *GormLedgerRepository) CostByTier(ctx context.Context, since time.Time) ([]repository.TierCost, error) {
	rows, err := r.runsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	totals := make(map[valueobject.Tier]*repository.TierCost)
	for _, row := range rows {
		if row.PrimaryTier == "" {
			continue
		}
		tier := valueobject.Tier(row.PrimaryTier)
		t, ok := totals[tier]
		if !ok {
			t = &repository.TierCost{Tier: tier}
			totals[tier] = t
		}
		cost, _ := decimal.NewFromString(row.EstimatedCost)
		t.TotalUSD += cost.InexactFloat64()
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
func (r *GormLedgerRepository) FailureRateByTier(ctx context.Context, since time.Time) ([]repository.TierFailureRate, error) {
	rows, err := r.runsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	totals := make(map[valueobject.Tier]*repository.TierFailureRate)
	for _, row := range rows {
		var attempts []entity.Attempt
		if row.AttemptsJSON == "" {
			continue
		}
		if err := json.Unmarshal([]byte(row.AttemptsJSON), &attempts); err != nil {
			continue
		}
		for _, a := range attempts {
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
func (r *GormLedgerRepository) LatencyByAgent(ctx context.Context, since time.Time) ([]repository.AgentLatency, error) {
	rows, err := r.runsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	durations := make(map[valueobject.AgentKind][]time.Duration)
	for _, row := range rows {
		if row.Agent == "" || row.AttemptsJSON == "" {
			continue
		}
		var attempts []entity.Attempt
		if err := json.Unmarshal([]byte(row.AttemptsJSON), &attempts); err != nil || len(attempts) == 0 {
			continue
		}
		total := time.Duration(0)
		for _, a := range attempts {
			total += a.Duration()
		}
		agent := valueobject.AgentKind(row.Agent)
		durations[agent] = append(durations[agent], total)
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

func (r *GormLedgerRepository) runsSince(ctx context.Context, since time.Time) ([]models.RequestRunModel, error) {
	var rows []models.RequestRunModel
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to query ledger: " + err.Error())
	}
	return rows, nil
}

// percentile returns the p-th percentile (0..1) of a sorted duration slice
// using nearest-rank selection.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func toRequestRunEntity(model *models.RequestRunModel) (*entity.RequestRun, error) {
	var attempts []entity.Attempt
	if model.AttemptsJSON != "" {
		if err := json.Unmarshal([]byte(model.AttemptsJSON), &attempts); err != nil {
			return nil, domainErrors.NewInternalError("failed to decode attempts: " + err.Error())
		}
	}

	var classification *entity.ClassificationDecision
	if model.Agent != "" {
		classification = &entity.ClassificationDecision{
			Agent:      valueobject.AgentKind(model.Agent),
			Confidence: model.Confidence,
		}
	}

	var modelDecision *entity.ModelDecision
	if model.PrimaryTier != "" {
		cost, _ := decimal.NewFromString(model.EstimatedCost)
		modelDecision = &entity.ModelDecision{
			PrimaryTier:   valueobject.Tier(model.PrimaryTier),
			EstimatedCost: cost,
		}
	}

	return entity.ReconstructRequestRun(
		model.ID,
		model.ConversationID,
		entity.RunState(model.State),
		classification,
		modelDecision,
		attempts,
		model.ErrorKind,
		model.CreatedAt,
		model.UpdatedAt,
	), nil
}
