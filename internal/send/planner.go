// Package send implements the planning and execution stages of the outbox
// pipeline: per-tenancy quotas from capacity and elapsed time, skip-locked
// claims in priority order, and concurrent delivery with guarded terminal
// writes.
package send

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"mailriver/internal/capacity"
	"mailriver/internal/metrics"
	"mailriver/internal/models"
)

// PlanStore is the slice of the outbox store the planner needs.
type PlanStore interface {
	ListSendableTenancies(ctx context.Context) ([]string, error)
	ClaimForSending(ctx context.Context, tenancyID string, limit int) ([]models.OutboxEntry, error)
}

// TenancyBatch is one tenancy's claimed entries for this tick, with the
// capacity rate that produced the quota, for observability.
type TenancyBatch struct {
	TenancyID     string
	RatePerSecond float64
	Entries       []models.OutboxEntry
}

// Plan is the full output of one planning run.
type Plan struct {
	Batches []TenancyBatch
}

func (p Plan) TotalClaimed() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Entries)
	}
	return n
}

type Planner struct {
	store    PlanStore
	capacity capacity.Provider
	log      *zap.Logger

	// rnd drives stochastic rounding; swappable for deterministic tests.
	rnd func() float64
}

func NewPlanner(store PlanStore, cap capacity.Provider, log *zap.Logger) *Planner {
	return &Planner{
		store:    store,
		capacity: cap,
		log:      log,
		rnd:      rand.Float64,
	}
}

// Plan converts delta (elapsed seconds since the previous tick) into a
// per-tenancy integer quota and claims that many eligible entries per
// tenancy. A tenancy whose capacity lookup or claim fails is skipped this
// tick; it does not fail the plan.
func (p *Planner) Plan(ctx context.Context, delta float64) (Plan, error) {
	if delta < 0 {
		// Clock skew between ticks. Claim nothing rather than guess.
		delta = 0
	}

	tenancies, err := p.store.ListSendableTenancies(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("list sendable tenancies: %w", err)
	}

	var plan Plan
	for _, tenancyID := range tenancies {
		rate, err := p.capacity.RatePerSecond(ctx, tenancyID)
		if err != nil {
			p.log.Error("capacity lookup failed, skipping tenancy",
				zap.String("tenancy_id", tenancyID),
				zap.Error(err),
			)
			continue
		}

		quota := StochasticRound(rate*delta, p.rnd)
		if quota <= 0 {
			continue
		}

		entries, err := p.store.ClaimForSending(ctx, tenancyID, quota)
		if err != nil {
			p.log.Error("send claim failed, skipping tenancy",
				zap.String("tenancy_id", tenancyID),
				zap.Error(err),
			)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		plan.Batches = append(plan.Batches, TenancyBatch{
			TenancyID:     tenancyID,
			RatePerSecond: rate,
			Entries:       entries,
		})
	}

	metrics.EntriesClaimed.Add(float64(plan.TotalClaimed()))

	return plan, nil
}

// StochasticRound converts a fractional quota to an integer: the floor, plus
// one with probability equal to the fractional remainder. Over many ticks
// the claimed volume converges to rate*time instead of starving low-rate
// tenancies (always down) or exceeding capacity (always up).
func StochasticRound(raw float64, rnd func() float64) int {
	if raw <= 0 {
		return 0
	}

	floor := math.Floor(raw)
	frac := raw - floor

	q := int(floor)
	if frac > 0 && rnd() < frac {
		q++
	}

	return q
}
