// Package capacity computes how many emails per second a tenancy may send.
package capacity

import (
	"context"
	"math"
	"time"
)

// Provider yields the outbound rate for one tenancy.
type Provider interface {
	RatePerSecond(ctx context.Context, tenancyID string) (float64, error)
}

// DeliveryHistory is the slice of the store the warm-up model reads.
type DeliveryHistory interface {
	DeliveredCountSince(ctx context.Context, tenancyID string, since time.Time) (int64, error)
}

// WarmupProvider grows a tenancy's rate with its recent delivery history:
// a tenancy that has delivered successfully ramps up from BaseRate toward
// MaxRate, roughly doubling per order of magnitude of deliveries in the
// trailing window.
type WarmupProvider struct {
	History  DeliveryHistory
	BaseRate float64
	MaxRate  float64
	Window   time.Duration
	now      func() time.Time
}

func NewWarmupProvider(history DeliveryHistory, baseRate, maxRate float64, window time.Duration) *WarmupProvider {
	if baseRate <= 0 {
		baseRate = 0.2
	}
	if maxRate < baseRate {
		maxRate = baseRate
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &WarmupProvider{
		History:  history,
		BaseRate: baseRate,
		MaxRate:  maxRate,
		Window:   window,
		now:      time.Now,
	}
}

func (p *WarmupProvider) RatePerSecond(ctx context.Context, tenancyID string) (float64, error) {
	delivered, err := p.History.DeliveredCountSince(ctx, tenancyID, p.now().Add(-p.Window))
	if err != nil {
		return 0, err
	}

	rate := p.BaseRate * math.Pow(2, math.Log10(float64(delivered)+1))
	if rate > p.MaxRate {
		rate = p.MaxRate
	}

	return rate, nil
}

// Fixed returns the same rate for every tenancy. Useful for tests and
// single-tenant deployments.
type Fixed float64

func (f Fixed) RatePerSecond(ctx context.Context, tenancyID string) (float64, error) {
	return float64(f), nil
}
