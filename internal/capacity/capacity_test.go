package capacity

import (
	"context"
	"testing"
	"time"
)

type staticHistory int64

func (h staticHistory) DeliveredCountSince(ctx context.Context, tenancyID string, since time.Time) (int64, error) {
	return int64(h), nil
}

func TestWarmupRateStartsAtBase(t *testing.T) {
	p := NewWarmupProvider(staticHistory(0), 0.2, 10, 24*time.Hour)

	rate, err := p.RatePerSecond(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.2 {
		t.Fatalf("rate for cold tenancy = %v, want base rate 0.2", rate)
	}
}

func TestWarmupRateGrowsWithHistory(t *testing.T) {
	cold := NewWarmupProvider(staticHistory(0), 0.2, 10, 24*time.Hour)
	warm := NewWarmupProvider(staticHistory(1000), 0.2, 10, 24*time.Hour)

	coldRate, _ := cold.RatePerSecond(context.Background(), "t1")
	warmRate, _ := warm.RatePerSecond(context.Background(), "t1")

	if warmRate <= coldRate {
		t.Fatalf("warm rate %v must exceed cold rate %v", warmRate, coldRate)
	}
}

func TestWarmupRateIsClamped(t *testing.T) {
	p := NewWarmupProvider(staticHistory(10_000_000), 0.2, 5, 24*time.Hour)

	rate, err := p.RatePerSecond(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rate != 5 {
		t.Fatalf("rate = %v, want clamped to max 5", rate)
	}
}

func TestFixedProvider(t *testing.T) {
	rate, err := Fixed(0.5).RatePerSecond(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.5 {
		t.Fatalf("rate = %v, want 0.5", rate)
	}
}
