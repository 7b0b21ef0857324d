// Package pipeline wires the outbox stages into one idempotent tick:
// recovery, render, promote, plan, send. Any number of processes may run
// ticks concurrently; correctness comes from the store's skip-locked claims
// and guarded terminal writes, not from coordination between ticks.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailriver/internal/metrics"
	"mailriver/internal/models"
	"mailriver/internal/render"
	"mailriver/internal/send"
)

// MetaStore covers the recovery and bookkeeping queries the driver issues
// itself; the stages carry their own store slices.
type MetaStore interface {
	TouchMetadata(ctx context.Context, now time.Time) (*time.Time, error)
	RecycleStaleRenderClaims(ctx context.Context, threshold time.Duration) (int64, error)
	ListStuckSending(ctx context.Context, threshold time.Duration) ([]models.OutboxEntry, error)
	PromoteQueued(ctx context.Context) (int64, error)
}

// Summary is the observable result of one tick.
type Summary struct {
	Delta          time.Duration
	RenderRecycled int64
	StuckSending   int
	RenderClaimed  int
	Rendered       int
	RenderFailed   int
	Promoted       int64
	SendClaimed    int
	Sent           int
	SendSkipped    int
	SendFailed     int
	PhaseDurations map[string]time.Duration
}

type Driver struct {
	store    MetaStore
	renderer *render.Stage
	planner  *send.Planner
	executor *send.Executor
	log      *zap.Logger

	stuckThreshold time.Duration
	firstRunDelta  time.Duration
	now            func() time.Time
}

func NewDriver(store MetaStore, renderer *render.Stage, planner *send.Planner, executor *send.Executor, log *zap.Logger, stuckThreshold, firstRunDelta time.Duration) *Driver {
	if stuckThreshold <= 0 {
		stuckThreshold = 20 * time.Minute
	}
	if firstRunDelta <= 0 {
		firstRunDelta = time.Minute
	}
	return &Driver{
		store:          store,
		renderer:       renderer,
		planner:        planner,
		executor:       executor,
		log:            log,
		stuckThreshold: stuckThreshold,
		firstRunDelta:  firstRunDelta,
		now:            time.Now,
	}
}

// RunTick runs one full pipeline pass. Phases run strictly in sequence;
// work inside a phase fans out. A failure local to one entry or tenancy is
// recorded there and swallowed; a failure of a cross-cutting query fails the
// tick and is retried implicitly by the next invocation.
func (d *Driver) RunTick(ctx context.Context) (Summary, error) {
	sum := Summary{PhaseDurations: make(map[string]time.Duration)}

	now := d.now()
	previous, err := d.store.TouchMetadata(ctx, now)
	if err != nil {
		return sum, fmt.Errorf("touch processing metadata: %w", err)
	}

	delta := d.firstRunDelta
	if previous != nil {
		delta = now.Sub(*previous)
		if delta < 0 {
			delta = 0
		}
	}
	sum.Delta = delta

	if err := d.phase(ctx, &sum, "recover", d.runRecovery); err != nil {
		return sum, err
	}
	if err := d.phase(ctx, &sum, "render", d.runRender); err != nil {
		return sum, err
	}
	if err := d.phase(ctx, &sum, "promote", d.runPromote); err != nil {
		return sum, err
	}
	if err := d.phase(ctx, &sum, "send", func(ctx context.Context, s *Summary) error {
		return d.runSend(ctx, s, delta.Seconds())
	}); err != nil {
		return sum, err
	}

	d.log.Info("pipeline tick complete",
		zap.Duration("delta", sum.Delta),
		zap.Int64("render_recycled", sum.RenderRecycled),
		zap.Int("stuck_sending", sum.StuckSending),
		zap.Int("render_claimed", sum.RenderClaimed),
		zap.Int("rendered", sum.Rendered),
		zap.Int("render_failed", sum.RenderFailed),
		zap.Int64("promoted", sum.Promoted),
		zap.Int("send_claimed", sum.SendClaimed),
		zap.Int("sent", sum.Sent),
		zap.Int("send_skipped", sum.SendSkipped),
		zap.Int("send_failed", sum.SendFailed),
	)

	return sum, nil
}

func (d *Driver) phase(ctx context.Context, sum *Summary, name string, fn func(context.Context, *Summary) error) error {
	start := d.now()
	err := fn(ctx, sum)
	elapsed := time.Since(start)

	sum.PhaseDurations[name] = elapsed
	metrics.PhaseDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

func (d *Driver) runRecovery(ctx context.Context, sum *Summary) error {
	recycled, err := d.store.RecycleStaleRenderClaims(ctx, d.stuckThreshold)
	if err != nil {
		return err
	}
	sum.RenderRecycled = recycled

	if recycled > 0 {
		metrics.RenderClaimsRecycled.Add(float64(recycled))
		d.log.Warn("recycled stale render claims", zap.Int64("count", recycled))
	}

	stuck, err := d.store.ListStuckSending(ctx, d.stuckThreshold)
	if err != nil {
		return err
	}
	sum.StuckSending = len(stuck)
	metrics.StuckSending.Set(float64(len(stuck)))

	// Never auto-resend: the provider call may already have gone out.
	// Surface each row for a human to judge.
	for _, e := range stuck {
		d.log.Error("entry stuck in sending, manual attention required",
			zap.Int64("entry_id", e.ID),
			zap.String("tenancy_id", e.TenancyID),
			zap.Timep("started_sending_at", e.StartedSendingAt),
		)
	}

	return nil
}

func (d *Driver) runRender(ctx context.Context, sum *Summary) error {
	rs, err := d.renderer.Run(ctx)
	if err != nil {
		return err
	}
	sum.RenderClaimed = rs.Claimed
	sum.Rendered = rs.Rendered
	sum.RenderFailed = rs.Failed
	return nil
}

func (d *Driver) runPromote(ctx context.Context, sum *Summary) error {
	promoted, err := d.store.PromoteQueued(ctx)
	if err != nil {
		return err
	}
	sum.Promoted = promoted
	metrics.EntriesPromoted.Add(float64(promoted))
	return nil
}

func (d *Driver) runSend(ctx context.Context, sum *Summary, deltaSeconds float64) error {
	plan, err := d.planner.Plan(ctx, deltaSeconds)
	if err != nil {
		return err
	}
	sum.SendClaimed = plan.TotalClaimed()

	es := d.executor.Execute(ctx, plan)
	sum.Sent = es.Sent
	sum.SendSkipped = es.Skipped
	sum.SendFailed = es.Failed

	return nil
}
