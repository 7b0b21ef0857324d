package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailriver/internal/email"
	"mailriver/internal/metrics"
	"mailriver/internal/models"
)

// ExecStore is the slice of the outbox store the executor needs. The three
// finalize writes are guarded on finished_sending_at being null and report
// whether they took effect.
type ExecStore interface {
	TenancySettings(ctx context.Context, tenancyID string) (*models.TenancySettings, error)
	UserContact(ctx context.Context, tenancyID, userID string) (*models.UserContact, error)
	IsUnsubscribed(ctx context.Context, tenancyID, userID, categoryID string) (bool, error)
	FinalizeSendSuccess(ctx context.Context, id int64) (bool, error)
	FinalizeSendSkip(ctx context.Context, id int64, reason models.SkipReason) (bool, error)
	FinalizeSendFailure(ctx context.Context, id int64, failure models.SendFailure) (bool, error)
}

// ExecSummary reports what one execution run did.
type ExecSummary struct {
	Sent    int
	Skipped int
	Failed  int
}

type Executor struct {
	store       ExecStore
	transport   email.Transport
	limiter     *rate.Limiter
	log         *zap.Logger
	concurrency int
}

// NewExecutor builds an executor. limiter is a process-global cap on
// outbound sends, applied on top of the per-tenancy quotas; pass nil to
// disable it.
func NewExecutor(store ExecStore, transport email.Transport, limiter *rate.Limiter, log *zap.Logger, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Executor{
		store:       store,
		transport:   transport,
		limiter:     limiter,
		log:         log,
		concurrency: concurrency,
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeLost // finalize write raced or errored; row state is authoritative
)

// Execute delivers every batch of the plan. Tenancy batches run
// concurrently, and rows within a batch run concurrently too; a row's
// failure is recorded on that row only and never aborts its siblings or
// other tenancies.
func (x *Executor) Execute(ctx context.Context, plan Plan) ExecSummary {
	summaries := make(chan ExecSummary, len(plan.Batches))

	batches := pool.New().WithMaxGoroutines(x.concurrency)
	for _, batch := range plan.Batches {
		batches.Go(func() {
			summaries <- x.executeBatch(ctx, batch)
		})
	}
	batches.Wait()
	close(summaries)

	var total ExecSummary
	for sm := range summaries {
		total.Sent += sm.Sent
		total.Skipped += sm.Skipped
		total.Failed += sm.Failed
	}

	return total
}

func (x *Executor) executeBatch(ctx context.Context, batch TenancyBatch) ExecSummary {
	var sum ExecSummary

	settings, err := x.store.TenancySettings(ctx, batch.TenancyID)
	if err != nil {
		x.log.Error("tenancy settings lookup failed, finalizing batch as failed",
			zap.String("tenancy_id", batch.TenancyID),
			zap.Error(err),
		)
		for _, e := range batch.Entries {
			x.finalizeUnexpected(ctx, e, fmt.Errorf("tenancy settings: %w", err))
			sum.Failed++
		}
		return sum
	}

	outcomes := make(chan outcome, len(batch.Entries))

	p := pool.New().WithMaxGoroutines(x.concurrency)
	for _, e := range batch.Entries {
		p.Go(func() {
			outcomes <- x.sendOne(ctx, settings, e)
		})
	}
	p.Wait()
	close(outcomes)

	for o := range outcomes {
		switch o {
		case outcomeSent:
			sum.Sent++
		case outcomeSkipped:
			sum.Skipped++
		case outcomeFailed:
			sum.Failed++
		}
	}

	return sum
}

// sendOne runs steps 1-4 for a single claimed row: resolve addresses, check
// unsubscribe, invoke the transport, finalize. Any unexpected error is
// caught and stored; the row is never left hanging.
func (x *Executor) sendOne(ctx context.Context, settings *models.TenancySettings, e models.OutboxEntry) outcome {
	addresses, skip, err := x.resolveAddresses(ctx, e)
	if err != nil {
		return x.finalizeUnexpected(ctx, e, err)
	}
	if skip != nil {
		return x.finalizeSkip(ctx, e, *skip)
	}

	if e.RenderedCategoryID != nil && !derefBool(e.RenderedIsTransactional) && e.Recipient.UserID != "" {
		unsubscribed, err := x.store.IsUnsubscribed(ctx, e.TenancyID, e.Recipient.UserID, *e.RenderedCategoryID)
		if err != nil {
			return x.finalizeUnexpected(ctx, e, fmt.Errorf("unsubscribe check: %w", err))
		}
		if unsubscribed {
			return x.finalizeSkip(ctx, e, models.SkipUserUnsubscribed)
		}
	}

	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			return x.finalizeUnexpected(ctx, e, fmt.Errorf("rate limiter: %w", err))
		}
	}

	msg := email.Message{
		To:                      addresses,
		From:                    fromAddress(settings),
		Subject:                 derefString(e.RenderedSubject),
		HTML:                    derefString(e.RenderedHTML),
		Text:                    derefString(e.RenderedText),
		SkipDeliverabilityCheck: settings.SkipDeliverabilityCheck,
	}

	if err := x.transport.Send(ctx, msg); err != nil {
		return x.finalizeSendError(ctx, e, err)
	}

	applied, err := x.store.FinalizeSendSuccess(ctx, e.ID)
	if err != nil {
		x.log.Error("failed to finalize sent entry",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return outcomeLost
	}
	if !applied {
		return outcomeLost
	}

	x.log.Info("email sent",
		zap.Int64("entry_id", e.ID),
		zap.String("tenancy_id", e.TenancyID),
		zap.Int("recipients", len(addresses)),
	)
	metrics.EmailsSent.Inc()

	return outcomeSent
}

// resolveAddresses returns the concrete recipient list, or a skip reason
// when the entry has nowhere to go.
func (x *Executor) resolveAddresses(ctx context.Context, e models.OutboxEntry) ([]string, *models.SkipReason, error) {
	skip := func(r models.SkipReason) ([]string, *models.SkipReason, error) {
		return nil, &r, nil
	}

	switch e.Recipient.Type {
	case models.RecipientCustomEmails:
		if len(e.Recipient.Emails) == 0 {
			return skip(models.SkipNoEmailProvided)
		}
		return e.Recipient.Emails, nil, nil

	case models.RecipientUserCustomEmails, models.RecipientUserPrimaryEmail:
		contact, err := x.store.UserContact(ctx, e.TenancyID, e.Recipient.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("user lookup: %w", err)
		}
		if contact == nil {
			return skip(models.SkipUserAccountDeleted)
		}

		if e.Recipient.Type == models.RecipientUserCustomEmails && len(e.Recipient.Emails) > 0 {
			return e.Recipient.Emails, nil, nil
		}

		if contact.PrimaryEmail == nil || *contact.PrimaryEmail == "" {
			return skip(models.SkipUserHasNoPrimaryMail)
		}
		return []string{*contact.PrimaryEmail}, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown recipient type %q", e.Recipient.Type)
	}
}

func (x *Executor) finalizeSkip(ctx context.Context, e models.OutboxEntry, reason models.SkipReason) outcome {
	applied, err := x.store.FinalizeSendSkip(ctx, e.ID, reason)
	if err != nil {
		x.log.Error("failed to finalize skipped entry",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return outcomeLost
	}
	if !applied {
		return outcomeLost
	}

	x.log.Info("email skipped",
		zap.Int64("entry_id", e.ID),
		zap.String("tenancy_id", e.TenancyID),
		zap.String("reason", string(reason)),
	)
	metrics.EmailsSkipped.WithLabelValues(string(reason)).Inc()

	return outcomeSkipped
}

func (x *Executor) finalizeSendError(ctx context.Context, e models.OutboxEntry, cause error) outcome {
	failure := models.SendFailure{
		ExternalMessage: "The email could not be delivered.",
		InternalMessage: "transport send failed",
		InternalDetails: cause.Error(),
	}

	var sendErr *email.SendError
	if errors.As(cause, &sendErr) {
		failure.ExternalDetails = string(sendErr.Kind)
		failure.InternalMessage = fmt.Sprintf("transport send failed: %s", sendErr.Kind)
	}

	applied, err := x.store.FinalizeSendFailure(ctx, e.ID, failure)
	if err != nil {
		x.log.Error("failed to finalize failed entry",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return outcomeLost
	}
	if !applied {
		return outcomeLost
	}

	x.log.Error("email send failed",
		zap.Int64("entry_id", e.ID),
		zap.String("tenancy_id", e.TenancyID),
		zap.Error(cause),
	)
	metrics.SendFailures.Inc()

	return outcomeFailed
}

// finalizeUnexpected records an unclassified failure from steps 1-3 with a
// generic external message and the full internal error for operators.
func (x *Executor) finalizeUnexpected(ctx context.Context, e models.OutboxEntry, cause error) outcome {
	applied, err := x.store.FinalizeSendFailure(ctx, e.ID, models.SendFailure{
		ExternalMessage: "The email could not be delivered.",
		InternalMessage: "unexpected error during send",
		InternalDetails: cause.Error(),
	})
	if err != nil {
		x.log.Error("failed to finalize entry after unexpected error",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return outcomeLost
	}
	if !applied {
		return outcomeLost
	}

	x.log.Error("unexpected error during send",
		zap.Int64("entry_id", e.ID),
		zap.String("tenancy_id", e.TenancyID),
		zap.Error(cause),
	)
	metrics.SendFailures.Inc()

	return outcomeFailed
}

func fromAddress(settings *models.TenancySettings) string {
	if settings.FromName != "" {
		return fmt.Sprintf("%s <%s>", settings.FromName, settings.FromAddress)
	}
	return settings.FromAddress
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	return b != nil && *b
}
