// Package render implements the claim-and-render stage of the outbox
// pipeline: it atomically claims a batch of unrendered entries, resolves
// template, theme and unsubscribe eligibility, and persists rendered output
// or a terminal render error.
package render

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"mailriver/internal/metrics"
	"mailriver/internal/models"
)

// Input is one template invocation handed to the renderer.
type Input struct {
	TemplateSource string
	ThemeID        string
	Variables      map[string]any
}

// Output is the renderer's product for one input. CategoryID is the
// notification category the template declares.
type Output struct {
	HTML       string
	Text       string
	Subject    string
	CategoryID string
}

// Result pairs an output with a per-entry failure. A batch-level error is
// returned from RenderBatch itself and fails every input of the call.
type Result struct {
	Output Output
	Err    error
}

// Renderer is the external template-rendering collaborator. Calls are
// batched and all-or-nothing at the adapter level.
type Renderer interface {
	RenderBatch(ctx context.Context, tenancyID string, inputs []Input) ([]Result, error)
}

// CategoryRegistry resolves notification categories.
type CategoryRegistry interface {
	ListCategories(ctx context.Context) ([]models.NotificationCategory, error)
	CategoryByID(ctx context.Context, id string) (*models.NotificationCategory, error)
}

// UnsubscribeLinks generates opt-out URLs. Failures are swallowed by the
// stage: the link is omitted, the render still succeeds.
type UnsubscribeLinks interface {
	Generate(ctx context.Context, tenancyID, userID, categoryID string) (string, error)
}

// Store is the slice of the outbox store the stage needs.
type Store interface {
	ClaimForRendering(ctx context.Context, workerID string, limit int) ([]models.OutboxEntry, error)
	SaveRenderSuccess(ctx context.Context, id int64, workerID string, out models.RenderedEmail) (bool, error)
	SaveRenderFailure(ctx context.Context, id int64, workerID string, failure models.RenderFailure) (bool, error)
}

// Summary reports what one stage run did.
type Summary struct {
	Claimed  int
	Rendered int
	Failed   int
}

type Stage struct {
	store       Store
	renderer    Renderer
	categories  CategoryRegistry
	links       UnsubscribeLinks
	log         *zap.Logger
	batchSize   int
	concurrency int
}

func NewStage(store Store, renderer Renderer, categories CategoryRegistry, links UnsubscribeLinks, log *zap.Logger, batchSize, concurrency int) *Stage {
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Stage{
		store:       store,
		renderer:    renderer,
		categories:  categories,
		links:       links,
		log:         log,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Run claims one batch and renders it. Each tick uses a fresh worker id so
// guarded writes can tell a live claim from a recycled one. Tenancies render
// independently; one tenancy's failure never touches another's entries.
func (s *Stage) Run(ctx context.Context) (Summary, error) {
	workerID := uuid.NewString()

	entries, err := s.store.ClaimForRendering(ctx, workerID, s.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("claim for rendering: %w", err)
	}
	if len(entries) == 0 {
		return Summary{}, nil
	}

	byTenancy := make(map[string][]models.OutboxEntry)
	for _, e := range entries {
		byTenancy[e.TenancyID] = append(byTenancy[e.TenancyID], e)
	}

	summaries := make(chan Summary, len(byTenancy))

	p := pool.New().WithMaxGoroutines(s.concurrency)
	for tenancyID, batch := range byTenancy {
		p.Go(func() {
			summaries <- s.renderTenancy(ctx, workerID, tenancyID, batch)
		})
	}
	p.Wait()
	close(summaries)

	total := Summary{Claimed: len(entries)}
	for sm := range summaries {
		total.Rendered += sm.Rendered
		total.Failed += sm.Failed
	}

	metrics.EntriesRendered.Add(float64(total.Rendered))
	metrics.RenderFailures.Add(float64(total.Failed))

	return total, nil
}

func (s *Stage) renderTenancy(ctx context.Context, workerID, tenancyID string, entries []models.OutboxEntry) Summary {
	var sum Summary

	var overridden, plain []models.OutboxEntry
	for _, e := range entries {
		if e.CategoryOverrideID != nil {
			overridden = append(overridden, e)
		} else {
			plain = append(plain, e)
		}
	}

	s.renderOverridden(ctx, workerID, tenancyID, overridden, &sum)
	s.renderTwoPass(ctx, workerID, tenancyID, plain, &sum)

	return sum
}

// renderOverridden handles entries whose notification category is declared
// up front: the unsubscribe link is resolvable before the first (and only)
// render pass.
func (s *Stage) renderOverridden(ctx context.Context, workerID, tenancyID string, entries []models.OutboxEntry, sum *Summary) {
	if len(entries) == 0 {
		return
	}

	inputs := make([]Input, len(entries))
	categoryIDs := make([]string, len(entries))
	transactional := make([]bool, len(entries))

	for i, e := range entries {
		categoryID := *e.CategoryOverrideID
		category, err := s.categories.CategoryByID(ctx, categoryID)
		if err != nil {
			s.log.Warn("category lookup failed",
				zap.String("tenancy_id", tenancyID),
				zap.String("category_id", categoryID),
				zap.Error(err),
			)
			category = nil
		}

		link := ""
		if category != nil && category.CanDisable && e.Recipient.UserID != "" {
			link = s.resolveLink(ctx, tenancyID, e.Recipient.UserID, categoryID)
		}

		inputs[i] = buildInput(e, link)
		categoryIDs[i] = categoryID
		transactional[i] = category == nil || !category.CanDisable
	}

	results, err := s.renderer.RenderBatch(ctx, tenancyID, inputs)
	if err != nil {
		s.failBatch(ctx, workerID, entries, err, sum)
		return
	}

	for i, e := range entries {
		if results[i].Err != nil {
			s.failEntry(ctx, workerID, e, results[i].Err, sum)
			continue
		}
		s.succeedEntry(ctx, workerID, e, results[i].Output, categoryIDs[i], transactional[i], sum)
	}
}

// renderTwoPass handles entries whose category is only known after
// rendering. Pass 1 runs without an unsubscribe link to learn the category;
// pass 2 re-renders only the entries whose resolved category can be disabled
// and whose recipient is a known user. Everything else is finalized from
// pass 1 directly.
func (s *Stage) renderTwoPass(ctx context.Context, workerID, tenancyID string, entries []models.OutboxEntry, sum *Summary) {
	if len(entries) == 0 {
		return
	}

	inputs := make([]Input, len(entries))
	for i, e := range entries {
		inputs[i] = buildInput(e, "")
	}

	results, err := s.renderer.RenderBatch(ctx, tenancyID, inputs)
	if err != nil {
		s.failBatch(ctx, workerID, entries, err, sum)
		return
	}

	type secondPass struct {
		entry      models.OutboxEntry
		categoryID string
		link       string
	}
	var pending []secondPass

	for i, e := range entries {
		if results[i].Err != nil {
			s.failEntry(ctx, workerID, e, results[i].Err, sum)
			continue
		}

		out := results[i].Output
		category, err := s.categories.CategoryByID(ctx, out.CategoryID)
		if err != nil {
			s.log.Warn("category lookup failed",
				zap.String("tenancy_id", tenancyID),
				zap.String("category_id", out.CategoryID),
				zap.Error(err),
			)
			category = nil
		}

		if category == nil || !category.CanDisable || e.Recipient.UserID == "" {
			s.succeedEntry(ctx, workerID, e, out, out.CategoryID, category == nil || !category.CanDisable, sum)
			continue
		}

		link := s.resolveLink(ctx, tenancyID, e.Recipient.UserID, category.ID)
		if link == "" {
			// Link generation failed: keep the pass-1 output, just without
			// the opt-out link.
			s.succeedEntry(ctx, workerID, e, out, category.ID, false, sum)
			continue
		}

		pending = append(pending, secondPass{entry: e, categoryID: category.ID, link: link})
	}

	if len(pending) == 0 {
		return
	}

	inputs = make([]Input, len(pending))
	for i, sp := range pending {
		inputs[i] = buildInput(sp.entry, sp.link)
	}

	results, err = s.renderer.RenderBatch(ctx, tenancyID, inputs)
	if err != nil {
		batch := make([]models.OutboxEntry, len(pending))
		for i, sp := range pending {
			batch[i] = sp.entry
		}
		s.failBatch(ctx, workerID, batch, err, sum)
		return
	}

	for i, sp := range pending {
		if results[i].Err != nil {
			s.failEntry(ctx, workerID, sp.entry, results[i].Err, sum)
			continue
		}
		s.succeedEntry(ctx, workerID, sp.entry, results[i].Output, sp.categoryID, false, sum)
	}
}

func (s *Stage) resolveLink(ctx context.Context, tenancyID, userID, categoryID string) string {
	link, err := s.links.Generate(ctx, tenancyID, userID, categoryID)
	if err != nil {
		s.log.Warn("unsubscribe link generation failed",
			zap.String("tenancy_id", tenancyID),
			zap.String("user_id", userID),
			zap.String("category_id", categoryID),
			zap.Error(err),
		)
		return ""
	}
	return link
}

func (s *Stage) succeedEntry(ctx context.Context, workerID string, e models.OutboxEntry, out Output, categoryID string, isTransactional bool, sum *Summary) {
	applied, err := s.store.SaveRenderSuccess(ctx, e.ID, workerID, models.RenderedEmail{
		HTML:            out.HTML,
		Text:            out.Text,
		Subject:         out.Subject,
		CategoryID:      categoryID,
		IsTransactional: isTransactional,
	})
	if err != nil {
		s.log.Error("failed to persist render output",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return
	}
	if !applied {
		// Our claim was recycled and taken over; the new owner's result wins.
		s.log.Warn("render result discarded, claim no longer ours",
			zap.Int64("entry_id", e.ID),
			zap.String("worker_id", workerID),
		)
		return
	}
	sum.Rendered++
}

func (s *Stage) failEntry(ctx context.Context, workerID string, e models.OutboxEntry, cause error, sum *Summary) {
	applied, err := s.store.SaveRenderFailure(ctx, e.ID, workerID, models.RenderFailure{
		ExternalMessage: "The email could not be rendered.",
		ExternalDetails: "",
		InternalMessage: "template rendering failed",
		InternalDetails: cause.Error(),
	})
	if err != nil {
		s.log.Error("failed to persist render failure",
			zap.Int64("entry_id", e.ID),
			zap.Error(err),
		)
		return
	}
	if applied {
		sum.Failed++
	}
}

func (s *Stage) failBatch(ctx context.Context, workerID string, entries []models.OutboxEntry, cause error, sum *Summary) {
	for _, e := range entries {
		s.failEntry(ctx, workerID, e, cause, sum)
	}
}

func buildInput(e models.OutboxEntry, unsubscribeURL string) Input {
	vars := make(map[string]any, len(e.ExtraVariables)+1)
	for k, v := range e.ExtraVariables {
		vars[k] = v
	}
	if unsubscribeURL != "" {
		vars["unsubscribe_url"] = unsubscribeURL
	}
	return Input{
		TemplateSource: e.TemplateSource,
		ThemeID:        e.ThemeID,
		Variables:      vars,
	}
}
