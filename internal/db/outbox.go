package db

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"mailriver/internal/models"
)

// entryColumns is the canonical column order for scanning outbox rows.
// Keep in sync with scanEntry.
const entryColumns = `
	id, tenancy_id, recipient, template_source, theme_id, extra_variables,
	category_override_id, scheduled_at, priority, is_high_priority, is_paused,
	rendered_by_worker_id, started_rendering_at, finished_rendering_at,
	rendered_html, rendered_text, rendered_subject, rendered_category_id,
	rendered_is_transactional,
	render_error_external_message, render_error_external_details,
	render_error_internal_message, render_error_internal_details,
	is_queued, started_sending_at, finished_sending_at, skipped_reason,
	send_error_external_message, send_error_external_details,
	send_error_internal_message, send_error_internal_details,
	created_at`

func scanEntry(row pgx.Row) (models.OutboxEntry, error) {
	var (
		e             models.OutboxEntry
		recipientJSON []byte
		extraJSON     []byte
		skipped       *string
	)

	err := row.Scan(
		&e.ID, &e.TenancyID, &recipientJSON, &e.TemplateSource, &e.ThemeID, &extraJSON,
		&e.CategoryOverrideID, &e.ScheduledAt, &e.Priority, &e.IsHighPriority, &e.IsPaused,
		&e.RenderedByWorkerID, &e.StartedRenderingAt, &e.FinishedRenderingAt,
		&e.RenderedHTML, &e.RenderedText, &e.RenderedSubject, &e.RenderedCategoryID,
		&e.RenderedIsTransactional,
		&e.RenderErrorExternalMessage, &e.RenderErrorExternalDetails,
		&e.RenderErrorInternalMessage, &e.RenderErrorInternalDetails,
		&e.IsQueued, &e.StartedSendingAt, &e.FinishedSendingAt, &skipped,
		&e.SendErrorExternalMessage, &e.SendErrorExternalDetails,
		&e.SendErrorInternalMessage, &e.SendErrorInternalDetails,
		&e.CreatedAt,
	)
	if err != nil {
		return e, err
	}

	if err := json.Unmarshal(recipientJSON, &e.Recipient); err != nil {
		return e, err
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &e.ExtraVariables); err != nil {
			return e, err
		}
	}
	if skipped != nil {
		r := models.SkipReason(*skipped)
		e.SkippedReason = &r
	}

	return e, nil
}

func collectEntries(rows pgx.Rows) ([]models.OutboxEntry, error) {
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// InsertEntry enqueues a new outbox entry and fills in its ID and CreatedAt.
func (s *Store) InsertEntry(ctx context.Context, e *models.OutboxEntry) error {
	recipientJSON, err := json.Marshal(e.Recipient)
	if err != nil {
		return err
	}

	extraJSON, err := json.Marshal(e.ExtraVariables)
	if err != nil {
		return err
	}

	return s.Pool.QueryRow(ctx,
		`INSERT INTO outbox_entries
		 (tenancy_id, recipient, template_source, theme_id, extra_variables,
		  category_override_id, scheduled_at, priority, is_high_priority, is_paused,
		  created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
		 RETURNING id, created_at`,
		e.TenancyID,
		recipientJSON,
		e.TemplateSource,
		e.ThemeID,
		extraJSON,
		e.CategoryOverrideID,
		e.ScheduledAt,
		e.Priority,
		e.IsHighPriority,
		e.IsPaused,
	).Scan(&e.ID, &e.CreatedAt)
}

// ClaimForRendering atomically claims up to limit unclaimed, unpaused entries
// for this worker, oldest first. Rows locked by a concurrent claimer are
// skipped, so two simultaneous ticks partition the work instead of
// double-claiming it.
func (s *Store) ClaimForRendering(ctx context.Context, workerID string, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`WITH picked AS (
		     SELECT id FROM outbox_entries
		     WHERE rendered_by_worker_id IS NULL AND is_paused = FALSE
		     ORDER BY created_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_entries e
		 SET rendered_by_worker_id = $1,
		     started_rendering_at = NOW()
		 FROM picked
		 WHERE e.id = picked.id
		 RETURNING `+qualified("e", entryColumns),
		workerID,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return collectEntries(rows)
}

// SaveRenderSuccess persists rendered output. The worker-id guard keeps a
// recycled claim's new owner from being overwritten by a slow straggler.
func (s *Store) SaveRenderSuccess(ctx context.Context, id int64, workerID string, out models.RenderedEmail) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET rendered_html = $3,
		     rendered_text = $4,
		     rendered_subject = $5,
		     rendered_category_id = $6,
		     rendered_is_transactional = $7,
		     render_error_external_message = NULL,
		     render_error_external_details = NULL,
		     render_error_internal_message = NULL,
		     render_error_internal_details = NULL,
		     finished_rendering_at = NOW()
		 WHERE id = $1 AND rendered_by_worker_id = $2`,
		id, workerID,
		out.HTML, out.Text, out.Subject, out.CategoryID, out.IsTransactional,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// SaveRenderFailure records a terminal render failure. RenderedHTML stays
// null, which is what marks the entry as render-failed.
func (s *Store) SaveRenderFailure(ctx context.Context, id int64, workerID string, failure models.RenderFailure) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET render_error_external_message = $3,
		     render_error_external_details = $4,
		     render_error_internal_message = $5,
		     render_error_internal_details = $6,
		     finished_rendering_at = NOW()
		 WHERE id = $1 AND rendered_by_worker_id = $2`,
		id, workerID,
		failure.ExternalMessage, failure.ExternalDetails,
		failure.InternalMessage, failure.InternalDetails,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// RecycleStaleRenderClaims resets render claims older than threshold that
// never finished, so a later tick can pick them up again. Rendering is
// at-least-once: a slow-but-alive worker may race its recycled claim.
func (s *Store) RecycleStaleRenderClaims(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET rendered_by_worker_id = NULL,
		     started_rendering_at = NULL
		 WHERE started_rendering_at < NOW() - make_interval(secs => $1)
		   AND finished_rendering_at IS NULL`,
		threshold.Seconds(),
	)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// ListStuckSending returns entries claimed for sending longer than threshold
// ago that never reached a terminal state. They are reported only, never
// recycled: the provider call may already have gone out.
func (s *Store) ListStuckSending(ctx context.Context, threshold time.Duration) ([]models.OutboxEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM outbox_entries
		 WHERE started_sending_at < NOW() - make_interval(secs => $1)
		   AND finished_sending_at IS NULL`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, err
	}

	return collectEntries(rows)
}

// PromoteQueued flips every due, unpaused, successfully rendered entry to
// queued. This is the only write that touches is_queued; it never flips the
// flag back.
func (s *Store) PromoteQueued(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET is_queued = TRUE
		 WHERE is_queued = FALSE
		   AND is_paused = FALSE
		   AND finished_rendering_at IS NOT NULL
		   AND rendered_html IS NOT NULL
		   AND scheduled_at <= NOW()`,
	)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// ListSendableTenancies returns the tenancies that currently have at least
// one queued, unpaused, unclaimed entry.
func (s *Store) ListSendableTenancies(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT DISTINCT tenancy_id
		 FROM outbox_entries
		 WHERE is_queued = TRUE
		   AND is_paused = FALSE
		   AND started_sending_at IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenancies []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenancies = append(tenancies, t)
	}

	return tenancies, rows.Err()
}

// ClaimForSending atomically claims up to limit eligible entries for one
// tenancy: high-priority flag first, then highest priority, then
// oldest-due, then oldest-created.
func (s *Store) ClaimForSending(ctx context.Context, tenancyID string, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`WITH picked AS (
		     SELECT id FROM outbox_entries
		     WHERE tenancy_id = $1
		       AND is_queued = TRUE
		       AND is_paused = FALSE
		       AND started_sending_at IS NULL
		     ORDER BY is_high_priority DESC, priority DESC, scheduled_at ASC, created_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_entries e
		 SET started_sending_at = NOW()
		 FROM picked
		 WHERE e.id = picked.id
		 RETURNING `+qualified("e", entryColumns),
		tenancyID,
		limit,
	)
	if err != nil {
		return nil, err
	}

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}

	// Claim order matters to callers; RETURNING does not preserve it.
	sortForSending(entries)

	return entries, nil
}

// FinalizeSendSuccess marks the entry sent. The finished_sending_at guard
// makes the write idempotent under duplicate attempts: the first writer
// wins, later ones are no-ops.
func (s *Store) FinalizeSendSuccess(ctx context.Context, id int64) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET finished_sending_at = NOW(),
		     skipped_reason = NULL,
		     send_error_external_message = NULL,
		     send_error_external_details = NULL,
		     send_error_internal_message = NULL,
		     send_error_internal_details = NULL
		 WHERE id = $1 AND finished_sending_at IS NULL`,
		id,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// FinalizeSendSkip records a skip outcome (same guard as success).
func (s *Store) FinalizeSendSkip(ctx context.Context, id int64, reason models.SkipReason) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET finished_sending_at = NOW(),
		     skipped_reason = $2
		 WHERE id = $1 AND finished_sending_at IS NULL`,
		id, string(reason),
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// FinalizeSendFailure records a terminal send failure (same guard).
func (s *Store) FinalizeSendFailure(ctx context.Context, id int64, failure models.SendFailure) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE outbox_entries
		 SET finished_sending_at = NOW(),
		     send_error_external_message = $2,
		     send_error_external_details = $3,
		     send_error_internal_message = $4,
		     send_error_internal_details = $5
		 WHERE id = $1 AND finished_sending_at IS NULL`,
		id,
		failure.ExternalMessage, failure.ExternalDetails,
		failure.InternalMessage, failure.InternalDetails,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}
