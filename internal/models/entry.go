package models

import "time"

type RecipientType string

const (
	RecipientUserPrimaryEmail RecipientType = "user-primary-email"
	RecipientUserCustomEmails RecipientType = "user-custom-emails"
	RecipientCustomEmails     RecipientType = "custom-emails"
)

// Recipient is a tagged union. UserID is set for the user-* types,
// Emails for the custom-emails types.
type Recipient struct {
	Type   RecipientType `json:"type"`
	UserID string        `json:"user_id,omitempty"`
	Emails []string      `json:"emails,omitempty"`
}

type SkipReason string

const (
	SkipNoEmailProvided      SkipReason = "no-email-provided"
	SkipUserAccountDeleted   SkipReason = "user-account-deleted"
	SkipUserHasNoPrimaryMail SkipReason = "user-has-no-primary-email"
	SkipUserUnsubscribed     SkipReason = "user-unsubscribed"
)

// OutboxEntry is one row of the outbox: a single email to be rendered,
// queued and sent for one (tenancy, recipient) pairing.
type OutboxEntry struct {
	ID        int64  `json:"id"`
	TenancyID string `json:"tenancy_id"`

	Recipient      Recipient      `json:"recipient"`
	TemplateSource string         `json:"template_source"`
	ThemeID        string         `json:"theme_id"`
	ExtraVariables map[string]any `json:"extra_variables,omitempty"`

	// Optional explicit notification-category override. When set, rendering
	// resolves the unsubscribe link up front instead of doing two passes.
	CategoryOverrideID *string `json:"category_override_id,omitempty"`

	ScheduledAt    time.Time `json:"scheduled_at"`
	Priority       int       `json:"priority"`
	IsHighPriority bool      `json:"is_high_priority"`
	IsPaused       bool      `json:"is_paused"`

	// Render claim.
	RenderedByWorkerID  *string    `json:"rendered_by_worker_id,omitempty"`
	StartedRenderingAt  *time.Time `json:"started_rendering_at,omitempty"`
	FinishedRenderingAt *time.Time `json:"finished_rendering_at,omitempty"`

	// Render output. FinishedRenderingAt set with RenderedHTML nil means the
	// render failed terminally.
	RenderedHTML            *string `json:"rendered_html,omitempty"`
	RenderedText            *string `json:"rendered_text,omitempty"`
	RenderedSubject         *string `json:"rendered_subject,omitempty"`
	RenderedCategoryID      *string `json:"rendered_category_id,omitempty"`
	RenderedIsTransactional *bool   `json:"rendered_is_transactional,omitempty"`

	RenderErrorExternalMessage *string `json:"render_error_external_message,omitempty"`
	RenderErrorExternalDetails *string `json:"render_error_external_details,omitempty"`
	RenderErrorInternalMessage *string `json:"render_error_internal_message,omitempty"`
	RenderErrorInternalDetails *string `json:"render_error_internal_details,omitempty"`

	// Promotion flag, monotonic false -> true.
	IsQueued bool `json:"is_queued"`

	// Send claim and terminal outcome. FinishedSendingAt set is terminal:
	// either sent (no skip reason, no error), skipped, or failed.
	StartedSendingAt  *time.Time  `json:"started_sending_at,omitempty"`
	FinishedSendingAt *time.Time  `json:"finished_sending_at,omitempty"`
	SkippedReason     *SkipReason `json:"skipped_reason,omitempty"`

	SendErrorExternalMessage *string `json:"send_error_external_message,omitempty"`
	SendErrorExternalDetails *string `json:"send_error_external_details,omitempty"`
	SendErrorInternalMessage *string `json:"send_error_internal_message,omitempty"`
	SendErrorInternalDetails *string `json:"send_error_internal_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RenderSucceeded reports whether the entry finished rendering with output.
func (e *OutboxEntry) RenderSucceeded() bool {
	return e.FinishedRenderingAt != nil && e.RenderedHTML != nil
}

// ProcessingMetadata is the single shared row used to derive the elapsed
// seconds between two pipeline ticks.
type ProcessingMetadata struct {
	LastExecutedAt time.Time `json:"last_executed_at"`
}

// NotificationCategory classifies an email and controls whether the
// recipient may opt out of it.
type NotificationCategory struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CanDisable bool   `json:"can_disable"`
}

// UserContact is what the send stage needs to know about a recipient user.
type UserContact struct {
	UserID       string  `json:"user_id"`
	PrimaryEmail *string `json:"primary_email,omitempty"`
}

// TenancySettings is the tenant-level email configuration fetched once per
// send batch.
type TenancySettings struct {
	TenancyID               string `json:"tenancy_id"`
	FromAddress             string `json:"from_address"`
	FromName                string `json:"from_name"`
	SkipDeliverabilityCheck bool   `json:"skip_deliverability_check"`
}
