// Package api exposes the enqueue HTTP surface of the outbox.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"mailriver/internal/csvparser"
	"mailriver/internal/models"
)

// EntryStore is the slice of the outbox store the API needs.
type EntryStore interface {
	InsertEntry(ctx context.Context, e *models.OutboxEntry) error
}

type Handler struct {
	Store EntryStore
	Log   *zap.Logger
}

// Router builds the API surface. Delivery itself is asynchronous: enqueue
// returns as soon as the row is durable.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Post("/entries", h.CreateEntry)
	r.Post("/entries/bulk", h.CreateEntriesBulk)

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type createEntryRequest struct {
	TenancyID          string           `json:"tenancy_id"`
	Recipient          models.Recipient `json:"recipient"`
	TemplateSource     string           `json:"template_source"`
	ThemeID            string           `json:"theme_id"`
	ExtraVariables     map[string]any   `json:"extra_variables"`
	CategoryOverrideID *string          `json:"category_override_id"`
	ScheduledAt        *time.Time       `json:"scheduled_at"`
	Priority           int              `json:"priority"`
	IsHighPriority     bool             `json:"is_high_priority"`
	IsPaused           bool             `json:"is_paused"`
}

func (r createEntryRequest) validate() string {
	if r.TenancyID == "" {
		return "tenancy_id is required"
	}
	if r.TemplateSource == "" {
		return "template_source is required"
	}
	switch r.Recipient.Type {
	case models.RecipientCustomEmails:
	case models.RecipientUserPrimaryEmail, models.RecipientUserCustomEmails:
		if r.Recipient.UserID == "" {
			return "recipient.user_id is required for user recipients"
		}
	default:
		return "recipient.type is invalid"
	}
	return ""
}

func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	entry := entryFromRequest(req)
	if err := h.Store.InsertEntry(r.Context(), &entry); err != nil {
		h.Log.Error("failed to enqueue entry", zap.Error(err))
		http.Error(w, "failed to enqueue entry", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"id": entry.ID})
}

type bulkRequest struct {
	TenancyID      string  `json:"tenancy_id"`
	TemplateSource string  `json:"template_source"`
	ThemeID        string  `json:"theme_id"`
	Priority       int     `json:"priority"`
	CategoryID     *string `json:"category_id"`
}

// CreateEntriesBulk enqueues one entry per row of an uploaded CSV; rows may
// target plain addresses or known users via the reserved Email/UserID
// columns. The multipart form carries the CSV under "recipients" and the
// common fields under "request".
func (h *Handler) CreateEntriesBulk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req bulkRequest
	if err := json.Unmarshal([]byte(r.FormValue("request")), &req); err != nil {
		http.Error(w, "invalid request field: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TenancyID == "" || req.TemplateSource == "" {
		http.Error(w, "tenancy_id and template_source are required", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		http.Error(w, "recipients file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	rows, err := csvparser.ParseRecipientRows(file, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		entry := models.OutboxEntry{
			TenancyID:          req.TenancyID,
			Recipient:          row.Recipient(),
			TemplateSource:     req.TemplateSource,
			ThemeID:            req.ThemeID,
			ExtraVariables:     row.Variables,
			CategoryOverrideID: req.CategoryID,
			ScheduledAt:        time.Now(),
			Priority:           req.Priority,
		}
		if err := h.Store.InsertEntry(r.Context(), &entry); err != nil {
			h.Log.Error("failed to enqueue bulk entry",
				zap.String("email", row.Email),
				zap.Error(err),
			)
			http.Error(w, "failed to enqueue entries", http.StatusInternalServerError)
			return
		}
		ids = append(ids, entry.ID)
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"ids": ids})
}

func entryFromRequest(req createEntryRequest) models.OutboxEntry {
	scheduledAt := time.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	return models.OutboxEntry{
		TenancyID:          req.TenancyID,
		Recipient:          req.Recipient,
		TemplateSource:     req.TemplateSource,
		ThemeID:            req.ThemeID,
		ExtraVariables:     req.ExtraVariables,
		CategoryOverrideID: req.CategoryOverrideID,
		ScheduledAt:        scheduledAt,
		Priority:           req.Priority,
		IsHighPriority:     req.IsHighPriority,
		IsPaused:           req.IsPaused,
	}
}
