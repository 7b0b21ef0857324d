package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailriver/internal/models"
)

// UserContact looks up a user's contact channels. Returns nil with no error
// when the user does not exist (deleted accounts).
func (s *Store) UserContact(ctx context.Context, tenancyID, userID string) (*models.UserContact, error) {
	var c models.UserContact
	err := s.Pool.QueryRow(ctx,
		`SELECT id, primary_email
		 FROM users
		 WHERE tenancy_id = $1 AND id = $2 AND deleted_at IS NULL`,
		tenancyID, userID,
	).Scan(&c.UserID, &c.PrimaryEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// IsUnsubscribed reports whether the user opted out of the given category.
func (s *Store) IsUnsubscribed(ctx context.Context, tenancyID, userID, categoryID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM notification_unsubscribes
		     WHERE tenancy_id = $1 AND user_id = $2 AND category_id = $3
		 )`,
		tenancyID, userID, categoryID,
	).Scan(&exists)

	return exists, err
}

// TenancySettings fetches tenant-level email configuration, falling back to
// zero-value settings when the tenancy has no row yet.
func (s *Store) TenancySettings(ctx context.Context, tenancyID string) (*models.TenancySettings, error) {
	var out models.TenancySettings
	err := s.Pool.QueryRow(ctx,
		`SELECT tenancy_id, from_address, from_name, skip_deliverability_check
		 FROM tenancy_settings
		 WHERE tenancy_id = $1`,
		tenancyID,
	).Scan(&out.TenancyID, &out.FromAddress, &out.FromName, &out.SkipDeliverabilityCheck)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.TenancySettings{TenancyID: tenancyID}, nil
	}
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// DeliveredCountSince counts successful sends for a tenancy in the trailing
// window. Feeds the capacity model.
func (s *Store) DeliveredCountSince(ctx context.Context, tenancyID string, since time.Time) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM outbox_entries
		 WHERE tenancy_id = $1
		   AND finished_sending_at >= $2
		   AND skipped_reason IS NULL
		   AND send_error_internal_message IS NULL`,
		tenancyID, since,
	).Scan(&n)

	return n, err
}
