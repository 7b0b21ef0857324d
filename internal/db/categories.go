package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailriver/internal/models"
)

// ListCategories returns every registered notification category.
func (s *Store) ListCategories(ctx context.Context) ([]models.NotificationCategory, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, can_disable FROM notification_categories ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []models.NotificationCategory
	for rows.Next() {
		var c models.NotificationCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.CanDisable); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}

// CategoryByID resolves one category, or nil when it is not registered.
func (s *Store) CategoryByID(ctx context.Context, id string) (*models.NotificationCategory, error) {
	var c models.NotificationCategory
	err := s.Pool.QueryRow(ctx,
		`SELECT id, name, can_disable FROM notification_categories WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.CanDisable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}
