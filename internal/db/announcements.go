package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetAnnouncement retrieves an announcement by ID
func (r *Repository) GetAnnouncement(ctx context.Context, id string) (*Announcement, error) {
	query := `
		SELECT
			id, title, content, type, image_url, action_label, action_url,
			delivered_count, created_at, updated_at
		FROM announcements
		WHERE id = $1
	`

	var a Announcement
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Title,
		&a.Content,
		&a.Type,
		&a.ImageURL,
		&a.ActionLabel,
		&a.ActionURL,
		&a.DeliveredCount,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("announcement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query announcement: %w", err)
	}

	return &a, nil
}

// UpdateDeliveredCount overwrites the announcement's delivered count.
func (r *Repository) UpdateDeliveredCount(ctx context.Context, id string, count int, at time.Time) error {
	query := `
		UPDATE announcements
		SET delivered_count = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, count, at, id)
	if err != nil {
		return fmt.Errorf("update delivered count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("announcement %s: %w", id, ErrNotFound)
	}

	return nil
}
