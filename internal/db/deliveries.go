package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `
	announcement_id, user_id, status, error_message,
	sent_at, delivered_at, failed_at, read_at, created_at, updated_at`

func scanDelivery(row pgx.Row, d *DeliveryRecord) error {
	return row.Scan(
		&d.AnnouncementID,
		&d.UserID,
		&d.Status,
		&d.ErrorMessage,
		&d.SentAt,
		&d.DeliveredAt,
		&d.FailedAt,
		&d.ReadAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
}

// UpsertDelivery writes the status of one (announcement, user) pair,
// creating the row when absent. Timestamp columns left nil on d keep
// their stored value. Last write wins.
func (r *Repository) UpsertDelivery(ctx context.Context, d *DeliveryRecord) error {
	query := `
		INSERT INTO user_notifications (
			announcement_id, user_id, status, error_message,
			sent_at, delivered_at, failed_at, read_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (announcement_id, user_id) DO UPDATE SET
			status        = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			sent_at       = COALESCE(EXCLUDED.sent_at, user_notifications.sent_at),
			delivered_at  = COALESCE(EXCLUDED.delivered_at, user_notifications.delivered_at),
			failed_at     = COALESCE(EXCLUDED.failed_at, user_notifications.failed_at),
			read_at       = COALESCE(EXCLUDED.read_at, user_notifications.read_at),
			updated_at    = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.AnnouncementID,
		d.UserID,
		d.Status,
		d.ErrorMessage,
		d.SentAt,
		d.DeliveredAt,
		d.FailedAt,
		d.ReadAt,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert delivery: %w", err)
	}

	return nil
}

// GetDelivery retrieves the delivery record for an (announcement, user) pair.
func (r *Repository) GetDelivery(ctx context.Context, announcementID, userID string) (*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM user_notifications
		WHERE announcement_id = $1 AND user_id = $2
	`

	var d DeliveryRecord
	err := scanDelivery(r.db.Pool().QueryRow(ctx, query, announcementID, userID), &d)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s/%s: %w", announcementID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return &d, nil
}

// ListDeliveriesByUser returns a user's inbox, newest first.
func (r *Repository) ListDeliveriesByUser(ctx context.Context, userID string, limit, offset int) ([]*DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM user_notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var records []*DeliveryRecord
	for rows.Next() {
		var d DeliveryRecord
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}
