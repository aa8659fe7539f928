package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetPreferences retrieves a user's notification preferences.
// Returns ErrNotFound when the user has never saved any.
func (r *Repository) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	query := `
		SELECT
			user_id, email_notifications, push_notifications, in_app_notifications,
			sms_notifications, receive_info, receive_success, receive_warning,
			receive_critical, quiet_hours_enabled, quiet_hours_start, quiet_hours_end,
			timezone, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p Preferences
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.EmailNotifications,
		&p.PushNotifications,
		&p.InAppNotifications,
		&p.SMSNotifications,
		&p.ReceiveInfo,
		&p.ReceiveSuccess,
		&p.ReceiveWarning,
		&p.ReceiveCritical,
		&p.QuietHoursEnabled,
		&p.QuietHoursStart,
		&p.QuietHoursEnd,
		&p.Timezone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preferences for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return &p, nil
}

// UpsertPreferences inserts or replaces a user's preferences.
func (r *Repository) UpsertPreferences(ctx context.Context, p *Preferences) error {
	query := `
		INSERT INTO notification_preferences (
			user_id, email_notifications, push_notifications, in_app_notifications,
			sms_notifications, receive_info, receive_success, receive_warning,
			receive_critical, quiet_hours_enabled, quiet_hours_start, quiet_hours_end,
			timezone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id) DO UPDATE SET
			email_notifications  = EXCLUDED.email_notifications,
			push_notifications   = EXCLUDED.push_notifications,
			in_app_notifications = EXCLUDED.in_app_notifications,
			sms_notifications    = EXCLUDED.sms_notifications,
			receive_info         = EXCLUDED.receive_info,
			receive_success      = EXCLUDED.receive_success,
			receive_warning      = EXCLUDED.receive_warning,
			receive_critical     = EXCLUDED.receive_critical,
			quiet_hours_enabled  = EXCLUDED.quiet_hours_enabled,
			quiet_hours_start    = EXCLUDED.quiet_hours_start,
			quiet_hours_end      = EXCLUDED.quiet_hours_end,
			timezone             = EXCLUDED.timezone,
			updated_at           = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.UserID,
		p.EmailNotifications,
		p.PushNotifications,
		p.InAppNotifications,
		p.SMSNotifications,
		p.ReceiveInfo,
		p.ReceiveSuccess,
		p.ReceiveWarning,
		p.ReceiveCritical,
		p.QuietHoursEnabled,
		p.QuietHoursStart,
		p.QuietHoursEnd,
		p.Timezone,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}

	return nil
}
