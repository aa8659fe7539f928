package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const tokenColumns = `id, token, user_id, device_type, is_active, last_used, device_info, created_at, updated_at`

func scanToken(row pgx.Row, t *DeviceToken, extra ...any) error {
	dest := []any{
		&t.ID,
		&t.Token,
		&t.UserID,
		&t.DeviceType,
		&t.IsActive,
		&t.LastUsed,
		&t.DeviceInfo,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

// UpsertToken registers a device token by value. An existing row is
// reactivated with a fresh last_used and device_info; otherwise a new row
// is inserted. Reports whether the row was created.
func (r *Repository) UpsertToken(ctx context.Context, t *DeviceToken) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if len(t.DeviceInfo) == 0 {
		t.DeviceInfo = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO device_tokens (id, token, user_id, device_type, is_active, last_used, device_info)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
		ON CONFLICT (token) DO UPDATE SET
			is_active   = TRUE,
			last_used   = EXCLUDED.last_used,
			device_info = EXCLUDED.device_info,
			updated_at  = NOW()
		RETURNING ` + tokenColumns + `, (xmax = 0) AS inserted
	`

	var created bool
	err := scanToken(r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.Token,
		t.UserID,
		t.DeviceType,
		t.LastUsed,
		t.DeviceInfo,
	), t, &created)
	if err != nil {
		return false, fmt.Errorf("upsert device token: %w", err)
	}

	return created, nil
}

// GetTokenByValue looks up a device token record by its token string.
func (r *Repository) GetTokenByValue(ctx context.Context, token string) (*DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE token = $1`

	var t DeviceToken
	err := scanToken(r.db.Pool().QueryRow(ctx, query, token), &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query device token: %w", err)
	}

	return &t, nil
}

// ListActiveTokens returns the active token strings owned by a user.
func (r *Repository) ListActiveTokens(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT token
		FROM device_tokens
		WHERE user_id = $1 AND is_active
		ORDER BY last_used DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query active tokens: %w", err)
	}

	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan active tokens: %w", err)
	}

	return tokens, nil
}

// DeactivateTokens flags every listed token inactive in one batched
// transaction. Tokens with no matching row are skipped. Returns the number
// of rows updated.
func (r *Repository) DeactivateTokens(ctx context.Context, tokens []string, at time.Time) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, token := range tokens {
		batch.Queue(`UPDATE device_tokens SET is_active = FALSE, updated_at = $1 WHERE token = $2`, at, token)
	}

	results := tx.SendBatch(ctx, batch)
	updated := 0
	for range tokens {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("deactivate token: %w", err)
		}
		updated += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("device tokens deactivated",
		zap.Int("requested", len(tokens)),
		zap.Int("updated", updated),
	)

	return updated, nil
}
