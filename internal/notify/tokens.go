package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// TokenRepository persists device tokens.
type TokenRepository interface {
	// UpsertToken reactivates the row matching t.Token or inserts t.
	UpsertToken(ctx context.Context, t *db.DeviceToken) (created bool, err error)
	ListActiveTokens(ctx context.Context, userID string) ([]string, error)
	// DeactivateTokens flags tokens inactive in one batched write and
	// returns how many rows matched.
	DeactivateTokens(ctx context.Context, tokens []string, at time.Time) (int, error)
}

// TokenRegistry manages device-token records.
type TokenRegistry struct {
	repo   TokenRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenRegistry creates a registry over repo.
func NewTokenRegistry(repo TokenRepository, logger *zap.Logger) *TokenRegistry {
	return &TokenRegistry{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// RegisterToken upserts a token by value: a known token is reactivated with
// a new last-used time and device info, an unknown one is created.
// Registering the same token twice leaves exactly one active record.
func (r *TokenRegistry) RegisterToken(ctx context.Context, userID, token, deviceType string, deviceInfo map[string]string) (*db.DeviceToken, error) {
	token = strings.TrimSpace(token)
	if token == "" || userID == "" {
		return nil, fmt.Errorf("%w: user_id and token are required", ErrInvalidToken)
	}

	switch deviceType {
	case db.DeviceAndroid, db.DeviceIOS, db.DeviceWeb:
	default:
		deviceType = db.DeviceUnknown
	}

	info := json.RawMessage(`{}`)
	if len(deviceInfo) > 0 {
		b, err := json.Marshal(deviceInfo)
		if err != nil {
			return nil, fmt.Errorf("encode device info: %w", err)
		}
		info = b
	}

	rec := &db.DeviceToken{
		Token:      token,
		UserID:     userID,
		DeviceType: deviceType,
		IsActive:   true,
		LastUsed:   r.now(),
		DeviceInfo: info,
	}

	created, err := r.repo.UpsertToken(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("register token: %w", err)
	}

	r.logger.Info("device token registered",
		zap.String("user_id", userID),
		zap.String("device_type", deviceType),
		zap.Bool("created", created),
	)

	return rec, nil
}

// ActiveTokens returns the user's active token strings.
func (r *TokenRegistry) ActiveTokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := r.repo.ListActiveTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	return tokens, nil
}

// InvalidateTokens soft-invalidates tokens the push provider rejected.
// Duplicates and blanks are dropped; unknown tokens are skipped silently.
func (r *TokenRegistry) InvalidateTokens(ctx context.Context, tokens []string) error {
	unique := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	if len(unique) == 0 {
		return nil
	}

	updated, err := r.repo.DeactivateTokens(ctx, unique, r.now())
	if err != nil {
		return fmt.Errorf("invalidate tokens: %w", err)
	}

	metrics.RecordTokensInvalidated(updated)
	r.logger.Info("device tokens invalidated",
		zap.Int("requested", len(unique)),
		zap.Int("updated", updated),
	)

	return nil
}
