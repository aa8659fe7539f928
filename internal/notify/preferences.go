package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// DefaultTimezone is used when a user has no stored preference and the
// store was built without an explicit platform timezone.
const DefaultTimezone = "Asia/Kolkata"

// PreferenceRepository is the persistence side of the preference adapter.
// GetPreferences returns an error wrapping db.ErrNotFound for unknown users.
type PreferenceRepository interface {
	GetPreferences(ctx context.Context, userID string) (*db.Preferences, error)
	UpsertPreferences(ctx context.Context, p *db.Preferences) error
}

// DefaultPreferences returns the settings applied to users who never saved
// any: every channel and type enabled, quiet hours off.
func DefaultPreferences(userID, timezone string) *db.Preferences {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	return &db.Preferences{
		UserID:             userID,
		EmailNotifications: true,
		PushNotifications:  true,
		InAppNotifications: true,
		SMSNotifications:   true,
		ReceiveInfo:        true,
		ReceiveSuccess:     true,
		ReceiveWarning:     true,
		ReceiveCritical:    true,
		QuietHoursEnabled:  false,
		QuietHoursStart:    "22:00",
		QuietHoursEnd:      "07:00",
		Timezone:           timezone,
	}
}

// PreferenceStore loads preferences for the engine. Lookups never fail:
// read errors and missing rows both resolve to DefaultPreferences.
type PreferenceStore struct {
	repo     PreferenceRepository
	timezone string
	logger   *zap.Logger
}

// NewPreferenceStore creates a preference adapter. timezone is the platform
// default stamped on fallback preferences.
func NewPreferenceStore(repo PreferenceRepository, timezone string, logger *zap.Logger) *PreferenceStore {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	return &PreferenceStore{
		repo:     repo,
		timezone: timezone,
		logger:   logger,
	}
}

// GetPreferences returns the user's stored preferences or the defaults.
// Missing rows are created lazily with the defaults; a failed write is
// only logged.
func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) *db.Preferences {
	prefs, err := s.repo.GetPreferences(ctx, userID)
	if err == nil && prefs != nil {
		return prefs
	}

	defaults := DefaultPreferences(userID, s.timezone)

	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logger.Warn("preference load failed, using defaults",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return defaults
	}

	if err := s.repo.UpsertPreferences(ctx, defaults); err != nil {
		s.logger.Warn("failed to persist default preferences",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	return defaults
}

// SavePreferences validates and stores preferences from the settings surface.
func (s *PreferenceStore) SavePreferences(ctx context.Context, p *db.Preferences) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidPreferences)
	}
	if p.Timezone == "" {
		p.Timezone = s.timezone
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidPreferences, p.Timezone)
	}
	if _, err := parseClock(p.QuietHoursStart); err != nil {
		return fmt.Errorf("%w: quiet_hours_start: %v", ErrInvalidPreferences, err)
	}
	if _, err := parseClock(p.QuietHoursEnd); err != nil {
		return fmt.Errorf("%w: quiet_hours_end: %v", ErrInvalidPreferences, err)
	}

	if err := s.repo.UpsertPreferences(ctx, p); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}
