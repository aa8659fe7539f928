package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// DefaultPreferenceTTL is used when NewPreferenceCache gets a zero TTL.
const DefaultPreferenceTTL = 5 * time.Minute

// PreferenceSource is the backing store behind the cache.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (*db.Preferences, error)
	UpsertPreferences(ctx context.Context, p *db.Preferences) error
}

// PreferenceCache is a read-through cache in front of the preferences
// table. Redis errors fall through to the source; only successful reads
// are cached.
type PreferenceCache struct {
	client *Client
	source PreferenceSource
	ttl    time.Duration
	logger *zap.Logger
}

// NewPreferenceCache wraps source with a Redis cache.
func NewPreferenceCache(client *Client, source PreferenceSource, ttl time.Duration, logger *zap.Logger) *PreferenceCache {
	if ttl <= 0 {
		ttl = DefaultPreferenceTTL
	}
	return &PreferenceCache{
		client: client,
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

func preferenceKey(userID string) string {
	return "prefs:" + userID
}

// GetPreferences returns cached preferences or loads them from the source.
func (c *PreferenceCache) GetPreferences(ctx context.Context, userID string) (*db.Preferences, error) {
	key := preferenceKey(userID)

	raw, err := c.client.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p db.Preferences
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
		c.logger.Warn("dropping corrupt cached preferences", zap.String("user_id", userID))
		c.client.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("preference cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	p, err := c.source.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("preference cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return p, nil
}

// UpsertPreferences writes through to the source and evicts the cache entry.
func (c *PreferenceCache) UpsertPreferences(ctx context.Context, p *db.Preferences) error {
	if err := c.source.UpsertPreferences(ctx, p); err != nil {
		return err
	}
	if err := c.client.rdb.Del(ctx, preferenceKey(p.UserID)).Err(); err != nil {
		c.logger.Warn("preference cache evict failed", zap.String("user_id", p.UserID), zap.Error(err))
	}
	return nil
}
