package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DispatchTTL covers dispatch requests without an Idempotency-Key
	// header; it only absorbs client retries.
	DispatchTTL = 5 * time.Minute
	// DispatchTTLExplicit covers client-provided keys.
	DispatchTTLExplicit = 24 * time.Hour

	// lockTTL bounds how long a crashed dispatcher can hold the lock.
	lockTTL = 10 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateDispatch means a dispatch with the same key is still running.
var ErrDuplicateDispatch = errors.New("duplicate dispatch: announcement is already being dispatched")

// DispatchRecord is the cached response for an accepted dispatch.
type DispatchRecord struct {
	AnnouncementID string `json:"announcement_id"`
	Status         string `json:"status"`
	Recipients     int    `json:"recipients"`
	Sent           int    `json:"sent,omitempty"`
	Failed         int    `json:"failed,omitempty"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// DispatchGuard stops the same announcement dispatch from running twice.
type DispatchGuard struct {
	client *Client
	logger *zap.Logger
}

// NewDispatchGuard creates a dispatch guard.
func NewDispatchGuard(client *Client, logger *zap.Logger) *DispatchGuard {
	return &DispatchGuard{
		client: client,
		logger: logger,
	}
}

// buildKey scopes idempotency keys per announcement. An empty key
// guards the announcement as a whole.
func (g *DispatchGuard) buildKey(announcementID, idempotencyKey string) string {
	if idempotencyKey == "" {
		idempotencyKey = "default"
	}
	return fmt.Sprintf("dispatch:%s:%s", announcementID, idempotencyKey)
}

// Check returns the cached record for a key. It returns (nil, nil) when
// the key is unknown and ErrDuplicateDispatch while the key is locked.
func (g *DispatchGuard) Check(ctx context.Context, announcementID, idempotencyKey string) (*DispatchRecord, error) {
	key := g.buildKey(announcementID, idempotencyKey)

	val, err := g.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateDispatch
	}

	var rec DispatchRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		g.logger.Error("failed to unmarshal dispatch record", zap.Error(err))
		return nil, fmt.Errorf("invalid cached record: %w", err)
	}

	g.logger.Debug("dispatch idempotency hit",
		zap.String("announcement_id", announcementID),
		zap.String("status", rec.Status),
	)

	return &rec, nil
}

// Store replaces the lock with the dispatch record.
func (g *DispatchGuard) Store(ctx context.Context, announcementID, idempotencyKey string, rec *DispatchRecord, ttl time.Duration) error {
	key := g.buildKey(announcementID, idempotencyKey)

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := g.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve takes the lock with SET NX. It reports false when the key
// already exists.
func (g *DispatchGuard) Reserve(ctx context.Context, announcementID, idempotencyKey string) (bool, error) {
	key := g.buildKey(announcementID, idempotencyKey)

	set, err := g.client.rdb.SetNX(ctx, key, processingMarker, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a key so the dispatch can be retried, e.g. after the job
// could not be enqueued.
func (g *DispatchGuard) Release(ctx context.Context, announcementID, idempotencyKey string) error {
	if err := g.client.rdb.Del(ctx, g.buildKey(announcementID, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached record if one exists, otherwise takes
// the lock and returns nil. A held lock yields ErrDuplicateDispatch.
func (g *DispatchGuard) CheckOrReserve(ctx context.Context, announcementID, idempotencyKey string) (*DispatchRecord, error) {
	rec, err := g.Check(ctx, announcementID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	reserved, err := g.Reserve(ctx, announcementID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateDispatch
	}

	return nil, nil
}
