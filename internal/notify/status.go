package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// DeliveryRepository persists delivery records.
type DeliveryRepository interface {
	UpsertDelivery(ctx context.Context, d *db.DeliveryRecord) error
	GetDelivery(ctx context.Context, announcementID, userID string) (*db.DeliveryRecord, error)
	ListDeliveriesByUser(ctx context.Context, userID string, limit, offset int) ([]*db.DeliveryRecord, error)
}

// StatusTracker records per-recipient delivery state.
type StatusTracker struct {
	repo   DeliveryRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewStatusTracker creates a tracker over repo.
func NewStatusTracker(repo DeliveryRepository, logger *zap.Logger) *StatusTracker {
	return &StatusTracker{repo: repo, logger: logger, now: time.Now}
}

// UpsertStatus writes status for the pair, creating the record if absent,
// and stamps the timestamp field matching status. Last write wins.
func (s *StatusTracker) UpsertStatus(ctx context.Context, announcementID, userID string, status db.DeliveryStatus, at time.Time, errMsg *string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrTransition, status)
	}

	rec := &db.DeliveryRecord{
		AnnouncementID: announcementID,
		UserID:         userID,
		Status:         status,
		ErrorMessage:   errMsg,
	}
	switch status {
	case db.StatusSent:
		rec.SentAt = &at
	case db.StatusDelivered:
		rec.DeliveredAt = &at
	case db.StatusFailed:
		rec.FailedAt = &at
	case db.StatusRead:
		rec.ReadAt = &at
	}

	if err := s.repo.UpsertDelivery(ctx, rec); err != nil {
		return fmt.Errorf("upsert status %s: %w", status, err)
	}
	return nil
}

// MarkRead moves the user's record for an announcement to read.
// Returns db.ErrNotFound when no record exists and ErrTransition when
// the record is already terminal.
func (s *StatusTracker) MarkRead(ctx context.Context, announcementID, userID string) (*db.DeliveryRecord, error) {
	rec, err := s.repo.GetDelivery(ctx, announcementID, userID)
	if err != nil {
		return nil, err
	}
	if !db.CanTransition(rec.Status, db.StatusRead) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransition, rec.Status, db.StatusRead)
	}
	if rec.Status == db.StatusRead {
		return rec, nil
	}

	at := s.now()
	rec.Status = db.StatusRead
	rec.ReadAt = &at
	if err := s.repo.UpsertDelivery(ctx, rec); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return rec, nil
}

// Inbox lists the user's delivery records, newest first.
func (s *StatusTracker) Inbox(ctx context.Context, userID string, limit, offset int) ([]*db.DeliveryRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := s.repo.ListDeliveriesByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return recs, nil
}

// AnnouncementRepository persists announcement counters.
type AnnouncementRepository interface {
	UpdateDeliveredCount(ctx context.Context, id string, count int, at time.Time) error
}

// Analytics writes dispatch totals back onto the announcement.
type Analytics struct {
	repo AnnouncementRepository
	now  func() time.Time
}

// NewAnalytics creates an aggregator over repo.
func NewAnalytics(repo AnnouncementRepository) *Analytics {
	return &Analytics{repo: repo, now: time.Now}
}

// RecordDelivery sets the announcement's delivered count to sent. Failed
// recipients are not counted.
func (a *Analytics) RecordDelivery(ctx context.Context, announcementID string, sent int) error {
	if err := a.repo.UpdateDeliveredCount(ctx, announcementID, sent, a.now()); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}
