package redis

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestDispatchGuard_FirstRequestReserves(t *testing.T) {
	client, _ := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())

	rec, err := guard.CheckOrReserve(context.Background(), "ann-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for new dispatch, got: %+v", rec)
	}
}

func TestDispatchGuard_ConcurrentDuplicate(t *testing.T) {
	client, _ := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())
	ctx := context.Background()

	if _, err := guard.CheckOrReserve(ctx, "ann-1", ""); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}

	if _, err := guard.CheckOrReserve(ctx, "ann-1", ""); !errors.Is(err, ErrDuplicateDispatch) {
		t.Fatalf("expected ErrDuplicateDispatch, got: %v", err)
	}
}

func TestDispatchGuard_ReturnsStoredRecord(t *testing.T) {
	client, _ := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())
	ctx := context.Background()

	if _, err := guard.CheckOrReserve(ctx, "ann-1", "req-7"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := guard.Store(ctx, "ann-1", "req-7", &DispatchRecord{
		AnnouncementID: "ann-1",
		Status:         "queued",
		Recipients:     250,
		StatusCode:     202,
	}, DispatchTTLExplicit); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	rec, err := guard.CheckOrReserve(ctx, "ann-1", "req-7")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if rec == nil || rec.Status != "queued" || rec.Recipients != 250 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.CreatedAt == 0 {
		t.Error("CreatedAt should be stamped on store")
	}
}

func TestDispatchGuard_KeysScopedPerAnnouncement(t *testing.T) {
	client, _ := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())
	ctx := context.Background()

	if _, err := guard.CheckOrReserve(ctx, "ann-1", "same-key"); err != nil {
		t.Fatalf("ann-1 failed: %v", err)
	}

	rec, err := guard.CheckOrReserve(ctx, "ann-2", "same-key")
	if err != nil {
		t.Fatalf("ann-2 should not collide: %v", err)
	}
	if rec != nil {
		t.Fatal("ann-2 should be a new dispatch")
	}
}

func TestDispatchGuard_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())
	ctx := context.Background()

	guard.CheckOrReserve(ctx, "ann-1", "")
	if err := guard.Release(ctx, "ann-1", ""); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, err := guard.CheckOrReserve(ctx, "ann-1", ""); err != nil {
		t.Fatalf("dispatch after release should succeed: %v", err)
	}
}

func TestDispatchGuard_LockExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())
	ctx := context.Background()

	guard.CheckOrReserve(ctx, "ann-1", "")
	mr.FastForward(lockTTL + 1)

	if _, err := guard.CheckOrReserve(ctx, "ann-1", ""); err != nil {
		t.Fatalf("expired lock should not block: %v", err)
	}
}

func TestDispatchGuard_CorruptRecord(t *testing.T) {
	client, mr := setupTestRedis(t)
	guard := NewDispatchGuard(client, zap.NewNop())

	mr.Set("dispatch:ann-1:default", "{not json")

	if _, err := guard.Check(context.Background(), "ann-1", ""); err == nil {
		t.Fatal("expected error for corrupt record")
	}
}
