package notify

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

func TestRegisterTokenIdempotent(t *testing.T) {
	store := newMemStore()
	reg := NewTokenRegistry(store, zap.NewNop())
	ctx := context.Background()

	if _, err := reg.RegisterToken(ctx, "u1", "tok-a", db.DeviceAndroid, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := reg.RegisterToken(ctx, "u1", "tok-a", db.DeviceAndroid, map[string]string{"model": "Pixel 8"}); err != nil {
		t.Fatalf("second register: %v", err)
	}

	if len(store.tokens) != 1 {
		t.Fatalf("expected exactly one token record, got %d", len(store.tokens))
	}
	tokens, _ := reg.ActiveTokens(ctx, "u1")
	if len(tokens) != 1 || tokens[0] != "tok-a" {
		t.Errorf("active tokens = %v, want [tok-a]", tokens)
	}
	if got := string(store.tokens["tok-a"].DeviceInfo); got != `{"model":"Pixel 8"}` {
		t.Errorf("device info = %s, want updated info", got)
	}
}

func TestRegisterTokenReactivates(t *testing.T) {
	store := newMemStore()
	reg := NewTokenRegistry(store, zap.NewNop())
	ctx := context.Background()

	reg.RegisterToken(ctx, "u1", "tok-a", db.DeviceIOS, nil)
	if err := reg.InvalidateTokens(ctx, []string{"tok-a"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if store.isActive("tok-a") {
		t.Fatal("token should be inactive after invalidation")
	}

	reg.RegisterToken(ctx, "u1", "tok-a", db.DeviceIOS, nil)
	if !store.isActive("tok-a") {
		t.Error("re-registering should reactivate the token")
	}
}

func TestRegisterTokenKeepsOwner(t *testing.T) {
	store := newMemStore()
	reg := NewTokenRegistry(store, zap.NewNop())
	ctx := context.Background()

	reg.RegisterToken(ctx, "u1", "tok-a", db.DeviceIOS, nil)
	rec, err := reg.RegisterToken(ctx, "u2", "tok-a", db.DeviceIOS, nil)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if rec.UserID != "u1" {
		t.Errorf("owner = %q, want u1", rec.UserID)
	}
	if tokens, _ := reg.ActiveTokens(ctx, "u2"); len(tokens) != 0 {
		t.Errorf("u2 active tokens = %v, want none", tokens)
	}
	if tokens, _ := reg.ActiveTokens(ctx, "u1"); len(tokens) != 1 {
		t.Errorf("u1 active tokens = %v, want [tok-a]", tokens)
	}
}

func TestRegisterTokenValidation(t *testing.T) {
	reg := NewTokenRegistry(newMemStore(), zap.NewNop())

	tests := []struct {
		name   string
		userID string
		token  string
	}{
		{"empty token", "u1", ""},
		{"blank token", "u1", "   "},
		{"empty user", "", "tok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.RegisterToken(context.Background(), tt.userID, tt.token, db.DeviceWeb, nil)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestRegisterTokenNormalizesDeviceType(t *testing.T) {
	reg := NewTokenRegistry(newMemStore(), zap.NewNop())
	rec, err := reg.RegisterToken(context.Background(), "u1", "tok", "blackberry", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.DeviceType != db.DeviceUnknown {
		t.Errorf("device type = %q, want %q", rec.DeviceType, db.DeviceUnknown)
	}
}

func TestInvalidateTokensSkipsUnknown(t *testing.T) {
	store := newMemStore()
	store.addToken("u1", "tok-a")
	store.addToken("u1", "tok-b")
	reg := NewTokenRegistry(store, zap.NewNop())

	err := reg.InvalidateTokens(context.Background(), []string{"tok-a", "tok-a", "", "ghost"})
	if err != nil {
		t.Fatalf("unknown tokens must not error: %v", err)
	}
	if store.isActive("tok-a") {
		t.Error("tok-a should be inactive")
	}
	if !store.isActive("tok-b") {
		t.Error("tok-b should stay active")
	}
}
