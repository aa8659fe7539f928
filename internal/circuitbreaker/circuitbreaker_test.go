package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notify"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *testClock) {
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("push"))
	if cb.GetState() != StateClosed {
		t.Errorf("expected closed, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("closed breaker should allow")
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "push", MaxFailures: 3, RecoveryTimeout: time.Second})

	fail(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.GetState())
	}

	fail(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open breaker should reject")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		probeErr  bool
		wantState State
	}{
		{"successful probe closes", false, StateClosed},
		{"failed probe reopens", true, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "push", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			fail(cb, 2)

			clock.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a probe after recovery timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("half-open should allow only one probe")
			}

			if tt.probeErr {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			if cb.GetState() != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "push", MaxFailures: 3})

	fail(cb, 2)
	cb.RecordSuccess()
	fail(cb, 2)

	if cb.GetState() != StateClosed {
		t.Errorf("failures are consecutive only, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "push", MaxFailures: 2, RecoveryTimeout: time.Minute})
	fail(cb, 2)
	cb.Allow()

	s := cb.Stats()
	if s.State != "open" || s.TotalFailures != 2 || s.TotalRejected != 1 || s.TotalRequests != 3 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.LastFailure == "" {
		t.Error("last failure should be set")
	}

	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Error("reset should close the breaker")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

type stubMessenger struct {
	calls int
	err   error
}

func (m *stubMessenger) SendMulticast(_ context.Context, tokens []string, _ notify.PushMessage) ([]notify.SendResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	resp := make([]notify.SendResponse, len(tokens))
	for i := range resp {
		resp[i].Success = i%2 == 0
	}
	return resp, nil
}

func TestProtectedMessenger_PassesThrough(t *testing.T) {
	stub := &stubMessenger{}
	cb, _ := newTestBreaker(DefaultConfig("push"))
	pm := NewProtectedMessenger(stub, cb, zap.NewNop())

	resp, err := pm.SendMulticast(context.Background(), []string{"a", "b"}, notify.PushMessage{Title: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp) != 2 || stub.calls != 1 {
		t.Errorf("resp = %v, calls = %d", resp, stub.calls)
	}
	if cb.Stats().TotalFailures != 0 {
		t.Error("token rejections must not count as breaker failures")
	}
}

func TestProtectedMessenger_FailsFastWhenOpen(t *testing.T) {
	stub := &stubMessenger{err: errors.New("503 service unavailable")}
	cb, _ := newTestBreaker(Config{Name: "push", MaxFailures: 2, RecoveryTimeout: time.Minute})
	pm := NewProtectedMessenger(stub, cb, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := pm.SendMulticast(ctx, []string{"a"}, notify.PushMessage{}); err == nil {
			t.Fatal("expected provider error")
		}
	}

	_, err := pm.SendMulticast(ctx, []string{"a"}, notify.PushMessage{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("provider should not be called while open, calls = %d", stub.calls)
	}
	if pm.Breaker() != cb {
		t.Error("Breaker() should return the wrapped breaker")
	}
}
