package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRecipientOutcome(t *testing.T) {
	before := testutil.ToFloat64(recipientsProcessed.WithLabelValues("sent"))
	RecordRecipientOutcome("sent")
	RecordRecipientOutcome("sent")
	RecordRecipientOutcome("failed")

	if got := testutil.ToFloat64(recipientsProcessed.WithLabelValues("sent")) - before; got != 2 {
		t.Errorf("sent outcomes = %v, want 2", got)
	}
}

func TestRecordMulticast(t *testing.T) {
	calls := testutil.ToFloat64(multicastCalls)
	success := testutil.ToFloat64(pushTokens.WithLabelValues("success"))
	failure := testutil.ToFloat64(pushTokens.WithLabelValues("failure"))

	RecordMulticast(98, 2)

	if got := testutil.ToFloat64(multicastCalls) - calls; got != 1 {
		t.Errorf("multicast calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pushTokens.WithLabelValues("success")) - success; got != 98 {
		t.Errorf("success tokens = %v, want 98", got)
	}
	if got := testutil.ToFloat64(pushTokens.WithLabelValues("failure")) - failure; got != 2 {
		t.Errorf("failed tokens = %v, want 2", got)
	}
}

func TestRecordMulticastError(t *testing.T) {
	errored := testutil.ToFloat64(pushTokens.WithLabelValues("error"))
	RecordMulticastError(50)
	if got := testutil.ToFloat64(pushTokens.WithLabelValues("error")) - errored; got != 50 {
		t.Errorf("errored tokens = %v, want 50", got)
	}
}

func TestRecordTokensInvalidated(t *testing.T) {
	before := testutil.ToFloat64(tokensInvalidated)
	RecordTokensInvalidated(3)
	if got := testutil.ToFloat64(tokensInvalidated) - before; got != 3 {
		t.Errorf("invalidated = %v, want 3", got)
	}
}

func TestRecordChannelSend(t *testing.T) {
	before := testutil.ToFloat64(channelSends.WithLabelValues("email", "failure"))
	RecordChannelSend("email", false)
	RecordChannelSend("email", true)
	if got := testutil.ToFloat64(channelSends.WithLabelValues("email", "failure")) - before; got != 1 {
		t.Errorf("email failures = %v, want 1", got)
	}
}

func TestRecordBatchDurationAndDispatch(t *testing.T) {
	RecordBatchDuration(120 * time.Millisecond)
	RecordAnnouncementDispatched("critical")
	RecordIdempotencyHit()
	RecordRateLimitRejection("ip:127.0.0.1")
	SetDBConnections(4)
	SetCircuitState("push", 1)

	if got := testutil.ToFloat64(dbConnectionsActive); got != 4 {
		t.Errorf("db connections = %v, want 4", got)
	}
	if got := testutil.ToFloat64(circuitState.WithLabelValues("push")); got != 1 {
		t.Errorf("circuit state = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	RecordRequest("GET", "/health", 200, 2*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "herald_http_requests_total") {
		t.Error("metrics response should expose herald_http_requests_total")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
