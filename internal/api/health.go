package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// HealthHandler serves /health. A failing check turns the response into a
// 503; an open breaker is reported but does not.
func HealthHandler(checks map[string]Pinger, breakers ...*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK

		for name, p := range checks {
			if p == nil {
				continue
			}
			if err := p.Health(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		for _, cb := range breakers {
			if cb != nil {
				resp.Breakers = append(resp.Breakers, cb.Stats())
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
