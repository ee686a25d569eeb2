package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers *circuitbreaker.Registry
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. breakers may be nil.
func NewHealthHandler(service, version string, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{
		service:  service,
		version:  version,
		checks:   make(map[string]Check),
		breakers: breakers,
		timeout:  2 * time.Second,
	}
}

// AddCheck registers a readiness probe
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	})
}

type readiness struct {
	Status   string                        `json:"status"`
	Checks   map[string]string             `json:"checks"`
	Breakers []circuitbreaker.HealthStatus `json:"circuit_breakers,omitempty"`
}

// Ready handles GET /ready. A failed probe makes the service not ready. Open
// breakers are reported without failing readiness since the service still
// answers with degraded responses.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	out := readiness{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			out.Checks[name] = err.Error()
			out.Status = "not ready"
			code = http.StatusServiceUnavailable
			continue
		}
		out.Checks[name] = "ok"
	}
	if h.breakers != nil {
		out.Breakers = h.breakers.Health()
	}
	respondJSON(w, code, out)
}
