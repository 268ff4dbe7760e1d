package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"eligibility/pkg/platform/httputil"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Health serves the liveness and dependency probe.
type Health struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealth builds a probe over named dependency checks. Nil checks are
// skipped so optional dependencies can be passed unconditionally.
func NewHealth(checks map[string]HealthCheck) *Health {
	filtered := make(map[string]HealthCheck, len(checks))
	for name, c := range checks {
		if c != nil {
			filtered[name] = c
		}
	}
	return &Health{checks: filtered, timeout: 2 * time.Second}
}

func (h *Health) Register(r chi.Router) {
	r.Get("/health", h.HandleHealth)
}

// HandleHealth responds 200 when every dependency answers, 503 otherwise.
func (h *Health) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(names) > 0 {
		resp.Dependencies = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Dependencies[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Dependencies[name] = "ok"
	}
	httputil.WriteJSON(w, status, resp)
}
