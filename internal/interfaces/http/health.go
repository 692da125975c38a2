package http

import (
	"context"
	"net/http"
	"time"

	"jaspire/internal/domain/linking"
)

// HealthHandler serves liveness and per-provider credential diagnostics.
// Neither endpoint touches session or account state.
type HealthHandler struct {
	diagnostics *linking.Diagnostics
	ping        func(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. ping checks the backing store
// and may be nil.
func NewHealthHandler(diagnostics *linking.Diagnostics, ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{diagnostics: diagnostics, ping: ping}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Time   string `json:"time"`
}

// HandleHealth reports process and store liveness.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok", Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// HandleProvider validates one provider's server-held credentials. Secrets in
// the response are masked.
func (h *HealthHandler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := linking.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}

	report, err := h.diagnostics.Check(r.Context(), provider)
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
