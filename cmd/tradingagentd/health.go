package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/router"
)

// healthDeps is the set of already-running components the health endpoint
// reports on. It is read-only from the handler's point of view.
type healthDeps struct {
	rtr *router.Router
	bus eventbus.Bus
}

// keyHealthView is the JSON shape of one key in the health response.
type keyHealthView struct {
	ID           string `json:"id"`
	Healthy      bool   `json:"healthy"`
	RPMRemaining int    `json:"rpm_remaining"`
	TPMRemaining int    `json:"tpm_remaining"`
}

// healthResponse is the health endpoint snapshot: an overall status plus
// per-key health from the router's key manager. Status is "degraded" (with
// HTTP 503) when keys are configured and none is healthy. Bus connectivity
// is not reported; handleHealthz does not consult healthDeps.bus.
type healthResponse struct {
	Status string          `json:"status"`
	Keys   []keyHealthView `json:"keys"`
}

func newHTTPRouter(health healthDeps, workflows workflowDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/healthz", health.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/workflows", workflows.handleSubmitWorkflow)
	r.Get("/workflows/recent", workflows.handleListRecentWorkflows)
	return r
}

func (d healthDeps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := d.rtr.Health()

	resp := healthResponse{Status: "ok"}
	anyHealthy := len(snap.Keys) == 0
	for _, k := range snap.Keys {
		resp.Keys = append(resp.Keys, keyHealthView{
			ID:           k.ID,
			Healthy:      k.Healthy,
			RPMRemaining: k.RPMRemaining,
			TPMRemaining: k.TPMRemaining,
		})
		if k.Healthy {
			anyHealthy = true
		}
	}
	if !anyHealthy {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
