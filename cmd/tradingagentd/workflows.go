package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"goa.design/clue/log"

	"github.com/jgilcrest/tradingagent/iterloop"
	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/persistence/postgres"
	"github.com/jgilcrest/tradingagent/planner"
)

// workflowDeps wires the planner and the outer convergence driver behind
// POST /workflows: submit a TodoList document, drive it to convergence, and
// return the resulting iteration report synchronously. store is nil unless
// POSTGRES_DSN was configured, in which case the iteration report is
// mirrored there for crash recovery.
type workflowDeps struct {
	orch   *orchestrator.Orchestrator
	driver *iterloop.Driver
	store  *postgres.Store
}

// passthroughFixtures resolves a fixture_ref as already being the artifact
// path a Runner can read directly — this process does not itself proxy to
// an external fixture catalog.
func passthroughFixtures(_ context.Context, ref string) (string, error) {
	return ref, nil
}

// handleListRecentWorkflows serves the ops-facing "what has this engine been
// doing lately" view over the optional Postgres mirror. It reports 501 when
// no store is configured rather than silently returning an empty list.
func (d workflowDeps) handleListRecentWorkflows(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		http.Error(w, "persistence is not configured", http.StatusNotImplemented)
		return
	}
	rows, err := d.store.ListRecentWorkflowSnapshots(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (d workflowDeps) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	workflowID, err := planner.Load(r.Context(), d.orch, body, passthroughFixtures)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, runErr := d.driver.Run(r.Context(), workflowID)
	if d.store != nil {
		if err := d.store.SaveWorkflowSnapshot(r.Context(), workflowID, report); err != nil {
			log.Printf(r.Context(), "save workflow snapshot %s: %v", workflowID, err)
		}
	}
	if runErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
