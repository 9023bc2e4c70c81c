// Package observability is the thin ambient metrics layer named by
// spec.md §6 Observable outputs: Prometheus counters/gauges for key
// health and remaining RPM/TPM budget, branch depth, and completed/failed
// task and workflow counts. It is not part of the
// hard core — the Key Manager, Router, and Orchestrator already expose
// everything it reports via their own snapshot methods (keymanager.Health,
// orchestrator.Status), so this package only adapts those snapshots onto
// Prometheus collectors; no hard-core package imports it.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/orchestrator"
)

// Metrics holds every collector this layer registers.
type Metrics struct {
	keyHealthy      *prometheus.GaugeVec
	keyRPMRemaining *prometheus.GaugeVec
	keyTPMRemaining *prometheus.GaugeVec

	branchDepth         *prometheus.GaugeVec
	tasksCompletedTotal *prometheus.CounterVec
	tasksFailedTotal    *prometheus.CounterVec
	workflowsTotal      *prometheus.CounterVec
}

// New registers Metrics with the default Prometheus registry under
// namespace.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegistry registers Metrics with reg, so tests can use a scratch
// *prometheus.Registry instead of the global default and avoid duplicate-
// registration panics across test runs.
func NewWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promFactory{namespace: namespace, reg: reg}
	return &Metrics{
		keyHealthy: factory.gaugeVec("key_healthy", "1 if the key is marked healthy (cool-down not considered), 0 otherwise.", "key_id"),
		keyRPMRemaining: factory.gaugeVec("key_rpm_remaining", "Requests-per-minute budget remaining in the current window.", "key_id"),
		keyTPMRemaining: factory.gaugeVec("key_tpm_remaining", "Tokens-per-minute budget remaining in the current window.", "key_id"),

		branchDepth: factory.gaugeVec("workflow_branch_depth", "Current branch depth of a workflow.", "workflow_id"),
		tasksCompletedTotal: factory.counterVec("tasks_completed_total", "Tasks that reached the completed state.", "workflow_id", "agent_role"),
		tasksFailedTotal:    factory.counterVec("tasks_failed_total", "Tasks that reached the failed (non-branchable) state.", "workflow_id", "agent_role", "failure_class"),
		workflowsTotal:      factory.counterVec("workflows_total", "Workflow runs by terminal status.", "status"),
	}
}

type promFactory struct {
	namespace string
	reg       prometheus.Registerer
}

func (f promFactory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(v)
	return v
}

func (f promFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
	f.reg.MustRegister(v)
	return v
}

// ObserveKeySnapshot replaces the key-health/budget gauges with snap's
// current values. Call this after every keymanager.Manager.Health poll.
func (m *Metrics) ObserveKeySnapshot(snap keymanager.Snapshot) {
	for _, k := range snap.Keys {
		healthy := 0.0
		if k.Healthy {
			healthy = 1.0
		}
		m.keyHealthy.WithLabelValues(k.ID).Set(healthy)
		m.keyRPMRemaining.WithLabelValues(k.ID).Set(float64(k.RPMRemaining))
		m.keyTPMRemaining.WithLabelValues(k.ID).Set(float64(k.TPMRemaining))
	}
}

// ObserveWorkflowSnapshot updates branch depth and per-task-role completion
// counters from an orchestrator.StatusSnapshot. Counters are monotonic, so
// callers should only observe a given task's terminal state once; this
// package does not itself de-duplicate across repeated polls.
func (m *Metrics) ObserveWorkflowSnapshot(snap orchestrator.StatusSnapshot) {
	m.branchDepth.WithLabelValues(snap.WorkflowID).Set(float64(snap.CurrentBranchDepth))
	for _, t := range snap.Tasks {
		switch t.Status {
		case "completed":
			m.tasksCompletedTotal.WithLabelValues(snap.WorkflowID, t.AgentRole).Inc()
		case "failed":
			m.tasksFailedTotal.WithLabelValues(snap.WorkflowID, t.AgentRole, string(t.BranchReason)).Inc()
		}
	}
}

// RecordWorkflowTerminal increments the workflow-completion counter for the
// given terminal status ("completed", "blocked", or "exhausted").
func (m *Metrics) RecordWorkflowTerminal(status string) {
	m.workflowsTotal.WithLabelValues(status).Inc()
}
