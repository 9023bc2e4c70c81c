package observability_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/observability"
	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

func TestObserveKeySnapshotRegistersGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewWithRegistry("tradingagent", reg)

	metrics.ObserveKeySnapshot(keymanager.Snapshot{Keys: []keymanager.KeyHealth{
		{ID: "key-1", Healthy: true, RPMRemaining: 42, TPMRemaining: 1000},
		{ID: "key-2", Healthy: false, RPMRemaining: 0, TPMRemaining: 0},
	}})

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tradingagent_key_healthy"])
	assert.True(t, names["tradingagent_key_rpm_remaining"])
	assert.True(t, names["tradingagent_key_tpm_remaining"])
}

func TestObserveWorkflowSnapshotSetsBranchDepthAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewWithRegistry("tradingagent", reg)

	metrics.ObserveWorkflowSnapshot(orchestrator.StatusSnapshot{
		WorkflowID:         "wf-1",
		CurrentBranchDepth: 1,
		Tasks: map[string]*taskgraph.Task{
			"T1": {ID: "T1", AgentRole: "coder", Status: taskgraph.StatusCompleted},
			"T2": {ID: "T2", AgentRole: "tester", Status: taskgraph.StatusFailed, BranchReason: taskgraph.FailureLogicError},
		},
	})

	families, err := reg.Gather()
	require.NoError(t, err)

	var sawDepth, sawCompleted, sawFailed bool
	for _, f := range families {
		switch f.GetName() {
		case "tradingagent_workflow_branch_depth":
			sawDepth = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(1), f.Metric[0].GetGauge().GetValue())
		case "tradingagent_tasks_completed_total":
			sawCompleted = true
		case "tradingagent_tasks_failed_total":
			sawFailed = true
		}
	}
	assert.True(t, sawDepth)
	assert.True(t, sawCompleted)
	assert.True(t, sawFailed)
}

func TestRecordWorkflowTerminalIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewWithRegistry("tradingagent", reg)

	metrics.RecordWorkflowTerminal("completed")
	metrics.RecordWorkflowTerminal("completed")
	metrics.RecordWorkflowTerminal("blocked")

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != "tradingagent_workflows_total" {
			continue
		}
		for _, m := range f.Metric {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == "completed" {
					assert.Equal(t, float64(2), m.GetCounter().GetValue())
				}
			}
		}
	}
}
