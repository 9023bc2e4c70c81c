package taskgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/taskgraph"
)

func twoTaskWorkflow(t *testing.T) *taskgraph.WorkflowState {
	t.Helper()
	w := taskgraph.New("wf-1", true)
	err := w.Load([]*taskgraph.Task{
		{ID: "T1", AgentRole: "coder"},
		{ID: "T2", AgentRole: "tester", Dependencies: []string{"T1"}},
	})
	require.NoError(t, err)
	return w
}

func TestReadySetOnlyIncludesZeroInDegreePending(t *testing.T) {
	w := twoTaskWorkflow(t)

	ready := w.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, "T1", ready[0].ID)
}

func TestCompletionUnblocksDependent(t *testing.T) {
	w := twoTaskWorkflow(t)
	w.MarkRunning("T1")
	w.MarkCompleted("T1", "strategy.py")

	ready := w.ReadySet()
	require.Len(t, ready, 1)
	assert.Equal(t, "T2", ready[0].ID)
}

func TestCompletedTaskNeverReDispatched(t *testing.T) {
	w := twoTaskWorkflow(t)
	w.MarkRunning("T1")
	w.MarkCompleted("T1", "strategy.py")
	w.MarkRunning("T2")
	w.MarkCompleted("T2", "strategy.py")

	assert.Empty(t, w.ReadySet())
	assert.True(t, w.AllCompleted())
}

func TestFailureCascadesBlockToDependents(t *testing.T) {
	w := taskgraph.New("wf-2", true)
	require.NoError(t, w.Load([]*taskgraph.Task{
		{ID: "T1"},
		{ID: "T2", Dependencies: []string{"T1"}},
		{ID: "T3", Dependencies: []string{"T2"}},
	}))

	w.MarkFailedCascade("T1", "fatal")

	snap := w.Snapshot()
	assert.Equal(t, taskgraph.StatusFailed, snap["T1"].Status)
	assert.Equal(t, taskgraph.StatusBlocked, snap["T2"].Status)
	assert.Equal(t, taskgraph.StatusBlocked, snap["T3"].Status)
}

func TestBranchDepthNeverExceedsMax(t *testing.T) {
	w := taskgraph.New("wf-3", true)
	w.MaxBranchDepth = 2

	require.True(t, w.IncrementBranchDepth())
	require.True(t, w.IncrementBranchDepth())
	assert.False(t, w.IncrementBranchDepth())
	assert.Equal(t, 2, w.CurrentBranchDepth)
}

func TestOriginalArtifactPathInheritedAcrossBranches(t *testing.T) {
	w := taskgraph.New("wf-4", true)
	require.NoError(t, w.Load([]*taskgraph.Task{{ID: "T1"}}))
	w.MarkCompleted("T1", "strategy.py")

	branchID := w.NextBranchID("T1")
	require.Equal(t, "T1_branch_1", branchID)

	parent, _ := w.Get("T1")
	require.NoError(t, w.AppendTask(&taskgraph.Task{
		ID:                   branchID,
		ParentID:             "T1",
		IsTemporary:          true,
		OriginalArtifactPath: parent.ArtifactPath(),
	}))

	branch, _ := w.Get(branchID)
	assert.Equal(t, "strategy.py", branch.ArtifactPath())
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	w := taskgraph.New("wf-5", true)
	err := w.Load([]*taskgraph.Task{{ID: "T1", Dependencies: []string{"ghost"}}})
	assert.Error(t, err)
}
