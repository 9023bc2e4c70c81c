package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/planner"
)

const validTodoList = `{
  "workflow_id": "wf-1",
  "metadata": {"auto_fix_mode": true, "max_branch_depth": 2, "max_debug_attempts": 3},
  "items": [
    {
      "id": "T1",
      "title": "write strategy",
      "agent_role": "coder",
      "timeout_seconds": 60
    },
    {
      "id": "T2",
      "title": "test strategy",
      "agent_role": "tester",
      "dependency_ids": ["T1"],
      "acceptance_criteria": [{"test_command": "pytest test_strategy.py", "timeout_seconds": 30}],
      "failure_routing": {"logic_error": "debugger"}
    }
  ]
}`

func TestParseAcceptsValidTodoList(t *testing.T) {
	list, err := planner.Parse([]byte(validTodoList))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", list.WorkflowID)
	assert.True(t, list.Metadata.AutoFixMode)
	require.Len(t, list.Items, 2)
	assert.Equal(t, []string{"T1"}, list.Items[1].DependencyIDs)
}

func TestParseRejectsUnknownAgentRole(t *testing.T) {
	bad := `{
    "workflow_id": "wf-1",
    "metadata": {"auto_fix_mode": false, "max_branch_depth": 1, "max_debug_attempts": 1},
    "items": [{"id": "T1", "title": "x", "agent_role": "reviewer"}]
  }`
	_, err := planner.Parse([]byte(bad))
	assert.Error(t, err)
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	bad := `{"workflow_id": "wf-1", "items": []}`
	_, err := planner.Parse([]byte(bad))
	assert.Error(t, err)
}

func TestToTasksResolvesFixtureRefs(t *testing.T) {
	withFixture := `{
    "workflow_id": "wf-2",
    "metadata": {"auto_fix_mode": false, "max_branch_depth": 1, "max_debug_attempts": 1},
    "items": [{"id": "T1", "title": "x", "agent_role": "tester", "fixture_refs": ["golden/backtest.csv"]}]
  }`
	list, err := planner.Parse([]byte(withFixture))
	require.NoError(t, err)

	resolve := func(ctx context.Context, ref string) (string, error) {
		return "/fixtures/" + ref, nil
	}
	tasks, err := planner.ToTasks(context.Background(), list, resolve)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"/fixtures/golden/backtest.csv"}, tasks[0].Metadata["fixture_paths"])
}

func TestToTasksErrorsWithoutResolverWhenFixturesPresent(t *testing.T) {
	withFixture := `{
    "workflow_id": "wf-2",
    "metadata": {"auto_fix_mode": false, "max_branch_depth": 1, "max_debug_attempts": 1},
    "items": [{"id": "T1", "title": "x", "agent_role": "tester", "fixture_refs": ["golden/backtest.csv"]}]
  }`
	list, err := planner.Parse([]byte(withFixture))
	require.NoError(t, err)

	_, err = planner.ToTasks(context.Background(), list, nil)
	assert.Error(t, err)
}

func TestLoadWiresTodoListIntoOrchestrator(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })
	orch, err := orchestrator.New(bus)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	workflowID, err := planner.Load(context.Background(), orch, []byte(validTodoList), nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", workflowID)

	status, err := orch.Status(workflowID)
	require.NoError(t, err)
	assert.Len(t, status.Tasks, 2)
}
