package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

// fakeAgentPool subscribes directly to orchestrator.tasks and answers every
// dispatched task according to a scripted per-role function, simulating the
// agent framework without requiring a real agent implementation.
type fakeAgentPool struct {
	bus     eventbus.Bus
	mu      sync.Mutex
	scripts map[string]func(taskID string, attempt int) (artifactPath string, failMsg string, branchable bool, suggestedClass string)
	attempt map[string]int
}

func newFakeAgentPool(t *testing.T, bus eventbus.Bus) *fakeAgentPool {
	t.Helper()
	p := &fakeAgentPool{bus: bus, scripts: map[string]func(string, int) (string, string, bool, string){}, attempt: map[string]int{}}
	_, err := bus.Subscribe(eventbus.ChannelOrchestratorTasks, p.handle)
	require.NoError(t, err)
	return p
}

func (p *fakeAgentPool) on(role string, fn func(taskID string, attempt int) (artifactPath, failMsg string, branchable bool, suggestedClass string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[role] = fn
}

func (p *fakeAgentPool) handle(ctx context.Context, evt eventbus.Event) error {
	payload := evt.Payload.(eventbus.TaskDispatchedPayload)

	p.mu.Lock()
	fn, ok := p.scripts[payload.AgentRole]
	p.attempt[evt.TaskID]++
	n := p.attempt[evt.TaskID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	artifactPath, failMsg, branchable, suggestedClass := fn(evt.TaskID, n)

	go func() {
		if failMsg == "" {
			if strings.HasPrefix(payload.AgentRole, "test") {
				_ = p.bus.Publish(context.Background(), eventbus.ChannelTestResults, eventbus.Event{
					Kind: eventbus.KindTestPassed, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
					CorrelationID: evt.CorrelationID + "-r", SourceAgentID: "tester", Timestamp: time.Now(),
					Payload: eventbus.TestResultPayload{OverallPassed: true},
				})
				return
			}
			_ = p.bus.Publish(context.Background(), eventbus.ChannelAgentResults, eventbus.Event{
				Kind: eventbus.KindAgentTaskCompleted, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
				CorrelationID: evt.CorrelationID + "-r", SourceAgentID: "agent", Timestamp: time.Now(),
				Payload: eventbus.AgentTaskCompletedPayload{AgentID: "agent", ArtifactPath: artifactPath},
			})
			return
		}

		if strings.HasPrefix(payload.AgentRole, "test") {
			_ = p.bus.Publish(context.Background(), eventbus.ChannelTestResults, eventbus.Event{
				Kind: eventbus.KindTestFailed, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
				CorrelationID: evt.CorrelationID + "-r", SourceAgentID: "tester", Timestamp: time.Now(),
				Payload: eventbus.TestResultPayload{OverallPassed: false, SuggestedClass: suggestedClass,
					Records: []eventbus.TestRecord{{Name: "acceptance", Passed: false, Message: failMsg}}},
			})
			return
		}
		_ = p.bus.Publish(context.Background(), eventbus.ChannelAgentResults, eventbus.Event{
			Kind: eventbus.KindAgentTaskFailed, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
			CorrelationID: evt.CorrelationID + "-r", SourceAgentID: "agent", Timestamp: time.Now(),
			Payload: eventbus.AgentTaskFailedPayload{AgentID: "agent", FailureClass: suggestedClass, Message: failMsg, Branchable: branchable},
		})
	}()
	return nil
}

// runToConvergence repeatedly calls Run until the workflow completes or
// stops making further progress: Run now yields control back to the caller
// after each round that creates a fresh branch/fix task rather than looping
// to a single-call fixed point (see orchestrator.go's Run docstring), so a
// scenario spanning a debugger-then-coder chain needs several calls to fully
// resolve.
func runToConvergence(t *testing.T, ctx context.Context, o *orchestrator.Orchestrator, workflowID string) orchestrator.Summary {
	t.Helper()
	var last orchestrator.Summary
	for i := 0; i < 10; i++ {
		summary, err := o.Run(ctx, workflowID)
		require.NoError(t, err)
		if summary.Status == "completed" {
			return summary
		}
		if summary == last {
			return summary
		}
		last = summary
	}
	return last
}

func TestHappyPathCompletesWithNoBranches(t *testing.T) {
	bus := newMemBus(t)
	pool := newFakeAgentPool(t, bus)
	pool.on("coder", func(string, int) (string, string, bool, string) { return "strategy.py", "", false, "" })
	pool.on("tester", func(string, int) (string, string, bool, string) { return "", "", false, "" })

	o, err := orchestrator.New(bus)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.LoadWorkflow("wf-s1", true, 2, 3, []*taskgraph.Task{
		{ID: "T1", AgentRole: "coder", TimeoutSeconds: 5},
		{ID: "T2", AgentRole: "tester", Dependencies: []string{"T1"}, TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := o.Run(ctx, "wf-s1")
	require.NoError(t, err)

	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 2, summary.CompletedCount)
	assert.Equal(t, 0, summary.BlockedCount)
}

func TestSingleBranchRecovers(t *testing.T) {
	bus := newMemBus(t)
	pool := newFakeAgentPool(t, bus)
	pool.on("coder", func(string, int) (string, string, bool, string) { return "strategy.py", "", false, "" })
	pool.on("debugger", func(string, int) (string, string, bool, string) { return "strategy.py", "", false, "" })

	failedOnce := false
	pool.on("tester", func(taskID string, attempt int) (string, string, bool, string) {
		if taskID == "T2" && !failedOnce {
			failedOnce = true
			return "", "assertion failed", true, "logic_error"
		}
		return "", "", false, ""
	})

	o, err := orchestrator.New(bus)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.LoadWorkflow("wf-s2", true, 2, 3, []*taskgraph.Task{
		{ID: "T1", AgentRole: "coder", TimeoutSeconds: 5},
		{ID: "T2", AgentRole: "tester", Dependencies: []string{"T1"}, TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary := runToConvergence(t, ctx, o, "wf-s2")

	assert.Equal(t, "completed", summary.Status)

	status, err := o.Status("wf-s2")
	require.NoError(t, err)
	branch, ok := status.Tasks["T2_branch_1"]
	require.True(t, ok)
	assert.Equal(t, "strategy.py", branch.OriginalArtifactPath)
	assert.Equal(t, 0, status.CurrentBranchDepth)
}

func TestBranchDepthCapBlocksWorkflow(t *testing.T) {
	bus := newMemBus(t)
	pool := newFakeAgentPool(t, bus)
	pool.on("coder", func(string, int) (string, string, bool, string) { return "strategy.py", "", false, "" })
	pool.on("tester", func(string, int) (string, string, bool, string) { return "", "still broken", true, "logic_error" })
	pool.on("debugger", func(string, int) (string, string, bool, string) { return "", "debugger gave up", true, "logic_error" })

	o, err := orchestrator.New(bus)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.LoadWorkflow("wf-s3", true, 2, 5, []*taskgraph.Task{
		{ID: "T1", AgentRole: "coder", TimeoutSeconds: 5},
		{ID: "T2", AgentRole: "tester", Dependencies: []string{"T1"}, TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary := runToConvergence(t, ctx, o, "wf-s3")

	assert.Equal(t, "blocked", summary.Status)

	status, err := o.Status("wf-s3")
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentBranchDepth)
	_, hasThirdBranch := status.Tasks["T2_branch_1_branch_1_branch_1"]
	assert.False(t, hasThirdBranch)
}
