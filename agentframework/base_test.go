package agentframework_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/eventbus"
)

func dispatch(t *testing.T, bus eventbus.Bus, taskID, correlationID, role string) {
	t.Helper()
	err := bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, eventbus.Event{
		Kind: eventbus.KindTaskDispatched, WorkflowID: "wf", TaskID: taskID,
		CorrelationID: correlationID, SourceAgentID: "orchestrator", Timestamp: time.Now(),
		Payload: eventbus.TaskDispatchedPayload{AgentRole: role},
	})
	require.NoError(t, err)
}

func TestDuplicateCorrelationIDProcessedOnce(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	var calls int32
	agent, err := agentframework.New(bus, agentframework.Options{Role: "coder"}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		atomic.AddInt32(&calls, 1)
		return agentframework.PublishCompleted(ctx, bus, evt, "coder-1", "strategy.py", nil)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	dispatch(t, bus, "T1", "corr-1", "coder")
	dispatch(t, bus, "T1", "corr-1", "coder")

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBoundedInFlightSerialisesProcessing(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	var mu sync.Mutex
	var active, maxActive int

	agent, err := agentframework.New(bus, agentframework.Options{Role: "coder", MaxInFlight: 1}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return agentframework.PublishCompleted(ctx, bus, evt, "coder-1", "strategy.py", nil)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			dispatch(t, bus, "T1", "corr-"+string(rune('a'+n)), "coder")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestRoleMismatchIsIgnored(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	var calls int32
	agent, err := agentframework.New(bus, agentframework.Options{Role: "tester"}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		atomic.AddInt32(&calls, 1)
		return agentframework.PublishTestResult(ctx, bus, evt, "tester-1", eventbus.TestResultPayload{OverallPassed: true})
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	dispatch(t, bus, "T1", "corr-1", "coder")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestProcessErrorPublishesGenericFailure(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	var failed eventbus.AgentTaskFailedPayload
	_, err := bus.Subscribe(eventbus.ChannelAgentResults, func(ctx context.Context, evt eventbus.Event) error {
		if evt.Kind == eventbus.KindAgentTaskFailed {
			failed = evt.Payload.(eventbus.AgentTaskFailedPayload)
		}
		return nil
	})
	require.NoError(t, err)

	agent, err := agentframework.New(bus, agentframework.Options{Role: "coder"}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		panic("boom")
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	dispatch(t, bus, "T1", "corr-1", "coder")

	assert.Equal(t, "agent_error", failed.FailureClass)
	assert.Contains(t, failed.Message, "boom")
	assert.False(t, failed.Branchable)
}
