package coder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/agents/coder"
	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/router"
)

type fakeAdapter struct {
	resp *model.Response
	err  error
}

func (f *fakeAdapter) Invoke(ctx context.Context, keyID string, req *model.Request) (*model.Response, error) {
	return f.resp, f.err
}

func (f *fakeAdapter) Name() string { return "fake" }

func newTestRouter(t *testing.T, adapter *fakeAdapter) *router.Router {
	t.Helper()
	km := keymanager.New([]keymanager.KeyRecord{
		{ID: "key-1", CredentialRef: "ref", ModelName: "fake-model", RPMBudget: 1000, TPMBudget: 1000000, Active: true},
	}, 5*time.Second)
	t.Cleanup(km.Close)
	r := router.New(km, []router.ModelRoute{{ModelPrefix: "", Adapter: adapter}}, 5*time.Second)
	t.Cleanup(r.Close)
	return r
}

// fakeStore records what was read and written, simulating an artifact
// store without touching a real filesystem.
type fakeStore struct {
	existing      string
	writtenPath   string
	writtenContent string
}

func (s *fakeStore) Read(ctx context.Context, path string) (string, error) {
	return s.existing, nil
}

func (s *fakeStore) Write(ctx context.Context, workflowID, taskID, originalPath, content string) (string, error) {
	s.writtenContent = content
	if originalPath != "" {
		s.writtenPath = originalPath
		return originalPath, nil
	}
	s.writtenPath = "artifacts/" + taskID + ".py"
	return s.writtenPath, nil
}

func dispatch(t *testing.T, bus eventbus.Bus, payload eventbus.TaskDispatchedPayload) {
	t.Helper()
	err := bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, eventbus.Event{
		Kind: eventbus.KindTaskDispatched, WorkflowID: "wf", TaskID: "T2",
		CorrelationID: "corr-1", SourceAgentID: "orchestrator", Timestamp: time.Now(),
		Payload: payload,
	})
	require.NoError(t, err)
}

func TestNewArtifactWrittenToFreshPath(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	r := newTestRouter(t, &fakeAdapter{resp: &model.Response{Content: "```python\nprint('hi')\n```", Model: "fake-model-v1"}})
	store := &fakeStore{}

	agent, err := coder.New(bus, r, "fake-model", store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	resultCh := make(chan eventbus.AgentTaskCompletedPayload, 1)
	_, err = bus.Subscribe(eventbus.ChannelAgentResults, func(ctx context.Context, evt eventbus.Event) error {
		if evt.Kind == eventbus.KindAgentTaskCompleted {
			resultCh <- evt.Payload.(eventbus.AgentTaskCompletedPayload)
		}
		return nil
	})
	require.NoError(t, err)

	dispatch(t, bus, eventbus.TaskDispatchedPayload{AgentRole: "coder", Title: "write strategy", Description: "moving average crossover"})

	select {
	case p := <-resultCh:
		assert.Equal(t, "artifacts/T2.py", p.ArtifactPath)
		assert.Equal(t, "print('hi')", store.writtenContent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestFixTaskOverwritesOriginalArtifactPath(t *testing.T) {
	bus := eventbus.NewMemBus()
	t.Cleanup(func() { _ = bus.Close() })

	r := newTestRouter(t, &fakeAdapter{resp: &model.Response{Content: "fixed source", Model: "fake-model-v1"}})
	store := &fakeStore{existing: "old broken source"}

	agent, err := coder.New(bus, r, "fake-model", store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	resultCh := make(chan eventbus.AgentTaskCompletedPayload, 1)
	_, err = bus.Subscribe(eventbus.ChannelAgentResults, func(ctx context.Context, evt eventbus.Event) error {
		if evt.Kind == eventbus.KindAgentTaskCompleted {
			resultCh <- evt.Payload.(eventbus.AgentTaskCompletedPayload)
		}
		return nil
	})
	require.NoError(t, err)

	dispatch(t, bus, eventbus.TaskDispatchedPayload{
		AgentRole:         "coder",
		Title:             "fix strategy",
		Description:       "correct the off-by-one",
		OriginalArtifact:  "strategy.py",
		DebugInstructions: "the window size is off by one",
	})

	select {
	case p := <-resultCh:
		assert.Equal(t, "strategy.py", p.ArtifactPath)
		assert.Equal(t, "fixed source", store.writtenContent)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
