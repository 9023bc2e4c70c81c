package eventbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/eventbus"
)

func dispatchedEvent(workflowID, taskID string) eventbus.Event {
	return eventbus.Event{
		Kind:          eventbus.KindTaskDispatched,
		WorkflowID:    workflowID,
		TaskID:        taskID,
		CorrelationID: taskID + "-corr",
		Timestamp:     time.Now(),
		Payload:       eventbus.TaskDispatchedPayload{AgentRole: "coder"},
	}
}

func TestMemBusPublishDeliversToSubscribersInOrder(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, err := bus.Subscribe(eventbus.ChannelOrchestratorTasks, func(_ context.Context, _ eventbus.Event) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, dispatchedEvent("wf1", "t1")))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestMemBusPublishRejectsMalformedEvent(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	evt := dispatchedEvent("wf1", "t1")
	evt.WorkflowID = ""
	err := bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, evt)
	require.Error(t, err)
}

func TestMemBusPublishRejectsWrongChannel(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	err := bus.Publish(context.Background(), eventbus.ChannelTestResults, dispatchedEvent("wf1", "t1"))
	require.Error(t, err)
}

func TestMemBusStopsAtFirstSyncHandlerError(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	var calledSecond bool
	_, err := bus.Subscribe(eventbus.ChannelOrchestratorTasks, func(_ context.Context, _ eventbus.Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(eventbus.ChannelOrchestratorTasks, func(_ context.Context, _ eventbus.Event) error {
		calledSecond = true
		return nil
	})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, dispatchedEvent("wf1", "t1"))
	require.Error(t, err)
	assert.False(t, calledSecond)
}

func TestMemBusAsyncHandlerErrorSurfacesWithoutKillingPublisher(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	_, err := bus.SubscribeAsync(eventbus.ChannelOrchestratorTasks, func(_ context.Context, _ eventbus.Event) error {
		return errors.New("async boom")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, dispatchedEvent("wf1", "t1")))

	select {
	case herr := <-bus.Errors():
		assert.Equal(t, eventbus.ChannelOrchestratorTasks, herr.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected async handler error on Errors() channel")
	}
}

func TestMemBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.NewMemBus()
	defer bus.Close()

	called := false
	token, err := bus.Subscribe(eventbus.ChannelOrchestratorTasks, func(_ context.Context, _ eventbus.Event) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(token))

	require.NoError(t, bus.Publish(context.Background(), eventbus.ChannelOrchestratorTasks, dispatchedEvent("wf1", "t1")))
	assert.False(t, called)
}
