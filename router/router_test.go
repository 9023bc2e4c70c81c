package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/model"
	"github.com/jgilcrest/tradingagent/router"
)

// scriptedAdapter returns one response per call from a fixed script, in
// order, regardless of which key was used; it records the keys it was
// called with for assertions.
type scriptedAdapter struct {
	mu      sync.Mutex
	script  []scriptStep
	calls   int
	keysUsed []string
}

type scriptStep struct {
	resp *model.Response
	err  error
}

func (a *scriptedAdapter) Name() string { return "fake" }

func (a *scriptedAdapter) Invoke(_ context.Context, keyID string, _ *model.Request) (*model.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keysUsed = append(a.keysUsed, keyID)
	step := a.script[a.calls]
	a.calls++
	return step.resp, step.err
}

func newRouter(t *testing.T, adapter *scriptedAdapter, keys ...keymanager.KeyRecord) *router.Router {
	t.Helper()
	km := keymanager.New(keys, time.Second)
	r := router.New(km, []router.ModelRoute{{ModelPrefix: "", Adapter: adapter}}, time.Second)
	t.Cleanup(func() {
		r.Close()
		km.Close()
	})
	return r
}

func TestSendChatHappyPathAppendsTurns(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{resp: &model.Response{Content: "hello back", Model: "claude", Usage: model.TokenUsage{OutputTokens: 5}}},
	}}
	r := newRouter(t, adapter, keymanager.KeyRecord{ID: "k1", RPMBudget: 10, TPMBudget: 10000, Active: true})

	res := r.SendChat(context.Background(), router.ChatRequest{
		ConvID:          "conv-1",
		Prompt:          "hello",
		ModelPreference: "claude",
		WorkloadClass:   model.WorkloadStandard,
	})

	require.True(t, res.Success)
	assert.Equal(t, "hello back", res.Content)
}

func TestSendChatSafetyBlockEscalatesThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{err: model.NewProviderError("fake", "invoke", model.ErrorKindSafetyBlock, 0, "blocked", "", false, nil)},
		{resp: &model.Response{Content: "ok now", Model: "claude"}},
	}}
	r := newRouter(t, adapter, keymanager.KeyRecord{ID: "k1", RPMBudget: 10, TPMBudget: 10000, Active: true})

	res := r.SendChat(context.Background(), router.ChatRequest{
		ConvID:          "conv-2",
		Prompt:          "edgy prompt",
		ModelPreference: "claude",
		WorkloadClass:   model.WorkloadLight,
	})

	require.True(t, res.Success)
	assert.Equal(t, "ok now", res.Content)

	snap := r.Health()
	require.Len(t, snap.Keys, 1)
	assert.True(t, snap.Keys[0].Healthy)
	assert.True(t, snap.Keys[0].CoolDownUntil.IsZero())
}

func TestSendChatRateLimitRotatesToHealthyKey(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{err: model.NewProviderError("fake", "invoke", model.ErrorKindRateLimited, 429, "slow down", "", true, nil)},
		{resp: &model.Response{Content: "success", Model: "claude"}},
	}}
	r := newRouter(t, adapter,
		keymanager.KeyRecord{ID: "a", RPMBudget: 10, TPMBudget: 10000, Active: true},
		keymanager.KeyRecord{ID: "b", RPMBudget: 10, TPMBudget: 10000, Active: true},
	)

	res := r.SendChat(context.Background(), router.ChatRequest{
		ConvID:          "conv-3",
		Prompt:          "hi",
		ModelPreference: "claude",
		WorkloadClass:   model.WorkloadStandard,
	})

	require.True(t, res.Success)
	require.Len(t, adapter.keysUsed, 2)
	assert.NotEqual(t, adapter.keysUsed[0], adapter.keysUsed[1])
}

func TestSendChatFatalErrorPropagates(t *testing.T) {
	adapter := &scriptedAdapter{script: []scriptStep{
		{err: model.NewProviderError("fake", "invoke", model.ErrorKindFatal, 401, "bad auth", "", false, nil)},
	}}
	r := newRouter(t, adapter, keymanager.KeyRecord{ID: "k1", RPMBudget: 10, TPMBudget: 10000, Active: true})

	res := r.SendChat(context.Background(), router.ChatRequest{
		ConvID:          "conv-4",
		Prompt:          "hi",
		ModelPreference: "claude",
		WorkloadClass:   model.WorkloadStandard,
	})

	require.False(t, res.Success)
	assert.Equal(t, model.ErrorKindFatal, res.ErrorKind)
}
