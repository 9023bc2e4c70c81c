// Package agentframework provides the common agent runtime every
// specialised agent (architect, coder, tester, debugger) embeds: dispatch
// filtering by role, at-most-once processing via a correlation-id
// de-duplication cache, bounded in-flight concurrency, and graceful
// shutdown that drains work already in flight before returning.
//
// Every TASK_DISPATCHED event travels on the single orchestrator.tasks
// channel tagged with its target AgentRole, rather than one channel per
// role: Base filters on that field itself, so "role-specific task channel"
// from the agent contract is implemented as role-addressed delivery within
// one topic rather than N separate topics.
package agentframework

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"goa.design/clue/log"

	"github.com/jgilcrest/tradingagent/eventbus"
)

const defaultDedupCacheSize = 4096
const defaultMaxInFlight = 1

// ProcessFunc implements one agent role's task handling. It is responsible
// for publishing its own outcome on the appropriate result channel — a
// Tester publishes TestResultPayload on test.results, every other role
// publishes AgentTaskCompletedPayload/AgentTaskFailedPayload on
// agent.results — since the correct shape differs by role. PublishCompleted
// and PublishFailed below cover the common (non-tester) case. A returned
// error (or a recovered panic) is logged and turned into a generic
// AGENT_TASK_FAILED so a bug in a process function never leaves a dispatch
// unanswered; this happens even if the process function already published
// an outcome for the task.
type ProcessFunc func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error

// Options configures a Base agent runtime.
type Options struct {
	Role           string
	AgentID        string
	MaxInFlight    int // default 1
	DedupCacheSize int // default 4096
}

// Base subscribes to orchestrator.tasks, filters for its role, de-duplicates
// by correlation id, and bounds concurrent processing.
type Base struct {
	bus     eventbus.Bus
	role    string
	agentID string
	process ProcessFunc

	dedup *lru.Cache[string, struct{}]
	sem   chan struct{}

	wg       sync.WaitGroup
	subToken string

	mu       sync.Mutex
	draining bool
}

// New builds and subscribes a Base agent runtime. Close must be called to
// unsubscribe and drain in-flight work.
func New(bus eventbus.Bus, opts Options, process ProcessFunc) (*Base, error) {
	if opts.Role == "" {
		return nil, fmt.Errorf("agentframework: role is required")
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	cacheSize := opts.DedupCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultDedupCacheSize
	}
	dedup, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("agentframework: build dedup cache: %w", err)
	}

	b := &Base{
		bus:     bus,
		role:    opts.Role,
		agentID: opts.AgentID,
		process: process,
		dedup:   dedup,
		sem:     make(chan struct{}, maxInFlight),
	}
	if b.agentID == "" {
		b.agentID = opts.Role
	}

	token, err := bus.Subscribe(eventbus.ChannelOrchestratorTasks, b.handleDispatch)
	if err != nil {
		return nil, fmt.Errorf("agentframework: subscribe: %w", err)
	}
	b.subToken = token
	return b, nil
}

// AgentID returns the identifier this runtime publishes as SourceAgentID.
func (b *Base) AgentID() string { return b.agentID }

// Close unsubscribes from new dispatches and blocks until every in-flight
// task this agent accepted has finished processing.
func (b *Base) Close() error {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()

	if err := b.bus.Unsubscribe(b.subToken); err != nil {
		return err
	}
	b.wg.Wait()
	return nil
}

func (b *Base) handleDispatch(ctx context.Context, evt eventbus.Event) error {
	if evt.Kind != eventbus.KindTaskDispatched {
		return nil
	}
	payload, ok := evt.Payload.(eventbus.TaskDispatchedPayload)
	if !ok {
		return fmt.Errorf("agentframework: unexpected payload for %s", evt.Kind)
	}
	if payload.AgentRole != b.role {
		return nil
	}

	b.mu.Lock()
	draining := b.draining
	b.mu.Unlock()
	if draining {
		return nil
	}

	if _, seen := b.dedup.Get(evt.CorrelationID); seen {
		log.Printf(ctx, "agentframework: %s skipping duplicate delivery for task %s (correlation %s)", b.role, evt.TaskID, evt.CorrelationID)
		return nil
	}
	b.dedup.Add(evt.CorrelationID, struct{}{})

	b.sem <- struct{}{}
	b.wg.Add(1)
	defer func() {
		<-b.sem
		b.wg.Done()
	}()

	if err := b.runProcess(ctx, evt, payload); err != nil {
		log.Printf(ctx, "agentframework: %s task %s failed: %v", b.role, evt.TaskID, err)
		return PublishFailed(ctx, b.bus, evt, b.agentID, "agent_error", err.Error(), false)
	}
	return nil
}

// runProcess isolates a panic in the process function to a classified,
// non-branchable failure rather than crashing the agent's handler goroutine.
func (b *Base) runProcess(ctx context.Context, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.process(ctx, b.bus, evt, payload)
}

// PublishCompleted publishes an AGENT_TASK_COMPLETED event for evt. Used by
// every non-tester agent role.
func PublishCompleted(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, agentID, artifactPath string, metadata map[string]string) error {
	return bus.Publish(ctx, eventbus.ChannelAgentResults, eventbus.Event{
		Kind: eventbus.KindAgentTaskCompleted, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
		CorrelationID: evt.CorrelationID, SourceAgentID: agentID, Timestamp: time.Now(),
		Payload: eventbus.AgentTaskCompletedPayload{AgentID: agentID, ArtifactPath: artifactPath, Metadata: metadata},
	})
}

// PublishFailed publishes an AGENT_TASK_FAILED event for evt. Used by every
// non-tester agent role.
func PublishFailed(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, agentID, failureClass, message string, branchable bool) error {
	return bus.Publish(ctx, eventbus.ChannelAgentResults, eventbus.Event{
		Kind: eventbus.KindAgentTaskFailed, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
		CorrelationID: evt.CorrelationID, SourceAgentID: agentID, Timestamp: time.Now(),
		Payload: eventbus.AgentTaskFailedPayload{AgentID: agentID, FailureClass: failureClass, Message: message, Branchable: branchable},
	})
}

// PublishTestResult publishes a TEST_PASSED or TEST_FAILED event for evt,
// the kind determined by result.OverallPassed. Used by the Tester agent.
func PublishTestResult(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, agentID string, result eventbus.TestResultPayload) error {
	kind := eventbus.KindTestFailed
	if result.OverallPassed {
		kind = eventbus.KindTestPassed
	}
	return bus.Publish(ctx, eventbus.ChannelTestResults, eventbus.Event{
		Kind: kind, WorkflowID: evt.WorkflowID, TaskID: evt.TaskID,
		CorrelationID: evt.CorrelationID, SourceAgentID: agentID, Timestamp: time.Now(),
		Payload: result,
	})
}
