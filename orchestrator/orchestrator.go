// Package orchestrator drives a WorkflowState to completion: dispatching
// ready tasks onto the message bus, awaiting agent and test-result events,
// and reacting to failures by creating branch tasks or halting the
// workflow, per the task graph's dependency and branch-depth invariants.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

const defaultTaskTimeout = 60 * time.Second

// Summary reports the terminal state of one Run call.
type Summary struct {
	WorkflowID     string
	CompletedCount int
	FailedCount    int
	BlockedCount   int
	Status         string // "completed", "blocked", "running"
}

// StatusSnapshot is the public view returned by Status.
type StatusSnapshot struct {
	WorkflowID         string
	Tasks              map[string]*taskgraph.Task
	CurrentBranchDepth int
	Journal            []taskgraph.JournalEntry
}

// outcome is what a dispatched task resolves to: either an agent
// completion/failure or a test result, correlated back to the dispatch.
type outcome struct {
	completed    bool
	artifactPath string
	metadata     map[string]string

	failed       bool
	failureClass string
	message      string
	branchable   bool

	testResult *eventbus.TestResultPayload
}

// Orchestrator owns every active WorkflowState and the single set of bus
// subscriptions used to correlate agent/test events back to dispatches.
type Orchestrator struct {
	bus eventbus.Bus

	mu        sync.Mutex
	workflows map[string]*taskgraph.WorkflowState

	pendingMu sync.Mutex
	pending   map[string]chan outcome // key: workflowID + "/" + taskID

	subTokens []string
}

// New wires an Orchestrator to bus, subscribing once to the agent-result and
// test-result channels for the orchestrator's lifetime.
func New(bus eventbus.Bus) (*Orchestrator, error) {
	o := &Orchestrator{
		bus:       bus,
		workflows: make(map[string]*taskgraph.WorkflowState),
		pending:   make(map[string]chan outcome),
	}

	tok, err := bus.Subscribe(eventbus.ChannelAgentResults, o.handleAgentResult)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: subscribe agent results: %w", err)
	}
	o.subTokens = append(o.subTokens, tok)

	tok, err = bus.Subscribe(eventbus.ChannelTestResults, o.handleTestResult)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: subscribe test results: %w", err)
	}
	o.subTokens = append(o.subTokens, tok)

	return o, nil
}

// Close unsubscribes the orchestrator from the bus.
func (o *Orchestrator) Close() {
	for _, tok := range o.subTokens {
		_ = o.bus.Unsubscribe(tok)
	}
}

// LoadWorkflow registers a new workflow built from tasks and returns its id.
// Planner-facing callers translate a TodoList document into this call.
func (o *Orchestrator) LoadWorkflow(workflowID string, autoFixMode bool, maxBranchDepth, maxDebugAttempts int, tasks []*taskgraph.Task) (string, error) {
	wf := taskgraph.New(workflowID, autoFixMode)
	if maxBranchDepth > 0 {
		wf.MaxBranchDepth = maxBranchDepth
	}
	if maxDebugAttempts > 0 {
		wf.MaxDebugAttemptsDefault = maxDebugAttempts
	}
	if err := wf.Load(tasks); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.workflows[workflowID] = wf
	o.mu.Unlock()
	return workflowID, nil
}

// ReloadWorkflowTasks is a no-op hook called by the iterative loop at the
// start of each pass. Branch/fix tasks are appended to the WorkflowState by
// the orchestrator itself and ready-set computation always reflects the
// live graph, so there is nothing to recompute here beyond confirming the
// workflow still exists.
func (o *Orchestrator) ReloadWorkflowTasks(workflowID string) error {
	_, err := o.workflow(workflowID)
	return err
}

// Status returns a read-only snapshot of the named workflow.
func (o *Orchestrator) Status(workflowID string) (StatusSnapshot, error) {
	wf, err := o.workflow(workflowID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return StatusSnapshot{
		WorkflowID:         workflowID,
		Tasks:              wf.Snapshot(),
		CurrentBranchDepth: wf.CurrentBranchDepth,
		Journal:            wf.Journal(),
	}, nil
}

func (o *Orchestrator) workflow(workflowID string) (*taskgraph.WorkflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown workflow %q", workflowID)
	}
	return wf, nil
}

// Run drives the named workflow through one pass: it dispatches every ready
// task, awaits its outcome, and reacts per §4.6 steps 3-6, looping to drain
// the ready set as it drains naturally (a branch completing unblocks its
// parent back into the same ready set, which Run keeps draining). It
// returns control to the caller as soon as a round creates a *new*
// branch/fix task rather than looping to wait on it, so that one pass here
// lines up with one pass of the iterative loop driver's own convergence
// bookkeeping (§4.7) — a fresh branch needs its own dispatch round, which
// the caller drives by calling Run again. It then emits WORKFLOW_COMPLETED
// or WORKFLOW_BLOCKED once the workflow itself reaches a terminal state.
func (o *Orchestrator) Run(ctx context.Context, workflowID string) (Summary, error) {
	wf, err := o.workflow(workflowID)
	if err != nil {
		return Summary{}, err
	}

	for {
		ready := wf.ReadySet()
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		var branched atomic.Bool
		for _, task := range ready {
			wg.Add(1)
			go func(t *taskgraph.Task) {
				defer wg.Done()
				if o.dispatchAndAwait(ctx, wf, t) {
					branched.Store(true)
				}
			}(task)
		}
		wg.Wait()

		if branched.Load() {
			break
		}
	}

	snap := wf.Snapshot()
	summary := Summary{WorkflowID: workflowID}
	for _, t := range snap {
		switch t.Status {
		case taskgraph.StatusCompleted:
			summary.CompletedCount++
		case taskgraph.StatusFailed:
			summary.FailedCount++
		case taskgraph.StatusBlocked:
			summary.BlockedCount++
		}
	}

	if wf.AllCompleted() {
		summary.Status = "completed"
		_ = o.publish(ctx, wf, eventbus.ChannelSystemControl, eventbus.KindWorkflowCompleted, "",
			eventbus.WorkflowCompletedPayload{CompletedTaskCount: summary.CompletedCount})
		return summary, nil
	}

	if summary.BlockedCount > 0 || summary.FailedCount > 0 {
		summary.Status = "blocked"
		return summary, nil
	}

	summary.Status = "running"
	return summary, nil
}

// dispatchAndAwait dispatches t and reacts to its outcome, returning true if
// doing so created a fresh branch/fix task that Run should yield a pass for.
func (o *Orchestrator) dispatchAndAwait(ctx context.Context, wf *taskgraph.WorkflowState, t *taskgraph.Task) bool {
	wf.MarkRunning(t.ID)
	stampInheritedArtifact(wf, t)

	ch := o.registerPending(wf.ID, t.ID)
	defer o.unregisterPending(wf.ID, t.ID)

	payload := eventbus.TaskDispatchedPayload{
		AgentRole:           t.AgentRole,
		Title:               t.Title,
		Description:         t.Description,
		TimeoutSeconds:      t.TimeoutSeconds,
		OriginalArtifact:    t.ArtifactPath(),
		DebugInstructions:   t.DebugInstructions,
		AcceptanceCriteria:  wireAcceptanceCriteria(t.AcceptanceCriteria),
		DependencyArtifacts: dependencyArtifacts(wf, t),
	}
	if err := o.publish(ctx, wf, eventbus.ChannelOrchestratorTasks, eventbus.KindTaskDispatched, t.ID, payload); err != nil {
		wf.MarkFailedCascade(t.ID, "dispatch error: "+err.Error())
		o.publishBlocked(ctx, wf, t.ID, err.Error())
		return false
	}

	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		wf.MarkFailedCascade(t.ID, "context cancelled")
		o.publishBlocked(ctx, wf, t.ID, "context cancelled")
		return false
	case <-timer.C:
		return o.handleFailure(ctx, wf, t, outcome{failed: true, failureClass: string(taskgraph.FailureTimeout), message: "task timed out", branchable: true})
	case oc := <-ch:
		return o.handleOutcome(ctx, wf, t, oc)
	}
}

func wireAcceptanceCriteria(criteria []taskgraph.AcceptanceCriterion) []eventbus.AcceptanceCriterion {
	if len(criteria) == 0 {
		return nil
	}
	out := make([]eventbus.AcceptanceCriterion, len(criteria))
	for i, c := range criteria {
		out[i] = eventbus.AcceptanceCriterion{
			TestCommand:      c.TestCommand,
			TimeoutSeconds:   c.TimeoutSeconds,
			ExpectedArtifact: c.ExpectedArtifact,
			MetricAssertions: c.MetricAssertions,
		}
	}
	return out
}

func dependencyArtifacts(wf *taskgraph.WorkflowState, t *taskgraph.Task) []string {
	var out []string
	for _, depID := range t.Dependencies {
		if dep, ok := wf.Get(depID); ok {
			if ap := dep.ArtifactPath(); ap != "" {
				out = append(out, ap)
			}
		}
	}
	return out
}

// stampInheritedArtifact records the upstream artifact path in a task's own
// metadata before dispatch, so a tester (or any downstream consumer) always
// reports ArtifactPath() for the file it operated on, and a subsequent
// branch's original-artifact-path inheritance has something concrete to
// read off the failing task itself.
func stampInheritedArtifact(wf *taskgraph.WorkflowState, t *taskgraph.Task) {
	if t.ArtifactPath() != "" {
		return
	}
	for _, depID := range t.Dependencies {
		if dep, ok := wf.Get(depID); ok {
			if ap := dep.ArtifactPath(); ap != "" {
				t.Metadata["artifact_path"] = ap
				return
			}
		}
	}
}

// handleOutcome reacts to a dispatched task's outcome, returning true if
// doing so created a fresh branch/fix task.
func (o *Orchestrator) handleOutcome(ctx context.Context, wf *taskgraph.WorkflowState, t *taskgraph.Task, oc outcome) bool {
	switch {
	case oc.completed:
		wf.MarkCompleted(t.ID, oc.artifactPath)
		return o.onMaybeBranchCompletion(ctx, wf, t, oc)
	case oc.failed:
		return o.handleFailure(ctx, wf, t, oc)
	}
	return false
}

// onMaybeBranchCompletion reacts to a branch (fix) task completing. A
// debugger branch only diagnoses — it hands its findings to a chained coder
// branch targeting the same original parent rather than resolving the
// parent itself, so completing a debugger branch never consumes branch
// depth on its own; it instead reports true, since the chained coder branch
// is itself a fresh branch task that needs its own dispatch round. Every
// other role's branch completion re-runs the parent's full acceptance
// suite, per §4.6.1, by unblocking it back into the ready set and releasing
// the branch depth it consumed — that retest drains within the same Run
// call, so it reports false.
func (o *Orchestrator) onMaybeBranchCompletion(ctx context.Context, wf *taskgraph.WorkflowState, t *taskgraph.Task, oc outcome) bool {
	if !t.IsTemporary || t.ParentID == "" {
		return false
	}
	if t.AgentRole == "debugger" {
		return o.chainCoderFix(ctx, wf, t, oc)
	}
	wf.Unblock(t.ParentID)
	wf.DecrementBranchDepth()
	return false
}

// handleFailure reacts to a task failure, returning true if it created a
// fresh branch task in response.
func (o *Orchestrator) handleFailure(ctx context.Context, wf *taskgraph.WorkflowState, t *taskgraph.Task, oc outcome) bool {
	if wf.AutoFixMode && oc.branchable {
		if o.createBranch(ctx, wf, t, oc) {
			return true
		}
	}
	wf.MarkFailedCascade(t.ID, oc.failureClass+": "+oc.message)
	o.publishBlocked(ctx, wf, t.ID, oc.message)
	return false
}

func (o *Orchestrator) publishBlocked(ctx context.Context, wf *taskgraph.WorkflowState, taskID, reason string) {
	_ = o.publish(ctx, wf, eventbus.ChannelSystemControl, eventbus.KindWorkflowBlocked, taskID,
		eventbus.WorkflowBlockedPayload{BlockedTaskID: taskID, Reason: reason})
}

func (o *Orchestrator) publish(ctx context.Context, wf *taskgraph.WorkflowState, ch eventbus.Channel, kind eventbus.Kind, taskID string, payload eventbus.Payload) error {
	evt := eventbus.Event{
		Kind:          kind,
		WorkflowID:    wf.ID,
		TaskID:        taskID,
		CorrelationID: uuid.NewString(),
		SourceAgentID: "orchestrator",
		Timestamp:     time.Now(),
		Payload:       payload,
	}
	return o.bus.Publish(ctx, ch, evt)
}

func (o *Orchestrator) registerPending(workflowID, taskID string) chan outcome {
	ch := make(chan outcome, 1)
	o.pendingMu.Lock()
	o.pending[pendingKey(workflowID, taskID)] = ch
	o.pendingMu.Unlock()
	return ch
}

func (o *Orchestrator) unregisterPending(workflowID, taskID string) {
	o.pendingMu.Lock()
	delete(o.pending, pendingKey(workflowID, taskID))
	o.pendingMu.Unlock()
}

func pendingKey(workflowID, taskID string) string { return workflowID + "/" + taskID }

func (o *Orchestrator) deliver(workflowID, taskID string, oc outcome) {
	o.pendingMu.Lock()
	ch, ok := o.pending[pendingKey(workflowID, taskID)]
	o.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- oc:
	default:
	}
}

func (o *Orchestrator) handleAgentResult(_ context.Context, evt eventbus.Event) error {
	switch evt.Kind {
	case eventbus.KindAgentTaskCompleted:
		p, ok := evt.Payload.(eventbus.AgentTaskCompletedPayload)
		if !ok {
			return fmt.Errorf("orchestrator: unexpected payload for %s", evt.Kind)
		}
		o.deliver(evt.WorkflowID, evt.TaskID, outcome{completed: true, artifactPath: p.ArtifactPath, metadata: p.Metadata})
	case eventbus.KindAgentTaskFailed:
		p, ok := evt.Payload.(eventbus.AgentTaskFailedPayload)
		if !ok {
			return fmt.Errorf("orchestrator: unexpected payload for %s", evt.Kind)
		}
		o.deliver(evt.WorkflowID, evt.TaskID, outcome{failed: true, failureClass: p.FailureClass, message: p.Message, branchable: p.Branchable})
	}
	return nil
}

func (o *Orchestrator) handleTestResult(_ context.Context, evt eventbus.Event) error {
	p, ok := evt.Payload.(eventbus.TestResultPayload)
	if !ok {
		return fmt.Errorf("orchestrator: unexpected payload for %s", evt.Kind)
	}
	if p.OverallPassed {
		o.deliver(evt.WorkflowID, evt.TaskID, outcome{completed: true})
		return nil
	}
	tr := p
	o.deliver(evt.WorkflowID, evt.TaskID, outcome{failed: true, failureClass: p.SuggestedClass, message: "acceptance tests failed", branchable: true, testResult: &tr})
	return nil
}
