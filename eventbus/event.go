// Package eventbus defines the typed publish/subscribe contract linking the
// planner, orchestrator, and agents. Events are closed-union envelopes:
// Kind selects one of a fixed set of payload shapes, and Validate rejects
// any envelope whose payload does not match its declared kind before it
// reaches a backend.
package eventbus

import (
	"fmt"
	"time"
)

// Kind identifies one of the closed set of event kinds exchanged on the bus.
type Kind string

// Channel identifies a named publish/subscribe topic. Ordering is FIFO per
// channel per publisher; no cross-channel ordering is guaranteed.
type Channel string

const (
	// KindTaskDispatched marks a task handed to an agent for execution.
	KindTaskDispatched Kind = "TASK_DISPATCHED"
	// KindAgentTaskStarted marks an agent beginning work on a dispatched task.
	KindAgentTaskStarted Kind = "AGENT_TASK_STARTED"
	// KindAgentTaskCompleted marks successful completion of a task by an agent.
	KindAgentTaskCompleted Kind = "AGENT_TASK_COMPLETED"
	// KindAgentTaskFailed marks a task that an agent could not complete.
	KindAgentTaskFailed Kind = "AGENT_TASK_FAILED"
	// KindTestPassed marks a tester agent's acceptance run succeeding.
	KindTestPassed Kind = "TEST_PASSED"
	// KindTestFailed marks a tester agent's acceptance run failing.
	KindTestFailed Kind = "TEST_FAILED"
	// KindWorkflowBranchCreated marks a branch (fix) task appended to a workflow.
	KindWorkflowBranchCreated Kind = "WORKFLOW_BRANCH_CREATED"
	// KindWorkflowCompleted marks a workflow with every task completed.
	KindWorkflowCompleted Kind = "WORKFLOW_COMPLETED"
	// KindWorkflowBlocked marks a workflow halted on a non-branchable or
	// depth-exhausted failure.
	KindWorkflowBlocked Kind = "WORKFLOW_BLOCKED"
)

const (
	// ChannelPlannerOutput carries TodoList documents emitted by the planner.
	ChannelPlannerOutput Channel = "planner.output"
	// ChannelOrchestratorTasks carries TASK_DISPATCHED events to agents.
	ChannelOrchestratorTasks Channel = "orchestrator.tasks"
	// ChannelAgentResults carries AGENT_TASK_COMPLETED/FAILED events.
	ChannelAgentResults Channel = "agent.results"
	// ChannelTestResults carries TEST_PASSED/TEST_FAILED events.
	ChannelTestResults Channel = "test.results"
	// ChannelWorkflowBranchCreated carries WORKFLOW_BRANCH_CREATED events.
	ChannelWorkflowBranchCreated Channel = "workflow.branch.created"
	// ChannelSystemControl carries WORKFLOW_COMPLETED/BLOCKED and other
	// terminal lifecycle events.
	ChannelSystemControl Channel = "system.control"
)

// kindChannels maps each kind to the channels it is valid to publish on.
// The value is a set so a kind could be allowed on several channels; as
// configured here, every kind is valid on exactly one channel.
var kindChannels = map[Kind]map[Channel]bool{
	KindTaskDispatched:        {ChannelOrchestratorTasks: true},
	KindAgentTaskStarted:      {ChannelAgentResults: true},
	KindAgentTaskCompleted:    {ChannelAgentResults: true},
	KindAgentTaskFailed:       {ChannelAgentResults: true},
	KindTestPassed:            {ChannelTestResults: true},
	KindTestFailed:            {ChannelTestResults: true},
	KindWorkflowBranchCreated: {ChannelWorkflowBranchCreated: true},
	KindWorkflowCompleted:     {ChannelSystemControl: true},
	KindWorkflowBlocked:       {ChannelSystemControl: true},
}

// Payload is a marker interface implemented by every concrete event payload
// shape. Implementations report the Kind they pair with so Validate can
// reject a payload published under the wrong kind.
type Payload interface {
	eventKind() Kind
}

// Event is the canonical envelope carried on the bus. Every event carries a
// workflow ID, a monotone timestamp, and a correlation ID used to detect
// duplicate/replayed deliveries at the consumer.
type Event struct {
	Kind          Kind
	WorkflowID    string
	TaskID        string
	CorrelationID string
	SourceAgentID string
	Timestamp     time.Time
	Payload       Payload

	// validatedChannel records which channel Publish validated this event
	// against, so async delivery can attribute HandlerError correctly.
	validatedChannel Channel
}

// Validate reports an error if the event is malformed: missing workflow ID,
// missing correlation ID, a zero timestamp, or a payload whose declared kind
// does not match Event.Kind. Malformed events must never reach a backend
// (spec: "a malformed event is rejected and logged, never routed").
func (e Event) Validate() error {
	if e.WorkflowID == "" {
		return fmt.Errorf("eventbus: event %s missing workflow id", e.Kind)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("eventbus: event %s missing correlation id", e.Kind)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("eventbus: event %s missing timestamp", e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("eventbus: event %s missing payload", e.Kind)
	}
	if e.Payload.eventKind() != e.Kind {
		return fmt.Errorf("eventbus: event kind %s does not match payload kind %s", e.Kind, e.Payload.eventKind())
	}
	return nil
}

// ValidateChannel reports an error if kind is not permitted on ch.
func ValidateChannel(kind Kind, ch Channel) error {
	allowed, ok := kindChannels[kind]
	if !ok {
		return fmt.Errorf("eventbus: unknown event kind %q", kind)
	}
	if !allowed[ch] {
		return fmt.Errorf("eventbus: event kind %s is not valid on channel %s", kind, ch)
	}
	return nil
}

type (
	// AcceptanceCriterion is one check a dispatched task's artifact must
	// satisfy, mirrored onto the wire from taskgraph.AcceptanceCriterion so
	// agents need not import the task graph package.
	AcceptanceCriterion struct {
		TestCommand      string
		TimeoutSeconds   int
		ExpectedArtifact string
		MetricAssertions map[string]any
	}

	// TaskDispatchedPayload is carried by KindTaskDispatched events.
	TaskDispatchedPayload struct {
		AgentRole          string
		Title              string
		Description        string
		TimeoutSeconds     int
		OriginalArtifact   string
		DebugInstructions  string
		AcceptanceCriteria []AcceptanceCriterion
		DependencyArtifacts []string
	}

	// AgentTaskStartedPayload is carried by KindAgentTaskStarted events.
	AgentTaskStartedPayload struct {
		AgentID string
	}

	// AgentTaskCompletedPayload is carried by KindAgentTaskCompleted events.
	AgentTaskCompletedPayload struct {
		AgentID      string
		ArtifactPath string
		Metadata     map[string]string
	}

	// AgentTaskFailedPayload is carried by KindAgentTaskFailed events.
	AgentTaskFailedPayload struct {
		AgentID        string
		FailureClass   string
		Message        string
		Branchable     bool
		TimeoutAnalysis string
	}

	// TestRecord is a single test case result nested in TestResultPayload.
	TestRecord struct {
		Name           string
		Passed         bool
		DurationSeconds float64
		Message        string
		StderrExcerpt  string
	}

	// TestResultPayload is carried by KindTestPassed/KindTestFailed events.
	TestResultPayload struct {
		OverallPassed      bool
		Records            []TestRecord
		SuggestedClass     string
		TimeoutAnalysis    string
	}

	// WorkflowBranchCreatedPayload is carried by KindWorkflowBranchCreated events.
	WorkflowBranchCreatedPayload struct {
		ParentTaskID        string
		BranchTaskID        string
		TargetAgentRole     string
		FailureClass        string
		BranchDepth         int
		OriginalArtifact    string
	}

	// WorkflowCompletedPayload is carried by KindWorkflowCompleted events.
	WorkflowCompletedPayload struct {
		CompletedTaskCount int
	}

	// WorkflowBlockedPayload is carried by KindWorkflowBlocked events.
	WorkflowBlockedPayload struct {
		BlockedTaskID string
		Reason        string
	}
)

func (TaskDispatchedPayload) eventKind() Kind         { return KindTaskDispatched }
func (AgentTaskStartedPayload) eventKind() Kind       { return KindAgentTaskStarted }
func (AgentTaskCompletedPayload) eventKind() Kind     { return KindAgentTaskCompleted }
func (AgentTaskFailedPayload) eventKind() Kind        { return KindAgentTaskFailed }

// eventKind reports KindTestPassed or KindTestFailed depending on
// OverallPassed, so TestResultPayload validates against the kind that
// agentframework.PublishTestResult derives from the same field.
func (p TestResultPayload) eventKind() Kind {
	if p.OverallPassed {
		return KindTestPassed
	}
	return KindTestFailed
}

func (WorkflowBranchCreatedPayload) eventKind() Kind { return KindWorkflowBranchCreated }
func (WorkflowCompletedPayload) eventKind() Kind     { return KindWorkflowCompleted }
func (WorkflowBlockedPayload) eventKind() Kind       { return KindWorkflowBlocked }
