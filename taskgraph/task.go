// Package taskgraph models the task DAG a workflow executes: nodes, edges,
// status, branch depth, and the original-artifact-path identity carried
// across every descendant fix task.
package taskgraph

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// FailureClass classifies why a task's acceptance test failed.
type FailureClass string

const (
	FailureImplementationBug FailureClass = "implementation_bug"
	FailureSpecMismatch      FailureClass = "spec_mismatch"
	FailureTimeout           FailureClass = "timeout"
	FailureMissingDependency FailureClass = "missing_dependency"
	FailureFlakyTest         FailureClass = "flaky_test"
	FailureSyntaxError       FailureClass = "syntax_error"
	FailureImportError       FailureClass = "import_error"
	FailureLogicError        FailureClass = "logic_error"
	FailureUnknown           FailureClass = "unknown"
)

// AcceptanceCriterion is one check a task's artifact must satisfy.
type AcceptanceCriterion struct {
	TestCommand      string
	TimeoutSeconds   int
	ExpectedArtifact string
	MetricAssertions map[string]any
}

// Task is a unit of work in the workflow DAG.
type Task struct {
	ID           string
	Title        string
	Description  string
	AgentRole    string
	Dependencies []string

	AcceptanceCriteria []AcceptanceCriterion
	FailureRouting     map[FailureClass]string

	MaxRetries     int
	TimeoutSeconds int

	Status   Status
	Metadata map[string]any

	// Branch-task fields. Zero-valued for original tasks.
	ParentID              string
	BranchReason          FailureClass
	DebugInstructions     string
	IsTemporary           bool
	MaxDebugAttempts      int
	OriginalArtifactPath  string
	DebugAttempt          int
}

// ArtifactPath returns the stable file identity this task (and every
// descendant fix task) must write to: the inherited original-artifact-path
// when set, otherwise whatever this task's own metadata records.
func (t *Task) ArtifactPath() string {
	if t.OriginalArtifactPath != "" {
		return t.OriginalArtifactPath
	}
	if v, ok := t.Metadata["artifact_path"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a deep-enough copy for safe external inspection (status
// snapshots, journal entries) without aliasing the live task's maps/slices.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.AcceptanceCriteria = append([]AcceptanceCriterion(nil), t.AcceptanceCriteria...)
	c.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	c.FailureRouting = make(map[FailureClass]string, len(t.FailureRouting))
	for k, v := range t.FailureRouting {
		c.FailureRouting[k] = v
	}
	return &c
}
