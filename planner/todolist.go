// Package planner consumes a Planner's TodoList document (spec.md §6: "out
// of scope; consumed here") — validating it against a JSON Schema at the
// boundary and converting its items into a taskgraph the Orchestrator can
// load. It never generates a TodoList itself.
package planner

// TodoList is the structured document an external Planner emits: a
// workflow id, run-level metadata, and an ordered list of task items.
type TodoList struct {
	WorkflowID string       `json:"workflow_id"`
	Metadata   RunMetadata  `json:"metadata"`
	Items      []TodoItem   `json:"items"`
}

// RunMetadata carries the per-workflow knobs the Orchestrator needs at load
// time.
type RunMetadata struct {
	AutoFixMode      bool `json:"auto_fix_mode"`
	MaxBranchDepth   int  `json:"max_branch_depth"`
	MaxDebugAttempts int  `json:"max_debug_attempts"`
}

// TodoItem is one task in the TodoList, before it is resolved into a
// taskgraph.Task.
type TodoItem struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	AgentRole      string            `json:"agent_role"`
	DependencyIDs  []string          `json:"dependency_ids,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	AcceptanceCriteria []Criterion   `json:"acceptance_criteria,omitempty"`
	FailureRouting map[string]string `json:"failure_routing,omitempty"`
	FixtureRefs    []string          `json:"fixture_refs,omitempty"`
}

// Criterion is one acceptance check a task's artifact must satisfy.
type Criterion struct {
	TestCommand      string         `json:"test_command"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	ExpectedArtifact string         `json:"expected_artifact,omitempty"`
	MetricAssertions map[string]any `json:"metric_assertions,omitempty"`
}
