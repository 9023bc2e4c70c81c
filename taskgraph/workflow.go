package taskgraph

import (
	"fmt"
	"sync"
	"time"
)

// JournalEntry is one audit record in a WorkflowState's event journal.
type JournalEntry struct {
	Timestamp time.Time
	Kind      string
	TaskID    string
	Detail    string
}

// WorkflowState holds one workflow's task collection and topological
// bookkeeping. Dependency counts are maintained incrementally (Kahn's
// algorithm style) rather than recomputed on every ready-set query, so a
// workflow with many tasks stays cheap across iterative-loop passes.
type WorkflowState struct {
	ID string

	AutoFixMode             bool
	MaxBranchDepth          int
	MaxDebugAttemptsDefault int
	CurrentBranchDepth      int

	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	graph    map[string][]string // dependency -> dependents
	inDegree map[string]int      // task -> count of incomplete dependencies
	branchN  map[string]int      // parent id -> next branch sequence number
	journal  []JournalEntry
}

// New builds an empty WorkflowState. Defaults mirror the Data Model section:
// MaxBranchDepth 2, MaxDebugAttemptsDefault 3.
func New(id string, autoFixMode bool) *WorkflowState {
	return &WorkflowState{
		ID:                      id,
		AutoFixMode:             autoFixMode,
		MaxBranchDepth:          2,
		MaxDebugAttemptsDefault: 3,
		tasks:                   make(map[string]*Task),
		graph:                   make(map[string][]string),
		inDegree:                make(map[string]int),
		branchN:                 make(map[string]int),
	}
}

// Load bulk-inserts a TodoList's tasks, validating every dependency
// reference resolves within the same batch before any edge is built, so a
// malformed TodoList never leaves the graph half-wired.
func (w *WorkflowState) Load(tasks []*Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range tasks {
		if _, exists := w.tasks[t.ID]; exists {
			return fmt.Errorf("taskgraph: duplicate task id %q", t.ID)
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := w.tasks[dep]; !ok {
				found := false
				for _, other := range tasks {
					if other.ID == dep {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("taskgraph: task %q depends on unknown task %q", t.ID, dep)
				}
			}
		}
	}

	for _, t := range tasks {
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		w.tasks[t.ID] = t
		w.order = append(w.order, t.ID)
		if _, ok := w.inDegree[t.ID]; !ok {
			w.inDegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			w.graph[dep] = append(w.graph[dep], t.ID)
			w.inDegree[t.ID]++
		}
	}
	return nil
}

// AppendTask inserts a single task (typically a branch or fix task) into an
// already-loaded workflow. Unlike Load, dependencies must already exist.
func (w *WorkflowState) AppendTask(t *Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendTaskLocked(t)
}

func (w *WorkflowState) appendTaskLocked(t *Task) error {
	if _, exists := w.tasks[t.ID]; exists {
		return fmt.Errorf("taskgraph: duplicate task id %q", t.ID)
	}
	for _, dep := range t.Dependencies {
		if _, ok := w.tasks[dep]; !ok {
			return fmt.Errorf("taskgraph: task %q depends on unknown task %q", t.ID, dep)
		}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	w.tasks[t.ID] = t
	w.order = append(w.order, t.ID)
	for _, dep := range t.Dependencies {
		w.graph[dep] = append(w.graph[dep], t.ID)
		w.inDegree[t.ID]++
	}
	w.appendJournalLocked("task_appended", t.ID, "")
	return nil
}

// ReadySet returns every task whose status is pending and whose dependency
// count has reached zero, in insertion order. Tasks already completed are
// never returned (skip-completed invariant).
func (w *WorkflowState) ReadySet() []*Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []*Task
	for _, id := range w.order {
		t := w.tasks[id]
		if t.Status == StatusPending && w.inDegree[id] == 0 {
			ready = append(ready, t)
		}
	}
	return ready
}

// Get returns the live task by id. Callers in the same package may mutate
// fields other than Status/Dependencies directly; status transitions must
// go through the Mark* methods so bookkeeping stays consistent.
func (w *WorkflowState) Get(id string) (*Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[id]
	return t, ok
}

// MarkRunning transitions a task to running and journals a dispatch record.
func (w *WorkflowState) MarkRunning(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[id]; ok {
		t.Status = StatusRunning
		w.appendJournalLocked("task_dispatched", id, "")
	}
}

// MarkCompleted transitions a task to completed, records its artifact path,
// and releases every dependent's in-degree count, making newly-zero
// dependents eligible for the next ReadySet call.
func (w *WorkflowState) MarkCompleted(id, artifactPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[id]
	if !ok {
		return
	}
	t.Status = StatusCompleted
	if artifactPath != "" {
		if t.OriginalArtifactPath == "" {
			t.OriginalArtifactPath = artifactPath
		}
		t.Metadata["artifact_path"] = artifactPath
	}
	for _, dependent := range w.graph[id] {
		w.inDegree[dependent]--
	}
	w.appendJournalLocked("task_completed", id, artifactPath)
}

// MarkFailedCascade transitions a task to failed and marks every reachable
// dependent blocked (cascade-skip on non-branchable failure, §4.6 step 6).
func (w *WorkflowState) MarkFailedCascade(id string, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[id]
	if !ok {
		return
	}
	t.Status = StatusFailed
	w.appendJournalLocked("task_failed", id, reason)
	w.cascadeBlockLocked(id)
}

func (w *WorkflowState) cascadeBlockLocked(failedID string) {
	queue := []string{failedID}
	visited := map[string]bool{failedID: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range w.graph[cur] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if t, ok := w.tasks[dep]; ok && t.Status != StatusCompleted {
				t.Status = StatusBlocked
				w.appendJournalLocked("task_blocked", dep, "upstream failure in "+cur)
				queue = append(queue, dep)
			}
		}
	}
}

// MarkBlocked transitions a single task to blocked (used when a branch is
// created against its parent).
func (w *WorkflowState) MarkBlocked(id, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[id]; ok {
		t.Status = StatusBlocked
		w.appendJournalLocked("task_blocked", id, reason)
	}
}

// Unblock transitions a blocked task back to pending, e.g. after its branch
// completes and its acceptance tests pass again.
func (w *WorkflowState) Unblock(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tasks[id]; ok && t.Status == StatusBlocked {
		t.Status = StatusPending
	}
}

// AllCompleted reports whether every task in the workflow has reached a
// terminal completed status.
func (w *WorkflowState) AllCompleted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.order {
		if w.tasks[id].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// HasUnresolvable reports whether any task is in the failed state. Blocked
// tasks are not counted, whatever branch depth remains.
func (w *WorkflowState) HasUnresolvable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.order {
		if w.tasks[id].Status == StatusFailed {
			return true
		}
	}
	return false
}

// NextBranchID allocates the next sequential branch id for parentID,
// formatted "{parent_id}_branch_{n}" per spec.md §4.6.1.
func (w *WorkflowState) NextBranchID(parentID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.branchN[parentID]++
	return fmt.Sprintf("%s_branch_%d", parentID, w.branchN[parentID])
}

// IncrementBranchDepth increments current_branch_depth, returning false
// without mutating state if doing so would exceed MaxBranchDepth (testable
// property 3).
func (w *WorkflowState) IncrementBranchDepth() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CurrentBranchDepth >= w.MaxBranchDepth {
		return false
	}
	w.CurrentBranchDepth++
	return true
}

// DecrementBranchDepth lowers current_branch_depth after a branch resolves,
// never going below zero.
func (w *WorkflowState) DecrementBranchDepth() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CurrentBranchDepth > 0 {
		w.CurrentBranchDepth--
	}
}

// AppendJournal records an audit entry visible via Journal.
func (w *WorkflowState) AppendJournal(kind, taskID, detail string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendJournalLocked(kind, taskID, detail)
}

func (w *WorkflowState) appendJournalLocked(kind, taskID, detail string) {
	w.journal = append(w.journal, JournalEntry{Timestamp: time.Now(), Kind: kind, TaskID: taskID, Detail: detail})
}

// Journal returns a copy of the audit log accumulated so far.
func (w *WorkflowState) Journal() []JournalEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]JournalEntry(nil), w.journal...)
}

// Snapshot returns a deep copy of every task, keyed by id, for status
// reporting without exposing the live graph to callers.
func (w *WorkflowState) Snapshot() map[string]*Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*Task, len(w.tasks))
	for id, t := range w.tasks {
		out[id] = t.Clone()
	}
	return out
}
