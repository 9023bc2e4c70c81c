package orchestrator

import (
	"context"

	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

const defaultBranchAgentRole = "debugger"

// createBranch implements §4.6.1: classify the failure, consult the
// parent's failure_routing table (falling back to the debugger role),
// construct a branch task inheriting the original artifact path, append it,
// block the parent, increment branch depth, and publish
// WORKFLOW_BRANCH_CREATED. It returns false if branching is not possible
// (branch depth or debug-attempt limit exhausted), leaving the caller to
// fail the task non-branchably instead.
func (o *Orchestrator) createBranch(ctx context.Context, wf *taskgraph.WorkflowState, parent *taskgraph.Task, oc outcome) bool {
	maxDebug := parent.MaxDebugAttempts
	if maxDebug == 0 {
		maxDebug = wf.MaxDebugAttemptsDefault
	}
	if parent.DebugAttempt >= maxDebug {
		wf.AppendJournal("branch_refused", parent.ID, "max_debug_attempts_exceeded")
		return false
	}
	if !wf.IncrementBranchDepth() {
		wf.AppendJournal("branch_refused", parent.ID, "branch_depth_exceeded")
		return false
	}

	class := classifyFailure(oc)
	targetRole := defaultBranchAgentRole
	if parent.FailureRouting != nil {
		if role, ok := parent.FailureRouting[class]; ok && role != "" {
			targetRole = role
		}
	}

	branchID := wf.NextBranchID(parent.ID)
	originalArtifact := resolveOriginalArtifactPath(wf, parent)

	branch := &taskgraph.Task{
		ID:                   branchID,
		Title:                "fix: " + parent.Title,
		Description:          oc.message,
		AgentRole:            targetRole,
		ParentID:             parent.ID,
		BranchReason:         class,
		DebugInstructions:    debugInstructions(oc),
		IsTemporary:          true,
		MaxDebugAttempts:     maxDebug,
		OriginalArtifactPath: originalArtifact,
		TimeoutSeconds:       parent.TimeoutSeconds,
	}

	if err := wf.AppendTask(branch); err != nil {
		wf.DecrementBranchDepth()
		wf.AppendJournal("branch_refused", parent.ID, err.Error())
		return false
	}

	parent.DebugAttempt++
	wf.MarkBlocked(parent.ID, "awaiting branch "+branchID)

	_ = o.publish(ctx, wf, eventbus.ChannelWorkflowBranchCreated, eventbus.KindWorkflowBranchCreated, parent.ID,
		eventbus.WorkflowBranchCreatedPayload{
			ParentTaskID:     parent.ID,
			BranchTaskID:     branchID,
			TargetAgentRole:  targetRole,
			FailureClass:     string(class),
			BranchDepth:      wf.CurrentBranchDepth,
			OriginalArtifact: originalArtifact,
		})
	return true
}

// resolveOriginalArtifactPath determines the file identity a branch task
// must write to, per the original-artifact-path invariant (§4.6.2): the
// parent's own inherited path if it already has one (nested branches),
// otherwise the parent's own recorded artifact, otherwise the first
// dependency that has one.
func resolveOriginalArtifactPath(wf *taskgraph.WorkflowState, parent *taskgraph.Task) string {
	if parent.OriginalArtifactPath != "" {
		return parent.OriginalArtifactPath
	}
	if ap := parent.ArtifactPath(); ap != "" {
		return ap
	}
	for _, depID := range parent.Dependencies {
		if dep, ok := wf.Get(depID); ok {
			if ap := dep.ArtifactPath(); ap != "" {
				return ap
			}
		}
	}
	return ""
}

// classifyFailure maps a failure outcome to one of the closed set of
// failure classes, preferring a tester's suggested class when present.
func classifyFailure(oc outcome) taskgraph.FailureClass {
	if oc.testResult != nil && oc.testResult.SuggestedClass != "" {
		return taskgraph.FailureClass(oc.testResult.SuggestedClass)
	}
	if oc.failureClass != "" {
		return taskgraph.FailureClass(oc.failureClass)
	}
	return taskgraph.FailureUnknown
}

// chainCoderFix appends a coder branch task that actually rewrites the
// artifact, using the debugger branch's findings as debug_instructions. It
// targets the same ParentID as the debugger branch it is chained off, so
// the coder branch's own completion is what unblocks the original failing
// task. It does not consume additional branch depth: a debugger-then-coder
// pair is one logical fix attempt. It returns true if the coder branch was
// appended, false if it fell back to unblocking the parent directly (append
// failure).
func (o *Orchestrator) chainCoderFix(ctx context.Context, wf *taskgraph.WorkflowState, debuggerBranch *taskgraph.Task, oc outcome) bool {
	instructions := oc.metadata["debug_instructions"]
	if instructions == "" {
		instructions = debuggerBranch.DebugInstructions
	}

	coderBranch := &taskgraph.Task{
		ID:                   wf.NextBranchID(debuggerBranch.ParentID),
		Title:                "fix: " + debuggerBranch.Title,
		Description:          debuggerBranch.Description,
		AgentRole:            "coder",
		ParentID:             debuggerBranch.ParentID,
		BranchReason:         debuggerBranch.BranchReason,
		DebugInstructions:    instructions,
		IsTemporary:          true,
		MaxDebugAttempts:     debuggerBranch.MaxDebugAttempts,
		OriginalArtifactPath: debuggerBranch.OriginalArtifactPath,
		TimeoutSeconds:       debuggerBranch.TimeoutSeconds,
	}

	if err := wf.AppendTask(coderBranch); err != nil {
		wf.AppendJournal("branch_refused", debuggerBranch.ParentID, err.Error())
		wf.Unblock(debuggerBranch.ParentID)
		wf.DecrementBranchDepth()
		return false
	}

	_ = o.publish(ctx, wf, eventbus.ChannelWorkflowBranchCreated, eventbus.KindWorkflowBranchCreated, debuggerBranch.ParentID,
		eventbus.WorkflowBranchCreatedPayload{
			ParentTaskID:     debuggerBranch.ParentID,
			BranchTaskID:     coderBranch.ID,
			TargetAgentRole:  "coder",
			FailureClass:     string(debuggerBranch.BranchReason),
			BranchDepth:      wf.CurrentBranchDepth,
			OriginalArtifact: coderBranch.OriginalArtifactPath,
		})
	return true
}

func debugInstructions(oc outcome) string {
	if oc.testResult == nil {
		return oc.message
	}
	for _, rec := range oc.testResult.Records {
		if !rec.Passed {
			return rec.Name + ": " + rec.Message
		}
	}
	return oc.message
}
