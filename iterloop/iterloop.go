// Package iterloop wraps the orchestrator with an outer convergence loop:
// run a pass, fix whatever acceptance tests failed, reload, repeat, up to a
// bounded number of iterations.
package iterloop

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

const defaultMaxIterations = 5

// PassSummary records one orchestrator pass within an IterationReport.
type PassSummary struct {
	Iteration      int
	CompletedCount int
	FailedCount    int
	BlockedCount   int
	Status         string
}

// IterationReport is the persisted artifact produced by one Driver.Run call.
type IterationReport struct {
	WorkflowID   string
	StartedAt    time.Time
	FinishedAt   time.Time
	Passes       []PassSummary
	FinalStatus  string // "converged", "exhausted", "blocked"
	RemainingErr string
}

// Driver runs the iterative convergence loop over an Orchestrator.
type Driver struct {
	orch          *orchestrator.Orchestrator
	maxIterations int
}

// New builds a Driver. maxIterations <= 0 uses the spec default of 5.
func New(orch *orchestrator.Orchestrator, maxIterations int) *Driver {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &Driver{orch: orch, maxIterations: maxIterations}
}

// Run drives workflowID to convergence: repeatedly running an orchestrator
// pass and letting the orchestrator's own branch-on-failure handling retry
// failed tasks, until every task completes, the workflow is structurally
// blocked, or max_iterations is reached.
//
// §4.6.1's branch construction (classify, consult failure_routing, inherit
// original_artifact_path, append) lives in Orchestrator.createBranch, keyed
// off a failing task's own outcome at the moment it fails — that detail
// isn't available out here once a task has gone blocked, so this loop does
// not reclassify or re-mint fix tasks itself. Instead, Orchestrator.Run
// hands back control to this loop as soon as a round mints a fresh
// branch/fix task, rather than looping internally to wait on it: that keeps
// each call here lined up with one spec-defined pass (§4.7 step 3's "for
// each failing test... create a fix task... append to the workflow" already
// happened by the time Run returns; this loop's job is purely the outer
// one — observe whether a pass converged, and if not, and the orchestrator
// still has ready or blocked-but-recoverable work, give it another pass).
func (d *Driver) Run(ctx context.Context, workflowID string) (IterationReport, error) {
	report := IterationReport{WorkflowID: workflowID, StartedAt: time.Now()}

	for iteration := 1; iteration <= d.maxIterations; iteration++ {
		if err := d.orch.ReloadWorkflowTasks(workflowID); err != nil {
			report.FinishedAt = time.Now()
			report.FinalStatus = "blocked"
			report.RemainingErr = err.Error()
			return report, err
		}

		summary, err := d.orch.Run(ctx, workflowID)
		if err != nil {
			report.FinishedAt = time.Now()
			report.FinalStatus = "blocked"
			report.RemainingErr = err.Error()
			return report, err
		}

		report.Passes = append(report.Passes, PassSummary{
			Iteration:      iteration,
			CompletedCount: summary.CompletedCount,
			FailedCount:    summary.FailedCount,
			BlockedCount:   summary.BlockedCount,
			Status:         summary.Status,
		})

		log.Printf(ctx, "iterloop: workflow %s pass %d status=%s completed=%d failed=%d blocked=%d",
			workflowID, iteration, summary.Status, summary.CompletedCount, summary.FailedCount, summary.BlockedCount)

		switch summary.Status {
		case "completed":
			report.FinishedAt = time.Now()
			report.FinalStatus = "converged"
			return report, nil
		case "blocked":
			status, statusErr := d.orch.Status(workflowID)
			if statusErr == nil && !anyRecoverable(status.Tasks) {
				report.FinishedAt = time.Now()
				report.FinalStatus = "blocked"
				report.RemainingErr = "workflow has unresolvable failures; no further branches possible"
				return report, nil
			}
			// Recoverable blocked state (branches in flight) — give the
			// orchestrator another pass rather than stopping here.
		}
	}

	report.FinishedAt = time.Now()
	report.FinalStatus = "exhausted"
	report.RemainingErr = fmt.Sprintf("max_iterations (%d) reached with unresolved failures", d.maxIterations)
	return report, nil
}

// anyRecoverable reports whether the snapshot contains a pending, ready or
// running task — work a further pass could still dispatch or finish, such
// as a branch in flight under a blocked parent. Blocked and failed tasks do
// not count on their own.
func anyRecoverable(tasks map[string]*taskgraph.Task) bool {
	for _, t := range tasks {
		switch t.Status {
		case taskgraph.StatusPending, taskgraph.StatusRunning, taskgraph.StatusReady:
			return true
		}
	}
	return false
}
