package planner

import (
	"context"
	"fmt"

	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/taskgraph"
)

// FixtureResolver resolves a fixture reference named in a TodoItem to a file
// path on disk. The core never generates fixtures, only resolves references
// to them (spec.md §6).
type FixtureResolver func(ctx context.Context, ref string) (path string, err error)

// ToTasks converts a validated TodoList's items into taskgraph.Task nodes,
// resolving any fixture references via resolve. resolve may be nil if no
// item carries fixture_refs.
func ToTasks(ctx context.Context, list *TodoList, resolve FixtureResolver) ([]*taskgraph.Task, error) {
	tasks := make([]*taskgraph.Task, 0, len(list.Items))
	for _, item := range list.Items {
		task, err := toTask(ctx, item, resolve)
		if err != nil {
			return nil, fmt.Errorf("planner: item %q: %w", item.ID, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func toTask(ctx context.Context, item TodoItem, resolve FixtureResolver) (*taskgraph.Task, error) {
	criteria := make([]taskgraph.AcceptanceCriterion, 0, len(item.AcceptanceCriteria))
	for _, c := range item.AcceptanceCriteria {
		criteria = append(criteria, taskgraph.AcceptanceCriterion{
			TestCommand:      c.TestCommand,
			TimeoutSeconds:   c.TimeoutSeconds,
			ExpectedArtifact: c.ExpectedArtifact,
			MetricAssertions: c.MetricAssertions,
		})
	}

	var routing map[taskgraph.FailureClass]string
	if len(item.FailureRouting) > 0 {
		routing = make(map[taskgraph.FailureClass]string, len(item.FailureRouting))
		for class, role := range item.FailureRouting {
			routing[taskgraph.FailureClass(class)] = role
		}
	}

	metadata := map[string]any{}
	if item.Priority != 0 {
		metadata["priority"] = item.Priority
	}
	if len(item.FixtureRefs) > 0 {
		if resolve == nil {
			return nil, fmt.Errorf("fixture_refs present but no FixtureResolver configured")
		}
		paths := make([]string, 0, len(item.FixtureRefs))
		for _, ref := range item.FixtureRefs {
			path, err := resolve(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("resolve fixture %q: %w", ref, err)
			}
			paths = append(paths, path)
		}
		metadata["fixture_paths"] = paths
	}

	return &taskgraph.Task{
		ID:                 item.ID,
		Title:              item.Title,
		Description:        item.Description,
		AgentRole:          item.AgentRole,
		Dependencies:       item.DependencyIDs,
		AcceptanceCriteria: criteria,
		FailureRouting:     routing,
		MaxRetries:         item.MaxRetries,
		TimeoutSeconds:     item.TimeoutSeconds,
		Metadata:           metadata,
	}, nil
}

// Load validates, converts, and loads a raw TodoList document's tasks into
// orch in one call, returning the workflow id the Orchestrator will
// recognise on subsequent Run/Status calls.
func Load(ctx context.Context, orch *orchestrator.Orchestrator, data []byte, resolve FixtureResolver) (string, error) {
	list, err := Parse(data)
	if err != nil {
		return "", err
	}
	tasks, err := ToTasks(ctx, list, resolve)
	if err != nil {
		return "", err
	}
	return orch.LoadWorkflow(list.WorkflowID, list.Metadata.AutoFixMode, list.Metadata.MaxBranchDepth, list.Metadata.MaxDebugAttempts, tasks)
}
