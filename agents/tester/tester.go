// Package tester implements the Tester agent contract: run each acceptance
// criterion's test command against the task's artifact(s), capture
// per-case pass/fail, durations and stderr, and classify the overall
// failure — in particular distinguishing a wall-time-exceeded timeout from
// every other failure mode.
package tester

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/eventbus"
)

const role = "tester"

const defaultCriterionTimeout = 30 * time.Second

// Runner executes one acceptance criterion's test command and returns its
// captured output. The default implementation shells out via os/exec;
// tests substitute a fake.
type Runner func(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, exitErr error, timedOut bool)

// New wires a tester agent onto bus. run defaults to ExecRunner when nil.
func New(bus eventbus.Bus, run Runner) (*agentframework.Base, error) {
	if run == nil {
		run = ExecRunner
	}
	return agentframework.New(bus, agentframework.Options{Role: role}, func(ctx context.Context, bus eventbus.Bus, evt eventbus.Event, payload eventbus.TaskDispatchedPayload) error {
		result := runAcceptanceSuite(ctx, run, payload)
		return agentframework.PublishTestResult(ctx, bus, evt, role, result)
	})
}

// runAcceptanceSuite runs every criterion in order, even after one fails, so
// a single test result always reports the full picture of what passed.
func runAcceptanceSuite(ctx context.Context, run Runner, payload eventbus.TaskDispatchedPayload) eventbus.TestResultPayload {
	var records []eventbus.TestRecord
	overallPassed := true
	suggestedClass := ""
	timeoutAnalysis := ""

	criteria := payload.AcceptanceCriteria
	if len(criteria) == 0 {
		return eventbus.TestResultPayload{OverallPassed: true}
	}

	for i, c := range criteria {
		timeout := time.Duration(c.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultCriterionTimeout
		}

		start := time.Now()
		stdout, stderr, err, timedOut := run(ctx, c.TestCommand, timeout)
		duration := time.Since(start).Seconds()

		passed := err == nil && !timedOut
		name := criterionName(c, i)

		rec := eventbus.TestRecord{
			Name:            name,
			Passed:          passed,
			DurationSeconds: duration,
			StderrExcerpt:   excerpt(stderr),
		}

		if passed {
			records = append(records, rec)
			continue
		}

		overallPassed = false
		if timedOut {
			rec.Message = "test command exceeded its timeout"
			suggestedClass = "timeout"
			timeoutAnalysis = analyzeTimeout(stdout, stderr)
		} else {
			rec.Message = errMessage(err)
			if suggestedClass == "" {
				suggestedClass = classifyFailureMessage(stdout, stderr, rec.Message)
			}
		}
		records = append(records, rec)
	}

	return eventbus.TestResultPayload{
		OverallPassed:   overallPassed,
		Records:         records,
		SuggestedClass:  suggestedClass,
		TimeoutAnalysis: timeoutAnalysis,
	}
}

func criterionName(c eventbus.AcceptanceCriterion, index int) string {
	if c.TestCommand != "" {
		return c.TestCommand
	}
	return "criterion_" + strconv.Itoa(index)
}

// analyzeTimeout extracts the last non-empty line written before the
// process was killed — a cheap but effective proxy for "where it hung" —
// along with a candidate fix strategy.
func analyzeTimeout(stdout, stderr string) string {
	last := lastNonEmptyLine(stderr)
	if last == "" {
		last = lastNonEmptyLine(stdout)
	}
	if last == "" {
		return "process exceeded its wall-clock timeout with no captured output; check for an unbounded loop or blocking I/O"
	}
	return "process exceeded its wall-clock timeout; last executed line: " + last
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// classifyFailureMessage makes a best-effort guess at failure class from
// common interpreter/compiler error shapes, leaving the orchestrator's
// failure_routing table to route the branch appropriately.
func classifyFailureMessage(stdout, stderr, message string) string {
	combined := strings.ToLower(stdout + " " + stderr + " " + message)
	switch {
	case strings.Contains(combined, "syntaxerror") || strings.Contains(combined, "syntax error"):
		return "syntax_error"
	case strings.Contains(combined, "importerror") || strings.Contains(combined, "modulenotfounderror") || strings.Contains(combined, "no such file"):
		return "import_error"
	case strings.Contains(combined, "assertionerror") || strings.Contains(combined, "assertion"):
		return "logic_error"
	default:
		return "implementation_bug"
	}
}

func excerpt(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExecRunner runs command through the host shell, enforcing timeout via a
// derived context and reporting whether the process was killed on expiry.
func ExecRunner(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, exitErr error, timedOut bool) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return outBuf.String(), errBuf.String(), err, true
	}
	return outBuf.String(), errBuf.String(), err, false
}
