package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/harness"
	"github.com/patchline/patchline/internal/store"
)

// TestOutcome is the Tester's output record. A failed gate is a policy
// outcome, not an error: CanRetry tells the orchestrator whether the
// back-edge is still open.
type TestOutcome struct {
	Passed   bool           `json:"passed"`
	CanRetry bool           `json:"canRetry"`
	Report   harness.Report `json:"report"`
}

// FailureSummary renders the report for the next planning attempt.
func (o *TestOutcome) FailureSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d cases passed", o.Report.TestsPassed, o.Report.TestsRun)
	for _, d := range o.Report.Details {
		if !d.Passed {
			fmt.Fprintf(&b, "; %s: %s", d.Name, d.Error)
		}
	}
	return b.String()
}

// caseRunner is the slice of harness.Harness the Tester needs.
type caseRunner interface {
	GenerateCases(ctx context.Context, taskID, feedbackID, changeSummary string) ([]harness.Case, error)
	Run(ctx context.Context, cases []harness.Case, progress func(harness.CaseResult)) harness.Report
}

// retrier is the slice of breaker.Breaker the Tester needs.
type retrier interface {
	IncrementRetry(taskID string) bool
}

// Tester runs the quality gate over the applied change.
type Tester struct {
	harness caseRunner
	brk     retrier
	st      recorder
	clk     clock.Clock
}

func NewTester(h caseRunner, brk retrier, st recorder, clk clock.Clock) *Tester {
	return &Tester{harness: h, brk: brk, st: st, clk: clk}
}

func (t *Tester) Run(ctx context.Context, taskID, feedbackID string, mod *Modification, plan *Plan, stream *bus.Stream) (*TestOutcome, error) {
	started := t.clk.Now()
	emitStage(stream, store.StageRunTests, store.StageStarted)

	summary := fmt.Sprintf("%s (%s %s on branch %s)", plan.Description, plan.Action, mod.File, mod.Branch)
	cases, err := t.harness.GenerateCases(ctx, taskID, feedbackID, summary)
	if err != nil {
		stageRow(t.st, t.clk, taskID, store.StageRunTests, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, err
	}

	report := t.harness.Run(ctx, cases, func(r harness.CaseResult) {
		if stream != nil {
			stream.Publish(bus.TypeTestProgress, r)
		}
	})

	outcome := &TestOutcome{Passed: report.Passed, Report: report}
	status := store.StageCompleted
	if !report.Passed {
		outcome.CanRetry = t.brk.IncrementRetry(taskID)
		status = store.StageFailed
	}

	stageRow(t.st, t.clk, taskID, store.StageRunTests, started, status, map[string]any{
		"passed":       report.Passed,
		"tests_run":    report.TestsRun,
		"tests_passed": report.TestsPassed,
		"tests_failed": report.TestsFailed,
		"can_retry":    outcome.CanRetry,
	})
	if stream != nil {
		stream.Publish(bus.TypeTestResult, outcome)
	}
	return outcome, nil
}
