// Package orchestrator sequences the pipeline: analyze, plan, modify,
// test, publish, with one bounded back-edge from a failed test run to a
// fresh plan. It is the single writer of Feedback and Task rows and the
// producer on each task's event stream.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/logging"
	"github.com/patchline/patchline/internal/stage"
	"github.com/patchline/patchline/internal/store"
)

// Stage service contracts. The concrete types live in the stage
// package; the orchestrator only sequences them.
type (
	Analyzer interface {
		Run(ctx context.Context, taskID string, fb *store.Feedback, stream *bus.Stream) (*stage.Analysis, error)
	}
	Planner interface {
		Run(ctx context.Context, taskID, feedbackID string, analysis *stage.Analysis, priorFailure string, stream *bus.Stream) (*stage.Plan, error)
	}
	Modifier interface {
		Run(ctx context.Context, taskID, feedbackID string, plan *stage.Plan, stream *bus.Stream) (*stage.Modification, error)
	}
	Tester interface {
		Run(ctx context.Context, taskID, feedbackID string, mod *stage.Modification, plan *stage.Plan, stream *bus.Stream) (*stage.TestOutcome, error)
	}
	Publisher interface {
		Run(ctx context.Context, taskID, feedbackID string, analysis *stage.Analysis, plan *stage.Plan, mod *stage.Modification, outcome *stage.TestOutcome, stream *bus.Stream) (*stage.Publication, error)
	}
)

// snapshotter is the rollback slice of workspace.Workspace: each retry
// restores the baseline its own modifier run snapshotted, so concurrent
// tasks never roll back each other's work.
type snapshotter interface {
	Restore(id string) error
}

// Deps wires the orchestrator. Clock and Log may be nil.
type Deps struct {
	Store     store.Store
	Breaker   *breaker.Breaker
	Workspace snapshotter
	Analyzer  Analyzer
	Planner   Planner
	Modifier  Modifier
	Tester    Tester
	Publisher Publisher

	Clock        clock.Clock
	Log          *logging.Logger
	MaxRetries   int // hard cap on the back-edge, default 3
	StreamBuffer int
}

// Orchestrator runs one goroutine per submitted feedback.
type Orchestrator struct {
	d Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Pipelines run against the orchestrator's
// own context so a subscriber disconnect never cancels them; Shutdown
// does.
func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if d.Log == nil {
		d.Log = logging.New(logging.LevelInfo)
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{d: d, ctx: ctx, cancel: cancel}
}

// Submit validates and persists a feedback, then launches its pipeline.
// The returned stream delivers connected first and done last; closing
// it does not stop the pipeline.
func (o *Orchestrator) Submit(content, userID, language string) (string, *bus.Stream, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil, stage.Errf(stage.KindValidation, "feedback content is empty")
	}
	if r := []rune(content); len(r) > store.MaxContentLength {
		content = string(r[:store.MaxContentLength])
	}

	now := o.d.Clock.Now()
	fb := &store.Feedback{
		ID:        clock.NewID(),
		UserID:    userID,
		Content:   content,
		Language:  language,
		Status:    store.FeedbackPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.d.Store.CreateFeedback(fb); err != nil {
		return "", nil, fmt.Errorf("create feedback: %w", err)
	}

	task := &store.Task{
		ID:         clock.NewID(),
		FeedbackID: fb.ID,
		Status:     store.TaskRunning,
		CreatedAt:  now,
	}
	if err := o.d.Store.CreateTask(task); err != nil {
		return "", nil, fmt.Errorf("create task: %w", err)
	}

	stream := bus.NewStream(task.ID, o.d.StreamBuffer)
	stream.Publish(bus.TypeConnected, map[string]any{
		"taskId":     task.ID,
		"feedbackId": fb.ID,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(task, fb, stream)
	}()
	return task.ID, stream, nil
}

// Shutdown cancels every in-flight pipeline and waits for them to reach
// their aborted terminal state, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// run drives one feedback to a terminal state. Every exit path writes
// the terminal rows, emits complete|error then done, and releases the
// breaker entry.
func (o *Orchestrator) run(task *store.Task, fb *store.Feedback, stream *bus.Stream) {
	ctx := o.ctx
	log := o.d.Log

	analysis, err := o.analyzed(ctx, task, fb, stream)
	if err != nil {
		o.fail(task, fb, stream, err, stage.KindModelTransient)
		return
	}
	if analysis.NeedsHuman() {
		log.Infof("task %s: feasibility low, handing off", clock.ShortID(task.ID))
		o.finish(task, fb, stream, store.FeedbackNeedsHuman, store.TaskCompleted,
			"requires human review: "+analysis.Summary,
			map[string]any{"needsHuman": true, "summary": analysis.Summary})
		return
	}

	var publication *stage.Publication
	var lastMod *stage.Modification
	priorFailure := ""
	for attempt := 0; ; attempt++ {
		if attempt > o.d.MaxRetries {
			// The breaker bounds retries; this is the local backstop.
			o.exhausted(task, fb, stream, priorFailure)
			return
		}
		if attempt > 0 {
			if lastMod != nil && lastMod.SnapshotID != "" {
				if err := o.d.Workspace.Restore(lastMod.SnapshotID); err != nil {
					o.fail(task, fb, stream, stage.Errf(stage.KindWorkspaceError, "restore baseline: %v", err), stage.KindWorkspaceError)
					return
				}
			}
			log.Infof("task %s: retry %d after failed tests", clock.ShortID(task.ID), attempt)
		}

		o.setStatus(fb, store.FeedbackGenerating)
		plan, err := o.d.Planner.Run(ctx, task.ID, fb.ID, analysis, priorFailure, stream)
		if err != nil {
			o.fail(task, fb, stream, err, stage.KindModelTransient)
			return
		}

		o.setStatus(fb, store.FeedbackModifying)
		mod, err := o.d.Modifier.Run(ctx, task.ID, fb.ID, plan, stream)
		if err != nil {
			o.fail(task, fb, stream, err, stage.KindWorkspaceError)
			return
		}
		lastMod = mod

		o.setStatus(fb, store.FeedbackTesting)
		outcome, err := o.d.Tester.Run(ctx, task.ID, fb.ID, mod, plan, stream)
		if err != nil {
			o.fail(task, fb, stream, err, stage.KindModelTransient)
			return
		}

		if outcome.Passed {
			o.setStatus(fb, store.FeedbackPublishing)
			publication, err = o.d.Publisher.Run(ctx, task.ID, fb.ID, analysis, plan, mod, outcome, stream)
			if err != nil {
				o.fail(task, fb, stream, err, stage.KindModelTransient)
				return
			}
			break
		}

		if !outcome.CanRetry {
			o.exhausted(task, fb, stream, outcome.FailureSummary())
			return
		}
		priorFailure = outcome.FailureSummary()
	}

	o.finish(task, fb, stream, store.FeedbackCompleted, store.TaskCompleted,
		publication.Changelog,
		map[string]any{"result": publication.Changelog, "pr": publication.PR})
}

// analyzed runs the analyzer with the feedback in the analyzing state.
func (o *Orchestrator) analyzed(ctx context.Context, task *store.Task, fb *store.Feedback, stream *bus.Stream) (*stage.Analysis, error) {
	o.setStatus(fb, store.FeedbackAnalyzing)
	return o.d.Analyzer.Run(ctx, task.ID, fb, stream)
}

// exhausted ends a task whose retry budget ran out: the change exists
// but never passed its gate, so a human takes over.
func (o *Orchestrator) exhausted(task *store.Task, fb *store.Feedback, stream *bus.Stream, reason string) {
	task.Error = string(stage.KindQualityGate)
	if stream != nil {
		stream.Publish(bus.TypeError, map[string]any{
			"kind":    string(stage.KindQualityGate),
			"message": reason,
		})
	}
	o.terminate(task, fb, stream, store.FeedbackNeedsHuman, store.TaskFailed, "tests kept failing: "+reason)
}

// fail ends a task on a stage error. def classifies raw errors from the
// failing stage.
func (o *Orchestrator) fail(task *store.Task, fb *store.Feedback, stream *bus.Stream, err error, def stage.ErrorKind) {
	kind := stage.KindOf(err, def)
	taskStatus := store.TaskFailed
	if kind == stage.KindCancelled {
		taskStatus = store.TaskAborted
	}
	o.d.Log.Warnf("task %s: %s (%v)", clock.ShortID(task.ID), kind, err)

	task.Error = err.Error()
	if stream != nil {
		stream.Publish(bus.TypeError, map[string]any{
			"kind":    string(kind),
			"message": err.Error(),
		})
	}
	o.terminate(task, fb, stream, store.FeedbackFailed, taskStatus, err.Error())
}

// finish ends a task successfully (or as a clean human handoff).
func (o *Orchestrator) finish(task *store.Task, fb *store.Feedback, stream *bus.Stream, fbStatus store.FeedbackStatus, taskStatus store.TaskStatus, result string, completeData map[string]any) {
	if stream != nil {
		stream.Publish(bus.TypeComplete, completeData)
	}
	o.terminate(task, fb, stream, fbStatus, taskStatus, result)
}

// terminate writes the terminal rows, emits done, flushes the store and
// drops the breaker entry. Runs on every exit path exactly once.
func (o *Orchestrator) terminate(task *store.Task, fb *store.Feedback, stream *bus.Stream, fbStatus store.FeedbackStatus, taskStatus store.TaskStatus, result string) {
	now := o.d.Clock.Now()

	fb.Status = fbStatus
	fb.Result = result
	fb.UpdatedAt = now
	if err := o.d.Store.UpdateFeedback(fb); err != nil {
		o.d.Log.Errorf("task %s: update feedback: %v", clock.ShortID(task.ID), err)
	}

	task.Status = taskStatus
	task.CompletedAt = now
	if err := o.d.Store.UpdateTask(task); err != nil {
		o.d.Log.Errorf("task %s: update task: %v", clock.ShortID(task.ID), err)
	}

	if stream != nil {
		stream.Publish(bus.TypeDone, nil)
	}
	if o.d.Breaker != nil {
		o.d.Breaker.Forget(task.ID)
	}
	if err := o.d.Store.Flush(); err != nil {
		o.d.Log.Errorf("flush store: %v", err)
	}
}

// setStatus advances the feedback's pipeline status.
func (o *Orchestrator) setStatus(fb *store.Feedback, s store.FeedbackStatus) {
	fb.Status = s
	fb.UpdatedAt = o.d.Clock.Now()
	if err := o.d.Store.UpdateFeedback(fb); err != nil {
		o.d.Log.Errorf("feedback %s: update status: %v", clock.ShortID(fb.ID), err)
	}
}

// Wait blocks until all in-flight pipelines finished. Test helper and
// drain hook; most callers use Shutdown.
func (o *Orchestrator) Wait(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
