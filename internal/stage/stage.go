// Package stage holds the five pipeline services: Analyzer, Planner,
// Modifier, Tester and Publisher. Each runs one model call plus at most
// one workspace or harness action, writes its Stage row to the store and
// emits matching events on the task's stream. Services never call each
// other; sequencing lives in the orchestrator.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/llm"
	"github.com/patchline/patchline/internal/store"
)

// ErrorKind classifies a stage failure for the orchestrator's policy
// table.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindBreakerBlocked ErrorKind = "breaker-blocked"
	KindModelTransient ErrorKind = "model-transient"
	KindWorkspaceError ErrorKind = "workspace-error"
	KindQualityGate    ErrorKind = "quality-gate-failed"
	KindTestEnvMissing ErrorKind = "test-environment-missing"
	KindCancelled      ErrorKind = "cancelled"
)

// Error is a classified stage failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Errf builds a classified error.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error's kind, classifying raw model and context
// errors; def applies when nothing more specific matches.
func KindOf(err error, def ErrorKind) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if llm.IsBlocked(err) {
		return KindBreakerBlocked
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindModelTransient
	}
	return def
}

// completer is the slice of llm.Client the stages need.
type completer interface {
	Call(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (*llm.Result, error)
}

// recorder writes stage rows; satisfied by every store backend.
type recorder interface {
	AppendStage(taskID string, st store.Stage) error
}

// stageRow writes one completed-or-failed stage row. Store failures are
// logged by the store itself; a lost audit row never fails the stage.
func stageRow(rec recorder, clk clock.Clock, taskID, name string, started time.Time, status store.StageStatus, data map[string]any) {
	rec.AppendStage(taskID, store.Stage{
		Name:      name,
		Status:    status,
		StartedAt: started,
		EndedAt:   clk.Now(),
		Data:      data,
	})
}

// emitStage publishes the canonical stage event.
func emitStage(stream *bus.Stream, name string, status store.StageStatus) {
	if stream == nil {
		return
	}
	stream.Publish(bus.TypeStage, map[string]any{"stage": name, "status": string(status)})
}
