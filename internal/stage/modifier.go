package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/store"
	"github.com/patchline/patchline/internal/workspace"
)

// Modification is the Modifier's output record. SnapshotID names the
// pre-modification baseline a retry restores.
type Modification struct {
	Branch     string `json:"branch"`
	File       string `json:"file"`
	CommitHash string `json:"commitHash"`
	LinesAdded int    `json:"linesAdded"`
	SnapshotID string `json:"snapshotId"`
}

// Modifier applies a plan to the shared working tree: branch, write,
// commit. It holds the workspace lock for the whole sequence and takes
// a snapshot before writing so a failed attempt can be rolled back.
type Modifier struct {
	ws  *workspace.Workspace
	st  recorder
	clk clock.Clock
}

func NewModifier(ws *workspace.Workspace, st recorder, clk clock.Clock) *Modifier {
	return &Modifier{ws: ws, st: st, clk: clk}
}

func (m *Modifier) Run(ctx context.Context, taskID, feedbackID string, plan *Plan, stream *bus.Stream) (*Modification, error) {
	started := m.clk.Now()
	emitStage(stream, store.StageApplyChanges, store.StageStarted)

	mod, err := m.apply(ctx, feedbackID, plan)
	if err != nil {
		stageRow(m.st, m.clk, taskID, store.StageApplyChanges, started, store.StageFailed,
			map[string]any{"error": err.Error(), "file": plan.File})
		return nil, Errf(KindWorkspaceError, "modifier: %v", err)
	}

	stageRow(m.st, m.clk, taskID, store.StageApplyChanges, started, store.StageCompleted, map[string]any{
		"branch":      mod.Branch,
		"file":        mod.File,
		"commit_hash": mod.CommitHash,
		"lines_added": mod.LinesAdded,
	})
	return mod, nil
}

func (m *Modifier) apply(ctx context.Context, feedbackID string, plan *Plan) (*Modification, error) {
	m.ws.Lock()
	defer m.ws.Unlock()

	if err := m.ws.Ensure(ctx); err != nil {
		return nil, err
	}
	snapID, err := m.ws.Snapshot("pre-modify " + feedbackID)
	if err != nil {
		return nil, err
	}

	branch := workspace.BranchName(feedbackID, m.clk.Now())
	if err := m.ws.CheckoutNewBranch(ctx, branch); err != nil {
		return nil, err
	}

	switch plan.Action {
	case "delete":
		if err := m.ws.Remove(plan.File); err != nil {
			return nil, err
		}
	case "replace":
		if err := m.ws.WriteFile(plan.File, plan.CodeBlock, workspace.ModeReplace); err != nil {
			return nil, err
		}
	case "insert":
		if err := m.ws.WriteFile(plan.File, plan.CodeBlock, workspace.ModeInsert); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown plan action %q", plan.Action)
	}

	hash, err := m.ws.Commit(ctx, fmt.Sprintf("patchline: %s", plan.Description))
	if err != nil {
		return nil, err
	}

	return &Modification{
		Branch:     branch,
		File:       plan.File,
		CommitHash: hash,
		LinesAdded: countLines(plan),
		SnapshotID: snapID,
	}, nil
}

func countLines(plan *Plan) int {
	if plan.Action == "delete" || plan.CodeBlock == "" {
		return 0
	}
	return strings.Count(plan.CodeBlock, "\n") + 1
}
