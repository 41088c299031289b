package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/llm"
	"github.com/patchline/patchline/internal/store"
)

// Plan is one concrete code change the Modifier can apply.
type Plan struct {
	File        string `json:"file"`
	Action      string `json:"action"` // replace, insert, delete
	CodeBlock   string `json:"codeBlock"`
	Description string `json:"description"`
}

var validActions = map[string]bool{"replace": true, "insert": true, "delete": true}

// codeChunkSize bounds each code_chunk event so slow readers drop small
// pieces, not the whole block.
const codeChunkSize = 400

// Planner turns an analysis into a single-file change plan.
type Planner struct {
	model completer
	st    recorder
	clk   clock.Clock
}

func NewPlanner(model completer, st recorder, clk clock.Clock) *Planner {
	return &Planner{model: model, st: st, clk: clk}
}

const planPrompt = `Produce a code change for this feedback.

Feedback: %s
Intent: %s
Summary: %s
%s
Respond with JSON only:
{
  "file": "relative/path/to/file",
  "action": "replace" | "insert" | "delete",
  "codeBlock": "the complete new file content (empty for delete)",
  "description": "one sentence describing the change"
}`

// Run generates the plan. priorFailure, when non-empty, is the previous
// attempt's test report so the retry plans around it.
func (p *Planner) Run(ctx context.Context, taskID, feedbackID string, analysis *Analysis, priorFailure string, stream *bus.Stream) (*Plan, error) {
	started := p.clk.Now()
	emitStage(stream, store.StageGenerateSolution, store.StageStarted)

	hint := ""
	if priorFailure != "" {
		hint = "The previous attempt failed its tests:\n" + priorFailure + "\nProduce a different change that addresses the failure.\n"
	}

	res, err := p.model.Call(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(planPrompt, analysis.Summary, analysis.Intent, analysis.Impact, hint)},
	}, llm.CallOptions{
		TaskID:     taskID,
		FeedbackID: feedbackID,
		CallType:   "plan",
		MaxTokens:  4096,
	})
	if err != nil {
		stageRow(p.st, p.clk, taskID, store.StageGenerateSolution, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, err
	}

	plan, err := parsePlan(res.Content)
	if err != nil {
		stageRow(p.st, p.clk, taskID, store.StageGenerateSolution, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, Errf(KindModelTransient, "planner: %v", err)
	}

	stageRow(p.st, p.clk, taskID, store.StageGenerateSolution, started, store.StageCompleted, map[string]any{
		"file":        plan.File,
		"action":      plan.Action,
		"description": plan.Description,
	})

	if stream != nil {
		for off := 0; off < len(plan.CodeBlock); off += codeChunkSize {
			end := off + codeChunkSize
			if end > len(plan.CodeBlock) {
				end = len(plan.CodeBlock)
			}
			stream.Publish(bus.TypeCodeChunk, map[string]any{"chunk": plan.CodeBlock[off:end]})
		}
		stream.Publish(bus.TypeSuggestion, plan)
	}
	return plan, nil
}

func parsePlan(content string) (*Plan, error) {
	raw := llm.ExtractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in plan response")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if plan.File == "" {
		return nil, fmt.Errorf("plan names no file")
	}
	if !validActions[plan.Action] {
		return nil, fmt.Errorf("plan action %q not one of replace/insert/delete", plan.Action)
	}
	if plan.Action != "delete" && plan.CodeBlock == "" {
		return nil, fmt.Errorf("plan carries no code for %s", plan.Action)
	}
	return &plan, nil
}
