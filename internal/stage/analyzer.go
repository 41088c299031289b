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

// Analysis is the Analyzer's output record.
type Analysis struct {
	Intent      string `json:"intent"`
	Feasibility string `json:"feasibility"`
	Priority    string `json:"priority"`
	Impact      string `json:"impact"`
	Summary     string `json:"summary"`
}

// NeedsHuman reports whether the feedback should be handed off instead
// of driven through the pipeline.
func (a *Analysis) NeedsHuman() bool { return a.Feasibility == "low" }

var validIntents = map[string]bool{
	"accuracy": true, "speed": true, "ui": true,
	"function": true, "language": true, "other": true,
}

var validFeasibilities = map[string]bool{
	"high": true, "medium": true, "low": true,
}

// Analyzer classifies a feedback: what the user wants, and whether the
// pipeline can act on it without a human.
type Analyzer struct {
	model completer
	st    recorder
	clk   clock.Clock
}

func NewAnalyzer(model completer, st recorder, clk clock.Clock) *Analyzer {
	return &Analyzer{model: model, st: st, clk: clk}
}

const analyzePrompt = `Classify this product feedback for an automated code-improvement agent.

Feedback (language %q): %s

Respond with JSON only:
{
  "intent": one of "accuracy", "speed", "ui", "function", "language", "other",
  "feasibility": "high" | "medium" | "low" (low = an automated code change cannot address it),
  "priority": "high" | "medium" | "low",
  "impact": short phrase describing the user-facing impact,
  "summary": one sentence restating the request
}`

func (a *Analyzer) Run(ctx context.Context, taskID string, fb *store.Feedback, stream *bus.Stream) (*Analysis, error) {
	started := a.clk.Now()
	emitStage(stream, store.StageAnalyzeIntent, store.StageStarted)

	res, err := a.model.Call(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(analyzePrompt, fb.Language, fb.Content)},
	}, llm.CallOptions{
		TaskID:     taskID,
		FeedbackID: fb.ID,
		CallType:   "analyze",
		MaxTokens:  1024,
	})
	if err != nil {
		stageRow(a.st, a.clk, taskID, store.StageAnalyzeIntent, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, err
	}

	analysis, err := parseAnalysis(res.Content)
	if err != nil {
		stageRow(a.st, a.clk, taskID, store.StageAnalyzeIntent, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, Errf(KindModelTransient, "analyzer: %v", err)
	}

	stageRow(a.st, a.clk, taskID, store.StageAnalyzeIntent, started, store.StageCompleted, map[string]any{
		"intent":      analysis.Intent,
		"feasibility": analysis.Feasibility,
		"priority":    analysis.Priority,
		"impact":      analysis.Impact,
		"summary":     analysis.Summary,
	})
	if stream != nil {
		stream.Publish(bus.TypeIntent, analysis)
	}
	return analysis, nil
}

// parseAnalysis is defensive: models wrap JSON in prose, invent casing
// and omit fields. Unknown enum values degrade to the safe defaults.
func parseAnalysis(content string) (*Analysis, error) {
	raw := llm.ExtractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in analysis response")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	if !validIntents[a.Intent] {
		a.Intent = "other"
	}
	if !validFeasibilities[a.Feasibility] {
		a.Feasibility = "medium"
	}
	if a.Priority == "" {
		a.Priority = "medium"
	}
	return &a, nil
}
