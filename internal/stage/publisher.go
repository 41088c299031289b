package stage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/llm"
	"github.com/patchline/patchline/internal/store"
)

// PullRequest is the published change record. Provider names the
// adapter that produced it so a stubbed PR is never mistaken for a real
// one.
type PullRequest struct {
	URL      string `json:"url"`
	Number   int    `json:"number"`
	Branch   string `json:"branch"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Provider string `json:"provider"`
}

// PRCreator opens a pull request on the Git hosting remote.
type PRCreator interface {
	CreatePR(ctx context.Context, branch, title, body string) (*PullRequest, error)
}

// StubPRCreator fabricates PR records locally. It exists so the
// pipeline can run without hosting credentials; every record it emits
// is flagged Provider "stub".
type StubPRCreator struct {
	BaseURL string
	counter atomic.Int64
}

func (s *StubPRCreator) CreatePR(ctx context.Context, branch, title, body string) (*PullRequest, error) {
	base := s.BaseURL
	if base == "" {
		base = "https://example.invalid/patchline"
	}
	n := int(s.counter.Add(1))
	return &PullRequest{
		URL:      fmt.Sprintf("%s/pull/%d", base, n),
		Number:   n,
		Branch:   branch,
		Title:    title,
		Body:     body,
		Provider: "stub",
	}, nil
}

// Publication is the Publisher's output record.
type Publication struct {
	Changelog string       `json:"changelog"`
	PR        *PullRequest `json:"pr"`
}

// Publisher synthesizes the changelog and opens the PR. It writes two
// stage rows, one per step.
type Publisher struct {
	model completer
	prs   PRCreator
	st    recorder
	clk   clock.Clock
}

func NewPublisher(model completer, prs PRCreator, st recorder, clk clock.Clock) *Publisher {
	return &Publisher{model: model, prs: prs, st: st, clk: clk}
}

const changelogPrompt = `Write a short changelog entry (2-4 lines, plain text) for this change:

Feedback summary: %s
Change: %s
File: %s
Tests: %d/%d passed`

func (p *Publisher) Run(ctx context.Context, taskID, feedbackID string, analysis *Analysis, plan *Plan, mod *Modification, outcome *TestOutcome, stream *bus.Stream) (*Publication, error) {
	started := p.clk.Now()
	emitStage(stream, store.StageGenerateChangelog, store.StageStarted)

	res, err := p.model.Call(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(changelogPrompt,
			analysis.Summary, plan.Description, mod.File,
			outcome.Report.TestsPassed, outcome.Report.TestsRun)},
	}, llm.CallOptions{
		TaskID:     taskID,
		FeedbackID: feedbackID,
		CallType:   "changelog",
		MaxTokens:  512,
	})
	if err != nil {
		stageRow(p.st, p.clk, taskID, store.StageGenerateChangelog, started, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, err
	}
	changelog := res.Content
	stageRow(p.st, p.clk, taskID, store.StageGenerateChangelog, started, store.StageCompleted,
		map[string]any{"changelog": changelog})

	prStarted := p.clk.Now()
	emitStage(stream, store.StageCreatePR, store.StageStarted)

	title := fmt.Sprintf("patchline: %s", plan.Description)
	pr, err := p.prs.CreatePR(ctx, mod.Branch, title, changelog)
	if err != nil {
		stageRow(p.st, p.clk, taskID, store.StageCreatePR, prStarted, store.StageFailed,
			map[string]any{"error": err.Error()})
		return nil, Errf(KindWorkspaceError, "create pr: %v", err)
	}

	stageRow(p.st, p.clk, taskID, store.StageCreatePR, prStarted, store.StageCompleted, map[string]any{
		"url":      pr.URL,
		"number":   pr.Number,
		"branch":   pr.Branch,
		"title":    pr.Title,
		"provider": pr.Provider,
	})
	if stream != nil {
		stream.Publish(bus.TypePR, pr)
	}
	return &Publication{Changelog: changelog, PR: pr}, nil
}
