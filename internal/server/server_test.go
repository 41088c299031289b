package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/bus"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/harness"
	"github.com/patchline/patchline/internal/logging"
	"github.com/patchline/patchline/internal/orchestrator"
	"github.com/patchline/patchline/internal/stage"
	"github.com/patchline/patchline/internal/store"
)

// Fast stub stages that drive a feedback straight to completed.

type okAnalyzer struct{}

func (okAnalyzer) Run(ctx context.Context, taskID string, fb *store.Feedback, stream *bus.Stream) (*stage.Analysis, error) {
	a := &stage.Analysis{Intent: "accuracy", Feasibility: "high", Summary: "fix strings"}
	if stream != nil {
		stream.Publish(bus.TypeIntent, a)
	}
	return a, nil
}

type okPlanner struct{}

func (okPlanner) Run(ctx context.Context, taskID, feedbackID string, analysis *stage.Analysis, priorFailure string, stream *bus.Stream) (*stage.Plan, error) {
	p := &stage.Plan{File: "src/translator.js", Action: "replace", CodeBlock: "x", Description: "fix"}
	if stream != nil {
		stream.Publish(bus.TypeSuggestion, p)
	}
	return p, nil
}

type okModifier struct{}

func (okModifier) Run(ctx context.Context, taskID, feedbackID string, plan *stage.Plan, stream *bus.Stream) (*stage.Modification, error) {
	return &stage.Modification{Branch: "feedback-x-1", File: plan.File, CommitHash: "abc"}, nil
}

type okTester struct{}

func (okTester) Run(ctx context.Context, taskID, feedbackID string, mod *stage.Modification, plan *stage.Plan, stream *bus.Stream) (*stage.TestOutcome, error) {
	return &stage.TestOutcome{Passed: true, Report: harness.Report{Passed: true, TestsRun: 3, TestsPassed: 3}}, nil
}

type okPublisher struct{}

func (okPublisher) Run(ctx context.Context, taskID, feedbackID string, analysis *stage.Analysis, plan *stage.Plan, mod *stage.Modification, outcome *stage.TestOutcome, stream *bus.Stream) (*stage.Publication, error) {
	pr := &stage.PullRequest{URL: "https://example.invalid/pull/1", Number: 1, Branch: mod.Branch, Provider: "stub"}
	if stream != nil {
		stream.Publish(bus.TypePR, pr)
	}
	return &stage.Publication{Changelog: "Fixed translations.", PR: pr}, nil
}

type noSnapshots struct{}

func (noSnapshots) Restore(id string) error { return nil }

func testServer(t *testing.T) (*Server, *store.Memory, *breaker.Breaker) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewManual(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	brk := breaker.New(breaker.DefaultConfig(), clk, st)
	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Breaker:   brk,
		Workspace: noSnapshots{},
		Analyzer:  okAnalyzer{},
		Planner:   okPlanner{},
		Modifier:  okModifier{},
		Tester:    okTester{},
		Publisher: okPublisher{},
	})
	return New("127.0.0.1:0", orch, st, brk, logging.New(logging.LevelError)), st, brk
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestProcess_Synchronous(t *testing.T) {
	s, st, _ := testServer(t)

	rec := do(t, s, "POST", "/agent/process", `{"content":"德语翻译不准确","language":"zh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp processResponse
	decode(t, rec, &resp)
	if resp.FeedbackID == "" || resp.TaskID == "" {
		t.Errorf("missing ids: %+v", resp)
	}
	if resp.Status != string(store.FeedbackCompleted) {
		t.Errorf("status %q", resp.Status)
	}
	if resp.Analysis == nil || resp.Plan == nil {
		t.Errorf("analysis and plan should be echoed: %+v", resp)
	}

	fb, err := st.GetFeedback(resp.FeedbackID)
	if err != nil || fb.Status != store.FeedbackCompleted {
		t.Errorf("feedback row: %+v %v", fb, err)
	}
}

func TestProcess_ValidationRejects(t *testing.T) {
	s, st, _ := testServer(t)

	rec := do(t, s, "POST", "/agent/process", `{"content":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if _, total, _ := st.ListFeedback(store.FeedbackFilter{}); total != 0 {
		t.Error("rejected submission must not create a feedback row")
	}

	rec = do(t, s, "POST", "/agent/process", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", rec.Code)
	}
}

func TestProcessStream_SSE(t *testing.T) {
	s, _, _ := testServer(t)

	rec := do(t, s, "POST", "/agent/process/stream", `{"content":"德语翻译不准确"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type %q", ct)
	}

	body := rec.Body.String()
	for _, event := range []string{"event: connected", "event: intent", "event: pr", "event: complete", "event: done"} {
		if !strings.Contains(body, event) {
			t.Errorf("stream missing %q:\n%s", event, body)
		}
	}
	if strings.Index(body, "event: connected") > strings.Index(body, "event: done") {
		t.Error("connected must precede done")
	}
}

func TestFeedbackList(t *testing.T) {
	s, st, _ := testServer(t)
	now := time.Now()
	for i, status := range []store.FeedbackStatus{store.FeedbackCompleted, store.FeedbackFailed} {
		st.CreateFeedback(&store.Feedback{ID: clock.NewID(), Content: "c", Status: status, Language: "de", CreatedAt: now.Add(time.Duration(i) * time.Second)})
	}

	rec := do(t, s, "GET", "/feedback?status=completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		List  []store.Feedback `json:"list"`
		Total int              `json:"total"`
	}
	decode(t, rec, &resp)
	if resp.Total != 1 || len(resp.List) != 1 || resp.List[0].Status != store.FeedbackCompleted {
		t.Errorf("bad response: %+v", resp)
	}
}

func TestCircuitStatusAndMissingBreaker(t *testing.T) {
	s, _, _ := testServer(t)

	rec := do(t, s, "GET", "/circuit/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snap breaker.Snapshot
	decode(t, rec, &snap)
	if snap.CircuitState != breaker.CircuitClosed {
		t.Errorf("circuit state %q", snap.CircuitState)
	}

	bare := New("127.0.0.1:0", nil, store.NewMemory(), nil, logging.New(logging.LevelError))
	rec = do(t, bare, "GET", "/circuit/status", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without breaker, got %d", rec.Code)
	}
}

func TestCircuitCheck_DiagnosticDoesNotConsumeBudget(t *testing.T) {
	s, _, brk := testServer(t)

	rec := do(t, s, "POST", "/circuit/check", `{"service":"llm","action":"analyze","estimatedTokens":5000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var decision breaker.Decision
	decode(t, rec, &decision)
	if !decision.Allowed {
		t.Fatalf("expected allowed: %+v", decision)
	}

	status := brk.Status()
	if status.DailyTokensUsed != 0 || status.ConcurrentTasks != 0 || status.TrackedTasks != 0 {
		t.Errorf("diagnostic check leaked state: %+v", status)
	}

	rec = do(t, s, "POST", "/circuit/check", `{"service":"llm"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without action, got %d", rec.Code)
	}
}

func TestCircuitCheck_KeepsInFlightTaskSlot(t *testing.T) {
	s, _, brk := testServer(t)

	if d := brk.Check("llm", "analyze", 100, "task-live"); !d.Allowed {
		t.Fatal("task-live should be admitted")
	}

	rec := do(t, s, "POST", "/circuit/check", `{"service":"llm","action":"plan","estimatedTokens":50,"taskId":"task-live"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var decision breaker.Decision
	decode(t, rec, &decision)
	if !decision.Allowed {
		t.Fatalf("expected allowed: %+v", decision)
	}

	status := brk.Status()
	if status.ConcurrentTasks != 1 {
		t.Errorf("diagnostic check freed a live task's slot: %+v", status)
	}
	if status.DailyTokensUsed != 100 {
		t.Errorf("diagnostic check changed the budget: %+v", status)
	}
}

func TestTokenUsage_AggregatesWholeFilteredSet(t *testing.T) {
	s, st, _ := testServer(t)
	for i := 0; i < 5; i++ {
		st.AppendTokenUsage(&store.TokenUsage{
			ID: clock.NewID(), TaskID: "t1", Model: "claude-sonnet-4-5",
			PromptTokens: 100, CompletionTokens: 50, CallType: "analyze",
			Success: true, Timestamp: time.Now(),
		})
	}

	rec := do(t, s, "GET", "/circuit/token-usage?taskId=t1&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Records    []store.TokenUsage    `json:"records"`
		Total      int                   `json:"total"`
		Aggregates store.UsageAggregates `json:"aggregates"`
	}
	decode(t, rec, &resp)
	if len(resp.Records) != 2 || resp.Total != 5 {
		t.Errorf("paging broken: %d records, total %d", len(resp.Records), resp.Total)
	}
	if resp.Aggregates.TotalTokens != 750 {
		t.Errorf("aggregates must cover the full set, got %d", resp.Aggregates.TotalTokens)
	}
}

func TestTaskLogsByTaskID(t *testing.T) {
	s, st, _ := testServer(t)
	st.CreateTask(&store.Task{ID: "t-x", FeedbackID: "f-x", Status: store.TaskCompleted, CreatedAt: time.Now()})
	st.AppendStage("t-x", store.Stage{Name: store.StageAnalyzeIntent, Status: store.StageCompleted, StartedAt: time.Now()})

	rec := do(t, s, "GET", "/agent/task-logs?taskId=t-x", "")
	var resp struct {
		List  []store.Task `json:"list"`
		Total int          `json:"total"`
	}
	decode(t, rec, &resp)
	if resp.Total != 1 || len(resp.List[0].Stages) != 1 {
		t.Errorf("bad task log: %+v", resp)
	}

	rec = do(t, s, "GET", "/agent/task-logs?taskId=nope", "")
	decode(t, rec, &resp)
	if resp.Total != 0 {
		t.Errorf("unknown task should list empty, got %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := testServer(t)
	rec := do(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]any
	decode(t, rec, &resp)
	if resp["status"] != "ok" || resp["uptime"] == nil {
		t.Errorf("bad health payload: %+v", resp)
	}
}
