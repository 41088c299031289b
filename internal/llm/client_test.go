package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/store"
)

// fakeProvider returns canned results or errors.
type fakeProvider struct {
	result *Result
	err    error
	calls  int
}

func (f *fakeProvider) Complete(ctx context.Context, messages []Message, opts CallOptions) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testClient(p Provider, cfg breaker.Config) (*Client, *breaker.Breaker, *store.Memory) {
	st := store.NewMemory()
	clk := clock.NewManual(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	brk := breaker.New(cfg, clk, st)
	return NewClient(p, brk, st, "claude-sonnet-4-5"), brk, st
}

func TestCall_RecordsUsageAndReleases(t *testing.T) {
	p := &fakeProvider{result: &Result{
		Content: "hello",
		Usage:   Usage{PromptTokens: 120, CompletionTokens: 80},
	}}
	c, brk, st := testClient(p, breaker.Config{MaxDailyTokens: 10_000, MaxTaskTokens: 10_000, MaxConcurrentTasks: 2})

	res, err := c.Call(context.Background(), []Message{{Role: "user", Content: "hi"}}, CallOptions{
		TaskID: "t1", FeedbackID: "f1", CallType: "analyze", MaxTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Content != "hello" {
		t.Errorf("unexpected content %q", res.Content)
	}

	rows, total, _ := st.ListTokenUsage(store.UsageFilter{TaskID: "t1"})
	if total != 1 {
		t.Fatalf("expected 1 usage row, got %d", total)
	}
	if !rows[0].Success || rows[0].TotalTokens() != 200 {
		t.Errorf("bad usage row: %+v", rows[0])
	}

	// Daily usage reflects actual tokens, not the 1000 reserved.
	s := brk.Status()
	if s.DailyTokensUsed != 200 {
		t.Errorf("expected 200 daily tokens, got %d", s.DailyTokensUsed)
	}
	if s.ConcurrentTasks != 0 {
		t.Errorf("expected slot released, got %d in flight", s.ConcurrentTasks)
	}
}

func TestCall_FailureRecordsZeroTokenRow(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection reset")}
	c, brk, st := testClient(p, breaker.Config{MaxDailyTokens: 10_000, MaxTaskTokens: 10_000, MaxConcurrentTasks: 2})

	_, err := c.Call(context.Background(), nil, CallOptions{TaskID: "t1", CallType: "plan", MaxTokens: 500})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsBlocked(err) {
		t.Error("transport error must not look like a breaker denial")
	}

	rows, total, _ := st.ListTokenUsage(store.UsageFilter{})
	if total != 1 {
		t.Fatalf("expected 1 usage row, got %d", total)
	}
	if rows[0].Success || rows[0].TotalTokens() != 0 || rows[0].Error == "" {
		t.Errorf("bad failure row: %+v", rows[0])
	}

	s := brk.Status()
	if s.DailyTokensUsed != 0 {
		t.Errorf("reservation not rolled back: %d", s.DailyTokensUsed)
	}
	if s.ConcurrentTasks != 0 {
		t.Errorf("slot leaked: %d", s.ConcurrentTasks)
	}
}

func TestCall_BreakerDenialShortCircuits(t *testing.T) {
	p := &fakeProvider{result: &Result{Content: "x"}}
	c, _, st := testClient(p, breaker.Config{MaxDailyTokens: 100, MaxTaskTokens: 100, MaxConcurrentTasks: 2})

	_, err := c.Call(context.Background(), nil, CallOptions{TaskID: "t1", CallType: "analyze", MaxTokens: 500})
	if !IsBlocked(err) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if p.calls != 0 {
		t.Error("provider must not be called on denial")
	}

	var be *BlockedError
	errors.As(err, &be)
	if be.Reason != store.EventDailyLimit {
		t.Errorf("expected daily_limit, got %s", be.Reason)
	}

	// Denials leave a breaker event, not a usage row.
	if _, total, _ := st.ListTokenUsage(store.UsageFilter{}); total != 0 {
		t.Errorf("expected no usage rows, got %d", total)
	}
	if _, total, _ := st.ListBreakerEvents(store.EventFilter{}); total != 1 {
		t.Errorf("expected 1 breaker event, got %d", total)
	}
}

func TestCall_DefaultsModelAndTokens(t *testing.T) {
	p := &fakeProvider{result: &Result{Content: "ok"}}
	c, _, st := testClient(p, breaker.Config{MaxDailyTokens: 100_000, MaxTaskTokens: 100_000, MaxConcurrentTasks: 2})

	if _, err := c.Call(context.Background(), nil, CallOptions{TaskID: "t1", CallType: "analyze"}); err != nil {
		t.Fatal(err)
	}
	rows, _, _ := st.ListTokenUsage(store.UsageFilter{})
	if rows[0].Model != "claude-sonnet-4-5" {
		t.Errorf("default model not applied: %q", rows[0].Model)
	}
}
