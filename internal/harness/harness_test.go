package harness

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/patchline/patchline/internal/llm"
)

type fakeModel struct {
	content string
	err     error
}

func (f *fakeModel) Call(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (*llm.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Content: f.content}, nil
}

// fakeBrowser writes an executable script that prints body and exits
// with the given code.
func fakeBrowser(t *testing.T, body string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chrome")
	script := "#!/bin/sh\necho '" + body + "'\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindBrowser_PicksFirstExecutable(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "plain")
	os.WriteFile(notExec, []byte("x"), 0o644)
	real := fakeBrowser(t, "ok", 0)

	h := New(nil, []string{filepath.Join(dir, "missing"), notExec, real})
	got, err := h.FindBrowser()
	if err != nil {
		t.Fatalf("FindBrowser: %v", err)
	}
	if got != real {
		t.Errorf("expected %s, got %s", real, got)
	}
}

func TestRun_MissingBrowserIsStructuredFailure(t *testing.T) {
	h := New(nil, []string{"/nonexistent/chrome"})

	var seen []CaseResult
	report := h.Run(context.Background(), []Case{{Name: "a", URL: "/"}}, func(r CaseResult) {
		seen = append(seen, r)
	})

	if report.Passed {
		t.Error("report must not pass without a browser")
	}
	if report.TestsRun != 1 || report.TestsFailed != 1 {
		t.Errorf("expected one failed entry, got %+v", report)
	}
	if len(seen) != 1 || seen[0].Error == "" {
		t.Errorf("progress callback missed the environment failure: %+v", seen)
	}
}

func TestRun_PassAndExpectMismatch(t *testing.T) {
	browser := fakeBrowser(t, "<h1>translated page</h1>", 0)
	h := New(nil, []string{browser}, WithMinCases(2))

	report := h.Run(context.Background(), []Case{
		{Name: "has heading", URL: "/", Expect: "translated page"},
		{Name: "missing text", URL: "/about", Expect: "no such string"},
	}, nil)

	if report.TestsRun != 2 || report.TestsPassed != 1 || report.TestsFailed != 1 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.Passed {
		t.Error("a failed case must fail the gate")
	}
	if report.Details[1].Error == "" {
		t.Error("mismatch should carry an error message")
	}
}

func TestRun_GateRequiresMinCases(t *testing.T) {
	browser := fakeBrowser(t, "ok", 0)
	h := New(nil, []string{browser}, WithMinCases(3))

	report := h.Run(context.Background(), []Case{
		{Name: "only one", URL: "/"},
		{Name: "only two", URL: "/x"},
	}, nil)

	if report.TestsFailed != 0 {
		t.Fatalf("cases should pass: %+v", report)
	}
	if report.Passed {
		t.Error("gate must require the minimum case count")
	}
}

func TestRun_CaseTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chrome")
	os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755)
	h := New(nil, []string{path}, WithMinCases(1), WithCaseTimeout(100*time.Millisecond))

	report := h.Run(context.Background(), []Case{{Name: "slow", URL: "/"}}, nil)
	if report.TestsFailed != 1 {
		t.Fatalf("expected timeout failure: %+v", report)
	}
}

func TestGenerateCases_ParsesFencedArray(t *testing.T) {
	m := &fakeModel{content: "Here are the tests:\n```json\n[" +
		`{"name":"loads home","url":"/","expect":"Welcome"},` +
		`{"name":"","url":""}` +
		"]\n```"}
	h := New(m, nil)

	cases, err := h.GenerateCases(context.Background(), "t1", "f1", "translated UI strings")
	if err != nil {
		t.Fatalf("GenerateCases: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	if cases[0].Expect != "Welcome" {
		t.Errorf("bad first case: %+v", cases[0])
	}
	// Blank fields get defaults.
	if cases[1].Name != "case-2" || cases[1].URL != "/" {
		t.Errorf("defaults not applied: %+v", cases[1])
	}
}

func TestGenerateCases_RejectsNonJSON(t *testing.T) {
	h := New(&fakeModel{content: "I cannot write tests for this."}, nil)
	if _, err := h.GenerateCases(context.Background(), "t1", "f1", "x"); err == nil {
		t.Fatal("expected parse error")
	}
}
