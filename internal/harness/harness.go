// Package harness generates and runs browser-level checks against the
// modified application. Cases are produced by the model from the change
// summary, then executed against a headless Chrome found among the
// configured binary paths. A missing browser is reported as a failed
// run, never as a crash.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/patchline/patchline/internal/llm"
)

// ErrBrowserMissing means no configured chrome path points at an
// executable binary.
var ErrBrowserMissing = errors.New("no usable browser binary found")

const (
	defaultCaseTimeout = 30 * time.Second
	defaultMinCases    = 3
	defaultBaseURL     = "http://localhost:3000"
)

// Case is one model-generated check: load a URL headless and require a
// substring in the rendered DOM. An empty Expect passes on clean exit.
type Case struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Expect string `json:"expect,omitempty"`
}

// CaseResult is the outcome of a single case.
type CaseResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// Report aggregates one harness run. Passed applies the quality gate:
// zero failures and at least MinCases executed.
type Report struct {
	Passed      bool         `json:"passed"`
	TestsRun    int          `json:"testsRun"`
	TestsPassed int          `json:"testsPassed"`
	TestsFailed int          `json:"testsFailed"`
	Details     []CaseResult `json:"details"`
}

// completer is the slice of llm.Client the harness needs.
type completer interface {
	Call(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (*llm.Result, error)
}

// Harness generates and executes browser cases.
type Harness struct {
	model       completer
	chromePaths []string
	caseTimeout time.Duration
	minCases    int
	baseURL     string
}

// Option adjusts harness defaults.
type Option func(*Harness)

// WithCaseTimeout bounds each case execution.
func WithCaseTimeout(d time.Duration) Option {
	return func(h *Harness) { h.caseTimeout = d }
}

// WithMinCases sets the quality-gate floor on executed cases.
func WithMinCases(n int) Option {
	return func(h *Harness) { h.minCases = n }
}

// WithBaseURL sets the prefix for relative case URLs.
func WithBaseURL(u string) Option {
	return func(h *Harness) { h.baseURL = strings.TrimRight(u, "/") }
}

// New creates a harness. chromePaths are tried in order by FindBrowser.
func New(model completer, chromePaths []string, opts ...Option) *Harness {
	h := &Harness{
		model:       model,
		chromePaths: chromePaths,
		caseTimeout: defaultCaseTimeout,
		minCases:    defaultMinCases,
		baseURL:     defaultBaseURL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FindBrowser returns the first configured path that is an executable
// regular file.
func (h *Harness) FindBrowser() (string, error) {
	for _, path := range h.chromePaths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return path, nil
	}
	return "", ErrBrowserMissing
}

const casePrompt = `You are writing smoke tests for a web application that was just modified.

Change summary:
%s

Produce 3 to 5 browser test cases as a JSON array. Each element:
{"name": "short test name", "url": "/path/to/check", "expect": "substring the rendered page must contain"}

Use relative URLs. Respond with the JSON array only.`

// GenerateCases asks the model for case descriptors covering the change.
func (h *Harness) GenerateCases(ctx context.Context, taskID, feedbackID, changeSummary string) ([]Case, error) {
	res, err := h.model.Call(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(casePrompt, changeSummary)},
	}, llm.CallOptions{
		TaskID:     taskID,
		FeedbackID: feedbackID,
		CallType:   "generate_tests",
		MaxTokens:  2048,
	})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSONArray(res.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in test generation response")
	}
	var cases []Case
	if err := json.Unmarshal([]byte(raw), &cases); err != nil {
		return nil, fmt.Errorf("parse test cases: %w", err)
	}

	out := cases[:0]
	for i, c := range cases {
		if c.Name == "" {
			c.Name = fmt.Sprintf("case-%d", i+1)
		}
		if c.URL == "" {
			c.URL = "/"
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model produced no test cases")
	}
	return out, nil
}

// Run executes the cases against a headless browser and applies the
// quality gate. progress, if non-nil, is called after each case. A
// missing browser yields a single-entry failed report.
func (h *Harness) Run(ctx context.Context, cases []Case, progress func(CaseResult)) Report {
	browser, err := h.FindBrowser()
	if err != nil {
		r := CaseResult{Name: "environment", Error: err.Error()}
		if progress != nil {
			progress(r)
		}
		return Report{TestsRun: 1, TestsFailed: 1, Details: []CaseResult{r}}
	}

	report := Report{}
	for _, c := range cases {
		r := h.runCase(ctx, browser, c)
		report.TestsRun++
		if r.Passed {
			report.TestsPassed++
		} else {
			report.TestsFailed++
		}
		report.Details = append(report.Details, r)
		if progress != nil {
			progress(r)
		}
	}

	report.Passed = report.TestsFailed == 0 && report.TestsRun >= h.minCases
	return report
}

func (h *Harness) runCase(ctx context.Context, browser string, c Case) CaseResult {
	url := c.URL
	if !strings.HasPrefix(url, "http") {
		url = h.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	cctx, cancel := context.WithTimeout(ctx, h.caseTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, browser,
		"--headless=new", "--disable-gpu", "--no-sandbox",
		"--virtual-time-budget=5000", "--dump-dom", url)
	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return CaseResult{Name: c.Name, Error: fmt.Sprintf("timed out after %s", h.caseTimeout)}
	}
	if err != nil {
		return CaseResult{Name: c.Name, Error: fmt.Sprintf("browser exited: %s", strings.TrimSpace(string(out)))}
	}
	if c.Expect != "" && !strings.Contains(string(out), c.Expect) {
		return CaseResult{Name: c.Name, Error: fmt.Sprintf("rendered page missing %q", c.Expect)}
	}
	return CaseResult{Name: c.Name, Passed: true}
}
