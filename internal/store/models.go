package store

import "time"

// FeedbackStatus tracks a feedback through the pipeline.
type FeedbackStatus string

const (
	FeedbackPending    FeedbackStatus = "pending"
	FeedbackAnalyzing  FeedbackStatus = "analyzing"
	FeedbackGenerating FeedbackStatus = "generating"
	FeedbackModifying  FeedbackStatus = "modifying"
	FeedbackTesting    FeedbackStatus = "testing"
	FeedbackPublishing FeedbackStatus = "publishing"
	FeedbackCompleted  FeedbackStatus = "completed"
	FeedbackNeedsHuman FeedbackStatus = "needs_human"
	FeedbackFailed     FeedbackStatus = "failed"
)

// MaxContentLength is the clamp applied to feedback content at ingress.
const MaxContentLength = 280

// Feedback is one user-submitted message the system tries to turn into
// a code change. Created by ingress, mutated only by the orchestrator.
type Feedback struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Content   string         `json:"content"`
	Language  string         `json:"language,omitempty"`
	Status    FeedbackStatus `json:"status"`
	Result    string         `json:"result,omitempty"` // terminal summary, empty while running
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskStatus is the state of one pipeline run.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
)

// Canonical stage names. Publisher writes two rows: changelog then PR.
const (
	StageAnalyzeIntent     = "analyze_intent"
	StageGenerateSolution  = "generate_solution"
	StageApplyChanges      = "apply_changes"
	StageRunTests          = "run_tests"
	StageGenerateChangelog = "generate_changelog"
	StageCreatePR          = "create_pr"
)

// StageStatus is the state of one stage row.
type StageStatus string

const (
	StageStarted   StageStatus = "started"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage is one step of a task. Data carries the stage's output blob
// (analysis, plan, diff summary, test report).
type Stage struct {
	Name      string         `json:"name"`
	Status    StageStatus    `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Task is one end-to-end run of the pipeline for a feedback. A retry
// within a run appends stages; a new submission creates a new task.
type Task struct {
	ID          string     `json:"id"`
	FeedbackID  string     `json:"feedback_id"`
	Status      TaskStatus `json:"status"`
	Stages      []Stage    `json:"stages,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// TokenUsage records one external-model call, success or failure.
// Append-only.
type TokenUsage struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	FeedbackID       string    `json:"feedback_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CallType         string    `json:"call_type"`
	Success          bool      `json:"success"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// TotalTokens returns prompt + completion tokens for the call.
func (u TokenUsage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// BreakerEventType classifies a non-allowed admission decision.
type BreakerEventType string

const (
	EventCircuitOpen      BreakerEventType = "circuit_open"
	EventDailyLimit       BreakerEventType = "daily_limit"
	EventTaskLimit        BreakerEventType = "task_limit"
	EventConcurrencyLimit BreakerEventType = "concurrency_limit"
	EventMaxRetries       BreakerEventType = "max_retries"
)

// UsageSnapshot is the breaker state observed at decision time.
type UsageSnapshot struct {
	DailyTokensUsed int    `json:"daily_tokens_used"`
	ConcurrentTasks int    `json:"concurrent_tasks"`
	CircuitState    string `json:"circuit_state"`
}

// BreakerEvent is one denied admission decision. Append-only except for
// the resolved flag and note.
type BreakerEvent struct {
	ID         string           `json:"id"`
	Service    string           `json:"service"`
	Action     string           `json:"action"`
	Type       BreakerEventType `json:"type"`
	Usage      UsageSnapshot    `json:"usage"`
	TaskID     string           `json:"task_id,omitempty"`
	Resolved   bool             `json:"resolved"`
	Resolution string           `json:"resolution,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
