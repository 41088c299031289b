// Package store persists feedback, task, token-usage and breaker-event
// records. Three backends share one interface: an in-memory map, a
// single JSON document rewritten atomically, and SQLite.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Retention caps. Each list keeps at most this many records; the oldest
// are evicted first.
const (
	maxFeedbackRecords = 5000
	maxTaskRecords     = 5000
	maxUsageRecords    = 20000
	maxEventRecords    = 5000
)

// FeedbackFilter selects feedback records. Zero values mean "any".
type FeedbackFilter struct {
	Status   FeedbackStatus
	Language string
	Limit    int
	Offset   int
}

// TaskFilter selects task records.
type TaskFilter struct {
	FeedbackID string
	Status     TaskStatus
	Limit      int
	Offset     int
}

// UsageFilter selects token-usage records.
type UsageFilter struct {
	TaskID     string
	FeedbackID string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// EventFilter selects breaker events.
type EventFilter struct {
	Service        string
	UnresolvedOnly bool
	Limit          int
	Offset         int
}

// Store is the persistence interface, defined at the consumer side.
type Store interface {
	CreateFeedback(f *Feedback) error
	GetFeedback(id string) (*Feedback, error)
	UpdateFeedback(f *Feedback) error
	ListFeedback(filter FeedbackFilter) ([]Feedback, int, error)

	CreateTask(t *Task) error
	GetTask(id string) (*Task, error)
	UpdateTask(t *Task) error
	AppendStage(taskID string, st Stage) error
	ListTasks(filter TaskFilter) ([]Task, int, error)

	AppendTokenUsage(u *TokenUsage) error
	ListTokenUsage(filter UsageFilter) ([]TokenUsage, int, error)

	AppendBreakerEvent(e *BreakerEvent) error
	ResolveBreakerEvent(id, note string) error
	ListBreakerEvents(filter EventFilter) ([]BreakerEvent, int, error)

	// Flush persists pending writes in durable modes; a no-op in memory
	// mode.
	Flush() error
	Close() error
}

// Mode selects the backing storage.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
	ModeSQLite Mode = "sqlite"
)

// Open creates a store for the given mode. dataDir is required for the
// durable modes.
func Open(mode Mode, dataDir string) (Store, error) {
	switch mode {
	case ModeMemory, "":
		return NewMemory(), nil
	case ModeFile:
		return NewFile(dataDir)
	case ModeSQLite:
		return NewSQLite(dataDir)
	default:
		return nil, fmt.Errorf("unknown db mode: %s", mode)
	}
}

// UsageAggregates are derived on read over a filtered usage slice.
type UsageAggregates struct {
	TotalTokens      int            `json:"total_tokens"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	ByModel          map[string]int `json:"by_model"`
	ByCallType       map[string]int `json:"by_call_type"`
	SuccessCount     int            `json:"success_count"`
	FailureCount     int            `json:"failure_count"`
}

// Aggregate computes usage totals over the given records.
func Aggregate(rows []TokenUsage) UsageAggregates {
	agg := UsageAggregates{
		ByModel:    make(map[string]int),
		ByCallType: make(map[string]int),
	}
	for _, u := range rows {
		total := u.TotalTokens()
		agg.TotalTokens += total
		agg.PromptTokens += u.PromptTokens
		agg.CompletionTokens += u.CompletionTokens
		agg.ByModel[u.Model] += total
		agg.ByCallType[u.CallType] += total
		if u.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}
	}
	return agg
}

// page applies offset+limit to a slice length and returns the bounds.
func page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
