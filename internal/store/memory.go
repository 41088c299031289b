package store

import (
	"fmt"
	"sync"
	"time"
)

// Memory is the RAM-only backend. All other backends either embed it
// (file mode) or mirror its semantics (sqlite).
type Memory struct {
	mu       sync.RWMutex
	feedback []Feedback
	tasks    []Task
	usage    []TokenUsage
	events   []BreakerEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) CreateFeedback(f *Feedback) error {
	if f.ID == "" {
		return fmt.Errorf("create feedback: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.feedback {
		if m.feedback[i].ID == f.ID {
			return fmt.Errorf("create feedback %s: already exists", f.ID)
		}
	}
	m.feedback = append(m.feedback, *f)
	if len(m.feedback) > maxFeedbackRecords {
		m.feedback = m.feedback[len(m.feedback)-maxFeedbackRecords:]
	}
	return nil
}

func (m *Memory) GetFeedback(id string) (*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.feedback {
		if m.feedback[i].ID == id {
			f := m.feedback[i]
			return &f, nil
		}
	}
	return nil, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
}

func (m *Memory) UpdateFeedback(f *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.feedback {
		if m.feedback[i].ID == f.ID {
			f.UpdatedAt = time.Now().UTC()
			m.feedback[i] = *f
			return nil
		}
	}
	return fmt.Errorf("update feedback %s: %w", f.ID, ErrNotFound)
}

func (m *Memory) ListFeedback(filter FeedbackFilter) ([]Feedback, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Feedback
	for i := len(m.feedback) - 1; i >= 0; i-- { // newest first
		f := m.feedback[i]
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Language != "" && f.Language != filter.Language {
			continue
		}
		matched = append(matched, f)
	}
	total := len(matched)
	lo, hi := page(total, filter.Offset, filter.Limit)
	return matched[lo:hi], total, nil
}

func (m *Memory) CreateTask(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == t.ID {
			return fmt.Errorf("create task %s: already exists", t.ID)
		}
	}
	m.tasks = append(m.tasks, cloneTask(*t))
	if len(m.tasks) > maxTaskRecords {
		m.tasks = m.tasks[len(m.tasks)-maxTaskRecords:]
	}
	return nil
}

func (m *Memory) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			t := cloneTask(m.tasks[i])
			return &t, nil
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (m *Memory) UpdateTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == t.ID {
			// The stages list is append-only; updates touch status,
			// error and completion time only.
			m.tasks[i].Status = t.Status
			m.tasks[i].Error = t.Error
			m.tasks[i].CompletedAt = t.CompletedAt
			return nil
		}
	}
	return fmt.Errorf("update task %s: %w", t.ID, ErrNotFound)
}

func (m *Memory) AppendStage(taskID string, st Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			m.tasks[i].Stages = append(m.tasks[i].Stages, cloneStage(st))
			return nil
		}
	}
	return fmt.Errorf("append stage to task %s: %w", taskID, ErrNotFound)
}

func (m *Memory) ListTasks(filter TaskFilter) ([]Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Task
	for i := len(m.tasks) - 1; i >= 0; i-- {
		t := m.tasks[i]
		if filter.FeedbackID != "" && t.FeedbackID != filter.FeedbackID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneTask(t))
	}
	total := len(matched)
	lo, hi := page(total, filter.Offset, filter.Limit)
	return matched[lo:hi], total, nil
}

func (m *Memory) AppendTokenUsage(u *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *u)
	if len(m.usage) > maxUsageRecords {
		m.usage = m.usage[len(m.usage)-maxUsageRecords:]
	}
	return nil
}

func (m *Memory) ListTokenUsage(filter UsageFilter) ([]TokenUsage, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []TokenUsage
	for i := len(m.usage) - 1; i >= 0; i-- {
		u := m.usage[i]
		if filter.TaskID != "" && u.TaskID != filter.TaskID {
			continue
		}
		if filter.FeedbackID != "" && u.FeedbackID != filter.FeedbackID {
			continue
		}
		if !filter.Since.IsZero() && u.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && u.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, u)
	}
	total := len(matched)
	lo, hi := page(total, filter.Offset, filter.Limit)
	return matched[lo:hi], total, nil
}

func (m *Memory) AppendBreakerEvent(e *BreakerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	if len(m.events) > maxEventRecords {
		m.events = m.events[len(m.events)-maxEventRecords:]
	}
	return nil
}

func (m *Memory) ResolveBreakerEvent(id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Resolved = true
			m.events[i].Resolution = note
			return nil
		}
	}
	return fmt.Errorf("resolve breaker event %s: %w", id, ErrNotFound)
}

func (m *Memory) ListBreakerEvents(filter EventFilter) ([]BreakerEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []BreakerEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.Service != "" && e.Service != filter.Service {
			continue
		}
		if filter.UnresolvedOnly && e.Resolved {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	lo, hi := page(total, filter.Offset, filter.Limit)
	return matched[lo:hi], total, nil
}

func (m *Memory) Flush() error { return nil }
func (m *Memory) Close() error { return nil }

// snapshot returns deep copies of every list, for the file backend's
// serializer.
func (m *Memory) snapshot() ([]Feedback, []Task, []TokenUsage, []BreakerEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fb := make([]Feedback, len(m.feedback))
	copy(fb, m.feedback)
	tasks := make([]Task, len(m.tasks))
	for i := range m.tasks {
		tasks[i] = cloneTask(m.tasks[i])
	}
	usage := make([]TokenUsage, len(m.usage))
	copy(usage, m.usage)
	events := make([]BreakerEvent, len(m.events))
	copy(events, m.events)
	return fb, tasks, usage, events
}

// load replaces all lists, used when the file backend reads its document.
func (m *Memory) load(fb []Feedback, tasks []Task, usage []TokenUsage, events []BreakerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = fb
	m.tasks = tasks
	m.usage = usage
	m.events = events
}

func cloneTask(t Task) Task {
	out := t
	if t.Stages != nil {
		out.Stages = make([]Stage, len(t.Stages))
		for i, st := range t.Stages {
			out.Stages[i] = cloneStage(st)
		}
	}
	return out
}

func cloneStage(st Stage) Stage {
	out := st
	if st.Data != nil {
		out.Data = make(map[string]any, len(st.Data))
		for k, v := range st.Data {
			out.Data[k] = v
		}
	}
	return out
}
