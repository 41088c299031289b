// Package tui is the terminal dashboard: live feedback list, breaker
// state and token spend, read from a running patchline server.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/store"
)

// screen selects what the dashboard shows.
type screen int

const (
	screenBoard  screen = iota // feedback list + breaker panel
	screenDetail               // one task's stage log
)

// refreshInterval paces the poll loop.
const refreshInterval = 2 * time.Second

// Model is the top-level bubbletea model.
type Model struct {
	api    *Client
	width  int
	height int

	currentScreen screen

	// Board state.
	feedback []store.Feedback
	total    int
	cursor   int
	snapshot breaker.Snapshot
	usage    store.UsageAggregates

	// Detail state.
	detailTask     *store.Task
	detailViewport viewport.Model

	statusMsg string
	quitting  bool
}

// New creates the dashboard model.
func New(api *Client) Model {
	vp := viewport.New(60, 20)
	return Model{api: api, detailViewport: vp}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

type refreshedMsg struct {
	feedback []store.Feedback
	total    int
	snapshot breaker.Snapshot
	usage    store.UsageAggregates
	err      error
}

type detailMsg struct {
	task *store.Task
	err  error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		list, total, err := m.api.Feedback(30)
		if err != nil {
			return refreshedMsg{err: err}
		}
		snap, err := m.api.CircuitStatus()
		if err != nil {
			return refreshedMsg{err: err}
		}
		usage, err := m.api.TokenUsage()
		if err != nil {
			return refreshedMsg{err: err}
		}
		return refreshedMsg{feedback: list, total: total, snapshot: snap, usage: usage}
	}
}

func (m Model) loadDetail(feedbackID string) tea.Cmd {
	return func() tea.Msg {
		task, err := m.api.TaskForFeedback(feedbackID)
		return detailMsg{task: task, err: err}
	}
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.feedback) {
		m.cursor = len(m.feedback) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}
