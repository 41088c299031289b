package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 8
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.detailViewport.Width = vw
		m.detailViewport.Height = vh
		return m, nil

	case refreshedMsg:
		if msg.err != nil {
			m.statusMsg = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.feedback = msg.feedback
		m.total = msg.total
		m.snapshot = msg.snapshot
		m.usage = msg.usage
		m.statusMsg = ""
		m.clampCursor()
		return m, nil

	case detailMsg:
		if msg.err != nil {
			m.statusMsg = msg.err.Error()
			return m, nil
		}
		m.detailTask = msg.task
		m.detailViewport.SetContent(m.renderStageLog(msg.task))
		m.detailViewport.GotoTop()
		m.currentScreen = screenDetail
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "q" || key == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	if m.currentScreen == screenDetail {
		switch key {
		case "esc":
			m.currentScreen = screenBoard
			return m, nil
		default:
			var cmd tea.Cmd
			m.detailViewport, cmd = m.detailViewport.Update(msg)
			return m, cmd
		}
	}

	switch key {
	case "up", "k":
		m.cursor--
		m.clampCursor()
	case "down", "j":
		m.cursor++
		m.clampCursor()
	case "r":
		m.statusMsg = "refreshing..."
		return m, m.refresh()
	case "enter":
		if m.cursor < len(m.feedback) {
			return m, m.loadDetail(m.feedback[m.cursor].ID)
		}
	}
	return m, nil
}
