package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)
	errStyle   = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.currentScreen == screenDetail {
		return m.viewDetail()
	}
	return m.viewBoard()
}

func (m Model) viewBoard() string {
	var b strings.Builder

	header := titleStyle.Render("patchline board")
	header += dimStyle.Render(fmt.Sprintf(" — %d feedback", m.total))
	b.WriteString(header + "\n\n")

	b.WriteString(m.renderBreakerPanel() + "\n\n")

	if len(m.feedback) == 0 {
		b.WriteString(dimStyle.Render("  No feedback yet.\n"))
	} else {
		for i, fb := range m.feedback {
			b.WriteString(m.renderFeedbackLine(fb, i == m.cursor) + "\n")
		}
	}

	if m.statusMsg != "" {
		b.WriteString("\n" + errStyle.Render("  "+m.statusMsg))
	}

	b.WriteString("\n")
	keys := []struct{ key, desc string }{
		{"↑↓", "navigate"},
		{"enter", "stage log"},
		{"r", "refresh"},
		{"q", "quit"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m Model) renderBreakerPanel() string {
	snap := m.snapshot

	var circuit string
	switch snap.CircuitState {
	case breaker.CircuitOpen:
		circuit = errStyle.Render("OPEN")
	case breaker.CircuitHalfOpen:
		circuit = lipgloss.NewStyle().Foreground(clrYellow).Render("HALF-OPEN")
	default:
		circuit = lipgloss.NewStyle().Foreground(clrGreen).Render("CLOSED")
	}

	line := fmt.Sprintf("circuit %s   tokens %s   tasks %d/%d   spent %s",
		circuit,
		renderBudget(snap.DailyTokensUsed, snap.MaxDailyTokens),
		snap.ConcurrentTasks, snap.MaxConcurrentTasks,
		dimStyle.Render(fmt.Sprintf("%d total", m.usage.TotalTokens)))
	if snap.RecentDenials > 0 {
		line += "   " + errStyle.Render(fmt.Sprintf("%d recent denials", snap.RecentDenials))
	}
	return panelStyle.Render(line)
}

func renderBudget(used, max int) string {
	s := fmt.Sprintf("%d/%d", used, max)
	if max > 0 && used*10 >= max*9 {
		return errStyle.Render(s)
	}
	return s
}

func (m Model) renderFeedbackLine(fb store.Feedback, selected bool) string {
	var dot string
	switch fb.Status {
	case store.FeedbackCompleted:
		dot = lipgloss.NewStyle().Foreground(clrGreen).Render("●")
	case store.FeedbackFailed:
		dot = errStyle.Render("✗")
	case store.FeedbackNeedsHuman:
		dot = lipgloss.NewStyle().Foreground(clrYellow).Render("⚠")
	case store.FeedbackPending:
		dot = dimStyle.Render("○")
	default:
		dot = lipgloss.NewStyle().Foreground(clrBlue).Render("◉")
	}

	cursor := "  "
	if selected {
		cursor = lipgloss.NewStyle().Foreground(clrHighlight).Render("▸ ")
	}

	id := lipgloss.NewStyle().Foreground(clrCyan).Render(shortID(fb.ID))
	content := truncate(fb.Content, 48)
	status := dimStyle.Render(string(fb.Status))
	lang := ""
	if fb.Language != "" {
		lang = dimStyle.Render(" [" + fb.Language + "]")
	}
	return fmt.Sprintf("  %s%s %s %-50s %s%s", cursor, dot, id, content, status, lang)
}

func (m Model) viewDetail() string {
	var b strings.Builder

	if m.detailTask == nil {
		return "No task selected"
	}

	b.WriteString(titleStyle.Render("task "+shortID(m.detailTask.ID)) + "  " +
		dimStyle.Render(string(m.detailTask.Status)) + "  " +
		dimStyle.Render("esc back") + "\n\n")
	b.WriteString(m.detailViewport.View())
	b.WriteString("\n\n")
	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"esc", "back"},
		{"q", "quit"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

// renderStageLog formats a task's stage rows for the detail viewport.
func (m Model) renderStageLog(task *store.Task) string {
	if len(task.Stages) == 0 {
		return dimStyle.Render("No stages recorded yet.")
	}

	var b strings.Builder
	for _, st := range task.Stages {
		var dot string
		switch st.Status {
		case store.StageCompleted:
			dot = lipgloss.NewStyle().Foreground(clrGreen).Render("●")
		case store.StageFailed:
			dot = errStyle.Render("✗")
		default:
			dot = lipgloss.NewStyle().Foreground(clrBlue).Render("◉")
		}
		ts := dimStyle.Render(st.StartedAt.Local().Format("15:04:05"))
		b.WriteString(fmt.Sprintf("%s %s %-20s %s\n", dot, ts, st.Name, dimStyle.Render(string(st.Status))))

		for k, v := range st.Data {
			b.WriteString(fmt.Sprintf("      %s: %s\n", dimStyle.Render(k), truncate(fmt.Sprint(v), 60)))
		}
	}
	if m.detailTask != nil && m.detailTask.Error != "" {
		b.WriteString("\n" + errStyle.Render("error: "+truncate(m.detailTask.Error, 70)))
	}
	return b.String()
}

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return "  " + strings.Join(parts, "  ")
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
