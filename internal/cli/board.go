package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/patchline/patchline/internal/tui"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open the interactive dashboard",
	Long:  "Opens a live dashboard showing the feedback list, breaker state and per-task stage logs, polling the running patchline server.",
	RunE:  runBoard,
}

func runBoard(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	model := tui.New(tui.NewClient(base))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	return nil
}
