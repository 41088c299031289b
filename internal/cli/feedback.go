package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchline/patchline/internal/store"
)

var (
	flagFeedbackStatus string
	flagFeedbackLimit  int
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "List submitted feedback",
	RunE:  runFeedback,
}

func init() {
	feedbackCmd.Flags().StringVar(&flagFeedbackStatus, "status", "", "filter by status")
	feedbackCmd.Flags().IntVar(&flagFeedbackLimit, "limit", 30, "max rows")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	var resp struct {
		List  []store.Feedback `json:"list"`
		Total int              `json:"total"`
	}
	path := fmt.Sprintf("/feedback?limit=%d", flagFeedbackLimit)
	if flagFeedbackStatus != "" {
		path += "&status=" + flagFeedbackStatus
	}
	if err := getJSON(base, path, &resp); err != nil {
		return err
	}

	if resp.Total == 0 {
		fmt.Printf("%sNo feedback yet.%s Submit one: %spatchline submit \"...\"%s\n",
			colorDim, colorReset, colorCyan, colorReset)
		return nil
	}

	fmt.Printf("%s%-10s %-52s %-12s %s%s\n", colorBold, "ID", "CONTENT", "STATUS", "CREATED", colorReset)
	for _, fb := range resp.List {
		fmt.Printf("%s%-10s%s %-52s %s%-12s%s %s%s%s\n",
			colorCyan, truncate(fb.ID, 10), colorReset,
			truncate(fb.Content, 50),
			statusColor(string(fb.Status)), fb.Status, colorReset,
			colorDim, fb.CreatedAt.Local().Format("Jan 02 15:04"), colorReset)
	}
	fmt.Printf("\n%s%d of %d shown%s\n", colorDim, len(resp.List), resp.Total, colorReset)
	return nil
}
