package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/store"
)

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Inspect the token circuit breaker",
}

var circuitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the breaker snapshot",
	RunE:  runCircuitStatus,
}

var circuitEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List denied admission decisions",
	RunE:  runCircuitEvents,
}

var circuitUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token spend aggregates",
	RunE:  runCircuitUsage,
}

var flagEventsUnresolved bool

func init() {
	circuitEventsCmd.Flags().BoolVar(&flagEventsUnresolved, "unresolved", false, "only unresolved events")
	circuitCmd.AddCommand(circuitStatusCmd)
	circuitCmd.AddCommand(circuitEventsCmd)
	circuitCmd.AddCommand(circuitUsageCmd)
}

func runCircuitStatus(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	var snap breaker.Snapshot
	if err := getJSON(base, "/circuit/status", &snap); err != nil {
		return err
	}

	circuit := colorGreen + snap.CircuitState + colorReset
	switch snap.CircuitState {
	case breaker.CircuitOpen:
		circuit = colorRed + snap.CircuitState + colorReset
	case breaker.CircuitHalfOpen:
		circuit = colorYellow + snap.CircuitState + colorReset
	}

	fmt.Printf("circuit         %s\n", circuit)
	fmt.Printf("daily tokens    %d / %d\n", snap.DailyTokensUsed, snap.MaxDailyTokens)
	fmt.Printf("in-flight tasks %d / %d\n", snap.ConcurrentTasks, snap.MaxConcurrentTasks)
	fmt.Printf("tracked tasks   %d\n", snap.TrackedTasks)
	fmt.Printf("recent denials  %d\n", snap.RecentDenials)
	fmt.Printf("window resets   %s\n", snap.WindowResetAt.Local().Format("Jan 02 15:04"))
	if !snap.OpenUntil.IsZero() {
		fmt.Printf("%sopen until      %s%s\n", colorRed, snap.OpenUntil.Local().Format("15:04:05"), colorReset)
	}
	return nil
}

func runCircuitEvents(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	path := "/circuit/events?limit=30"
	if flagEventsUnresolved {
		path += "&unresolvedOnly=true"
	}
	var resp struct {
		List  []store.BreakerEvent `json:"list"`
		Total int                  `json:"total"`
	}
	if err := getJSON(base, path, &resp); err != nil {
		return err
	}
	if resp.Total == 0 {
		fmt.Printf("%sNo breaker events.%s\n", colorDim, colorReset)
		return nil
	}

	for _, e := range resp.List {
		mark := colorYellow + "!" + colorReset
		if e.Resolved {
			mark = colorGreen + "·" + colorReset
		}
		fmt.Printf("%s %s%-18s%s %s/%s task=%s %s%s%s\n",
			mark, colorRed, e.Type, colorReset,
			e.Service, e.Action, truncate(e.TaskID, 10),
			colorDim, e.Timestamp.Local().Format("Jan 02 15:04:05"), colorReset)
	}
	return nil
}

func runCircuitUsage(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}
	var resp struct {
		Total      int                   `json:"total"`
		Aggregates store.UsageAggregates `json:"aggregates"`
	}
	if err := getJSON(base, "/circuit/token-usage?limit=1", &resp); err != nil {
		return err
	}

	agg := resp.Aggregates
	fmt.Printf("calls           %d (%d ok, %d failed)\n", resp.Total, agg.SuccessCount, agg.FailureCount)
	fmt.Printf("total tokens    %d (prompt %d, completion %d)\n", agg.TotalTokens, agg.PromptTokens, agg.CompletionTokens)
	for model, tokens := range agg.ByModel {
		fmt.Printf("  %s%-24s%s %d\n", colorCyan, model, colorReset, tokens)
	}
	for call, tokens := range agg.ByCallType {
		fmt.Printf("  %s%-24s%s %d\n", colorDim, call, colorReset, tokens)
	}
	return nil
}
