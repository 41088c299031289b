package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	flagSubmitUser     string
	flagSubmitLanguage string
	flagSubmitSync     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <feedback text>",
	Short: "Submit a feedback and follow its pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&flagSubmitUser, "user", "", "user id to attach")
	submitCmd.Flags().StringVar(&flagSubmitLanguage, "language", "", "feedback language tag")
	submitCmd.Flags().BoolVar(&flagSubmitSync, "sync", false, "wait for the result instead of streaming events")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"content":  strings.Join(args, " "),
		"userId":   flagSubmitUser,
		"language": flagSubmitLanguage,
	})

	if flagSubmitSync {
		return submitSync(base, body)
	}
	return submitStream(base, body)
}

func submitSync(base string, body []byte) error {
	resp, err := http.Post(base+"/agent/process", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server rejected the feedback: %v", result["error"])
	}

	status, _ := result["status"].(string)
	fmt.Printf("%sfeedback%s %v\n", colorDim, colorReset, result["feedbackId"])
	fmt.Printf("%sstatus%s   %s%s%s\n", colorDim, colorReset, statusColor(status), status, colorReset)
	if result["error"] != nil {
		fmt.Printf("%serror%s    %v\n", colorDim, colorReset, result["error"])
	}
	return nil
}

// submitStream relays the SSE stream as human-readable progress lines.
func submitStream(base string, body []byte) error {
	resp, err := http.Post(base+"/agent/process/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e map[string]string
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server rejected the feedback: %s", e["error"])
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			printEvent(event, strings.TrimPrefix(line, "data: "))
			if event == "done" {
				return nil
			}
		}
	}
	return scanner.Err()
}

func printEvent(event, data string) {
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	json.Unmarshal([]byte(data), &envelope)
	d := envelope.Data

	switch event {
	case "connected":
		fmt.Printf("%s● connected%s task %v\n", colorCyan, colorReset, d["taskId"])
	case "stage":
		fmt.Printf("%s▸ %v%s %s(%v)%s\n", colorBlue, d["stage"], colorReset, colorDim, d["status"], colorReset)
	case "intent":
		fmt.Printf("  intent=%v feasibility=%v: %v\n", d["intent"], d["feasibility"], d["summary"])
	case "suggestion":
		fmt.Printf("  plan: %v %v %s(%v)%s\n", d["action"], d["file"], colorDim, d["description"], colorReset)
	case "test_progress":
		mark := colorGreen + "✓" + colorReset
		if d["passed"] != true {
			mark = colorRed + "✗" + colorReset
		}
		fmt.Printf("  %s %v\n", mark, d["name"])
	case "test_result":
		if d["passed"] == true {
			fmt.Printf("%s✓ tests passed%s\n", colorGreen, colorReset)
		} else {
			fmt.Printf("%s✗ tests failed%s (retry=%v)\n", colorRed, colorReset, d["canRetry"])
		}
	case "pr":
		fmt.Printf("%s⇡ PR%s #%v %v\n", colorCyan, colorReset, d["number"], d["url"])
	case "complete":
		fmt.Printf("%s%s✓ complete%s", colorBold, colorGreen, colorReset)
		if d["needsHuman"] == true {
			fmt.Printf(" %s(needs human review)%s", colorYellow, colorReset)
		}
		fmt.Println()
	case "error":
		fmt.Printf("%s%s✗ %v%s %v\n", colorBold, colorRed, d["kind"], colorReset, d["message"])
	case "code_chunk":
		// Too noisy for the CLI; the board and SSE clients show these.
	}
}
