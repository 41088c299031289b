package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/patchline/patchline/internal/config"
)

// ANSI color codes.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

// loadConfig reads .env (best effort) and the config file plus env
// overrides.
func loadConfig() (*config.Config, error) {
	godotenv.Load()
	return config.Load(flagConfig)
}

// serverURL resolves the API base for client commands: --server wins,
// otherwise the configured port on localhost.
func serverURL() (string, error) {
	if flagServer != "" {
		return flagServer, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Port), nil
}

// getJSON fetches one API endpoint into v.
func getJSON(base, path string, v any) error {
	resp, err := http.Get(base + path)
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

// statusColor picks a color for a feedback/task status string.
func statusColor(status string) string {
	switch status {
	case "completed":
		return colorGreen
	case "failed", "aborted":
		return colorRed
	case "needs_human":
		return colorYellow
	case "pending":
		return colorDim
	default:
		return colorBlue
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
