package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/store"
)

// Client reads the board's data from the running patchline server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets a patchline server, e.g. "http://localhost:8787".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) get(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) Feedback(limit int) ([]store.Feedback, int, error) {
	var resp struct {
		List  []store.Feedback `json:"list"`
		Total int              `json:"total"`
	}
	err := c.get(fmt.Sprintf("/feedback?limit=%d", limit), &resp)
	return resp.List, resp.Total, err
}

func (c *Client) CircuitStatus() (breaker.Snapshot, error) {
	var snap breaker.Snapshot
	err := c.get("/circuit/status", &snap)
	return snap, err
}

func (c *Client) TokenUsage() (store.UsageAggregates, error) {
	var resp struct {
		Aggregates store.UsageAggregates `json:"aggregates"`
	}
	err := c.get("/circuit/token-usage?limit=1", &resp)
	return resp.Aggregates, err
}

func (c *Client) TaskForFeedback(feedbackID string) (*store.Task, error) {
	var resp struct {
		List []store.Task `json:"list"`
	}
	if err := c.get("/agent/task-logs?limit=1&feedbackId="+url.QueryEscape(feedbackID), &resp); err != nil {
		return nil, err
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("no task for feedback %s", feedbackID)
	}
	return &resp.List[0], nil
}
