// Package llm wraps the external model vendor. Client is the only path
// to the model: every call passes the breaker, gets a hard timeout, and
// leaves a token-usage row behind whether it succeeded or not.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patchline/patchline/internal/breaker"
	"github.com/patchline/patchline/internal/clock"
	"github.com/patchline/patchline/internal/store"
)

// DefaultTimeout bounds one vendor request.
const DefaultTimeout = 30 * time.Second

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallOptions parameterize one model call.
type CallOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TaskID      string
	FeedbackID  string
	CallType    string
}

// Usage is the token count reported by the vendor.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt + completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Result is a completed model call.
type Result struct {
	Content string
	Usage   Usage
}

// Provider is the vendor adapter. Anthropic is the production
// implementation; tests substitute their own.
type Provider interface {
	Complete(ctx context.Context, messages []Message, opts CallOptions) (*Result, error)
}

// BlockedError reports a breaker denial.
type BlockedError struct {
	Reason store.BreakerEventType
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("breaker blocked: %s", e.Reason)
}

// IsBlocked reports whether err is a breaker denial.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// Client guards a Provider with the breaker and records usage.
type Client struct {
	provider Provider
	brk      *breaker.Breaker
	st       store.Store
	model    string // default model name
	timeout  time.Duration
}

// NewClient creates the model client. model is the default used when
// CallOptions.Model is empty.
func NewClient(provider Provider, brk *breaker.Breaker, st store.Store, model string) *Client {
	return &Client{
		provider: provider,
		brk:      brk,
		st:       st,
		model:    model,
		timeout:  DefaultTimeout,
	}
}

// WithTimeout overrides the per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Call runs one model call end to end: breaker check, bounded request,
// usage row, release. Release runs on every path.
func (c *Client) Call(ctx context.Context, messages []Message, opts CallOptions) (*Result, error) {
	if opts.Model == "" {
		opts.Model = c.model
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	decision := c.brk.Check("llm", opts.CallType, opts.MaxTokens, opts.TaskID)
	if !decision.Allowed {
		return nil, &BlockedError{Reason: decision.Reason}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.provider.Complete(callCtx, messages, opts)
	if err != nil {
		c.recordUsage(opts, Usage{}, err)
		c.brk.Release(opts.TaskID, 0)
		return nil, fmt.Errorf("model call (%s): %w", opts.CallType, err)
	}

	c.recordUsage(opts, res.Usage, nil)
	c.brk.Release(opts.TaskID, res.Usage.Total())
	return res, nil
}

// recordUsage appends a token-usage row. Audit failures are not allowed
// to fail the call.
func (c *Client) recordUsage(opts CallOptions, usage Usage, callErr error) {
	if c.st == nil {
		return
	}
	row := &store.TokenUsage{
		ID:               clock.NewID(),
		TaskID:           opts.TaskID,
		FeedbackID:       opts.FeedbackID,
		Model:            opts.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CallType:         opts.CallType,
		Success:          callErr == nil,
		Timestamp:        time.Now().UTC(),
	}
	if callErr != nil {
		row.Error = callErr.Error()
	}
	c.st.AppendTokenUsage(row)
}
