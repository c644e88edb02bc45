// Package taskpoll wraps providers with asynchronous create-task/poll
// semantics: a creation call returns a task identifier and a separate query
// call is polled with a fixed interval and a bounded attempt ceiling until a
// terminal state is observed.
package taskpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genforge/internal/domain"
	"genforge/internal/infra"
	"genforge/internal/normalize"
	"genforge/internal/provider"
)

// Options configures the task-polling client. Interval and MaxAttempts come
// from per-provider configuration, never from call sites.
type Options struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Interval    time.Duration
	MaxAttempts int
	HTTPClient  *http.Client
	Logger      *infra.Logger
	Normalizer  normalize.Normalizer
}

// Client performs create-and-poll generation calls against one provider.
type Client struct {
	provider    string
	baseURL     string
	apiKey      string
	interval    time.Duration
	maxAttempts int
	httpClient  *http.Client
	logger      *infra.Logger
	normalizer  normalize.Normalizer
}

type createRequest struct {
	Prompt  string          `json:"prompt"`
	Kind    string          `json:"kind"`
	Options json.RawMessage `json:"options,omitempty"`
}

type createResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = normalize.Lookup(opts.Provider)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Client{
		provider:    opts.Provider,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		interval:    opts.Interval,
		maxAttempts: maxAttempts,
		httpClient:  httpClient,
		logger:      logger,
		normalizer:  normalizer,
	}
}

// CreateTask submits the generation request once. A non-success status or a
// reply without a task identifier is immediately fatal for the job; any retry
// happens at the orchestrator level.
func (c *Client) CreateTask(ctx context.Context, req provider.Request) (string, error) {
	body, err := json.Marshal(createRequest{
		Prompt:  req.Prompt,
		Kind:    string(req.Kind),
		Options: req.Options,
	})
	if err != nil {
		return "", fmt.Errorf("taskpoll: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("taskpoll: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &domain.ProviderError{Op: "create", Provider: c.provider, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.ProviderError{Op: "create", Provider: c.provider, Err: err}
	}
	if resp.StatusCode >= 300 {
		return "", &domain.ProviderError{
			Op:         "create",
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(string(raw)),
		}
	}

	var decoded createResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &domain.ProviderError{Op: "create", Provider: c.provider, Err: fmt.Errorf("decode reply: %w", err)}
	}
	taskID := strings.TrimSpace(decoded.TaskID)
	if taskID == "" {
		taskID = strings.TrimSpace(decoded.ID)
	}
	if taskID == "" {
		return "", &domain.ProviderError{Op: "create", Provider: c.provider, Reason: "reply carries no task identifier"}
	}

	c.logger.Debug().Str("provider", c.provider).Str("task_id", taskID).Msg("taskpoll: task created")
	return taskID, nil
}

// PollUntilDone queries the task until a normalized success or failure signal
// is observed, sleeping the configured interval between attempts. A poll
// attempt that fails to reach the provider is swallowed and retried within
// the loop; it still consumes one of the bounded attempts. Exhausting the
// ceiling without a terminal signal raises a timeout error.
func (c *Client) PollUntilDone(ctx context.Context, taskID string) (*provider.Result, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.interval); err != nil {
				return nil, err
			}
		}

		raw, err := c.query(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn().Err(err).
				Str("provider", c.provider).
				Str("task_id", taskID).
				Int("attempt", attempt).
				Msg("taskpoll: poll attempt failed")
			continue
		}

		outcome, err := c.normalizer.Extract(raw)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("provider", c.provider).
				Str("task_id", taskID).
				Msg("taskpoll: undecodable reply")
			continue
		}

		switch outcome.State {
		case normalize.StateFailed:
			return nil, fmt.Errorf("%w: %s: %s", domain.ErrProviderFailure, c.provider, outcome.Reason)
		case normalize.StateReady:
			if outcome.Result.Empty() {
				return nil, fmt.Errorf("%w: %s: success reply carries no result", domain.ErrProviderFailure, c.provider)
			}
			return &provider.Result{
				Text:       outcome.Result.Text,
				URL:        outcome.Result.URL,
				Payload:    outcome.Result.Payload,
				StopReason: provider.StopReasonStop,
				Provider:   c.provider,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s: task %s not done after %d attempts", domain.ErrTimeout, c.provider, taskID, c.maxAttempts)
}

func (c *Client) query(ctx context.Context, taskID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ provider.TaskRunner = (*Client)(nil)
