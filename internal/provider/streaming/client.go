// Package streaming wraps providers that emit incremental output over a
// long-lived chunked HTTP connection, SSE style: one "data: {...}" line per
// fragment, terminated by a [DONE] marker.
package streaming

import (
	"bufio"
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
	"genforge/internal/provider"
)

const (
	// Chunk delivery is throttled for UI purposes only: fragments are
	// coalesced until either threshold is reached. The final fragment is
	// always flushed.
	flushInterval = 500 * time.Millisecond
	flushChars    = 500

	defaultTimeout = 5 * time.Minute
)

// Options configures the streaming client.
type Options struct {
	Provider   string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client performs streaming generation calls against one provider endpoint.
type Client struct {
	provider   string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

type streamRequest struct {
	Prompt  string          `json:"prompt"`
	Kind    string          `json:"kind"`
	Options json.RawMessage `json:"options,omitempty"`
	Stream  bool            `json:"stream"`
}

type streamEvent struct {
	Delta      string          `json:"delta"`
	StopReason string          `json:"stop_reason"`
	Usage      *provider.Usage `json:"usage"`
	Error      string          `json:"error"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Client{
		provider:   opts.Provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Generate opens the stream, emits coalesced fragments on chunks, and returns
// the final assembled text with provider metadata. A length-limited stop
// reason still returns the accumulated text; recovering a structured document
// from partial output is the caller's concern. Errors carry the partial text
// accumulated so far for diagnostics.
func (c *Client) Generate(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
	body, err := json.Marshal(streamRequest{
		Prompt:  req.Prompt,
		Kind:    string(req.Kind),
		Options: req.Options,
		Stream:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("streaming: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("streaming: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.ProviderError{Op: "stream", Provider: c.provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &domain.ProviderError{
			Op:         "stream",
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(string(detail)),
		}
	}

	return c.consume(ctx, resp.Body, req, chunks)
}

func (c *Client) consume(ctx context.Context, body io.Reader, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
	var (
		accumulated strings.Builder
		pending     strings.Builder
		lastFlush   = time.Now()
		stopReason  = provider.StopReasonStop
		usage       provider.Usage
	)

	flush := func(final bool) error {
		if chunks == nil || (pending.Len() == 0 && !final) {
			return nil
		}
		select {
		case chunks <- provider.Chunk{Text: pending.String(), Final: final}:
		case <-ctx.Done():
			return ctx.Err()
		}
		pending.Reset()
		lastFlush = time.Now()
		return nil
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Debug().Str("provider", c.provider).Msgf("streaming: skipping undecodable line: %v", err)
			continue
		}
		if event.Error != "" {
			_ = flush(false)
			return nil, &domain.ProviderError{
				Op:          "stream",
				Provider:    c.provider,
				Reason:      event.Error,
				PartialText: accumulated.String(),
			}
		}
		if event.Delta != "" {
			accumulated.WriteString(event.Delta)
			pending.WriteString(event.Delta)
		}
		if event.StopReason != "" {
			stopReason = event.StopReason
		}
		if event.Usage != nil {
			usage = *event.Usage
		}

		if pending.Len() >= flushChars || time.Since(lastFlush) >= flushInterval {
			if err := flush(false); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &domain.ProviderError{
			Op:          "stream",
			Provider:    c.provider,
			Err:         err,
			PartialText: accumulated.String(),
		}
	}

	if err := flush(true); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("provider", c.provider).
		Str("job_id", req.JobID).
		Str("stop_reason", stopReason).
		Int("chars", accumulated.Len()).
		Msg("streaming: stream complete")

	return &provider.Result{
		Text:       accumulated.String(),
		StopReason: stopReason,
		Usage:      usage,
		Provider:   c.provider,
	}, nil
}

var _ provider.Streamer = (*Client)(nil)
