// Package provider defines the contract the orchestrator depends on from any
// generation provider adapter, plus the deterministic fallback used when a
// provider fails and degraded completion is enabled.
package provider

import (
	"context"
	"encoding/json"

	"genforge/internal/domain"
)

// Stop reasons reported by streaming providers.
const (
	StopReasonStop   = "stop"
	StopReasonLength = "length"
)

// Request captures what the orchestrator hands to an adapter for one job.
type Request struct {
	JobID   string
	Kind    domain.JobKind
	Prompt  string
	Options json.RawMessage
}

// Usage is the token accounting reported by a provider, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the final assembled output of one generation call, whichever of
// text, artifact URL, or structured payload the provider produced.
type Result struct {
	Text       string
	URL        string
	Payload    json.RawMessage
	StopReason string
	Usage      Usage
	Provider   string
}

// Truncated reports whether the provider stopped because of a length limit,
// in which case the accumulated text may be an incomplete document.
func (r *Result) Truncated() bool {
	return r != nil && r.StopReason == StopReasonLength
}

// Chunk is one coalesced fragment of incremental streaming output.
type Chunk struct {
	Text string
	// Final marks the flush that accompanies the end of the stream.
	Final bool
}

// Streamer is the live-connection provider shape: incremental text fragments
// delivered on the channel, terminated by the final assembled result.
type Streamer interface {
	Generate(ctx context.Context, req Request, chunks chan<- Chunk) (*Result, error)
}

// TaskRunner is the asynchronous provider shape: a creation call returning a
// task identifier and a poll loop that runs until a terminal state.
type TaskRunner interface {
	CreateTask(ctx context.Context, req Request) (string, error)
	PollUntilDone(ctx context.Context, taskID string) (*Result, error)
}
