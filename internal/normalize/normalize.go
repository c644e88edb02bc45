// Package normalize turns wildly different provider reply shapes into one
// canonical outcome: ready with a result, still pending, or failed with a
// reason. Each provider registers a Normalizer; call sites never sniff
// response shapes themselves.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// State classifies a provider reply.
type State int

const (
	// StatePending means the task is still running and should be polled again.
	StatePending State = iota
	// StateReady means a usable result was extracted.
	StateReady
	// StateFailed means the provider reported the task as failed.
	StateFailed
)

// Result is the canonical artifact reference extracted from a provider reply:
// a URL, free text, or a structured payload, whichever the provider returned.
type Result struct {
	URL     string
	Text    string
	Payload json.RawMessage
}

// Empty reports whether nothing usable was extracted.
func (r *Result) Empty() bool {
	return r == nil || (r.URL == "" && r.Text == "" && len(r.Payload) == 0)
}

// Outcome is the normalized verdict for one raw provider reply.
type Outcome struct {
	State  State
	Result *Result
	Reason string
}

// Normalizer extracts a canonical outcome from one provider's raw reply.
type Normalizer interface {
	Extract(raw []byte) (Outcome, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Normalizer{}
)

// Register installs the normalizer for a provider name. Registering the same
// name twice replaces the earlier entry.
func Register(provider string, n Normalizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(provider)] = n
}

// Lookup returns the normalizer registered for the provider, falling back to
// the default envelope normalizer for providers without a custom one.
func Lookup(provider string) Normalizer {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if n, ok := registry[strings.ToLower(provider)]; ok {
		return n
	}
	return Default{}
}

// envelope covers the response shapes observed across task-polling providers.
// The final artifact reference may live in three independent places, tried in
// fixed priority order: a direct field, an array-wrapped field, or a
// secondary JSON-encoded string field.
type envelope struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	TaskStatus string `json:"task_status"`

	ErrorMessage string `json:"error"`
	Message      string `json:"message"`

	Result  json.RawMessage   `json:"result"`
	Output  json.RawMessage   `json:"output"`
	Results []json.RawMessage `json:"results"`
	Data    string            `json:"data"`
}

type artifact struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Default normalizes the common task envelope. Some providers never report an
// explicit success state but do return a usable payload, so any non-failure
// state with an extractable result counts as ready.
type Default struct{}

// Extract implements Normalizer.
func (Default) Extract(raw []byte) (Outcome, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Outcome{}, fmt.Errorf("normalize: decode reply: %w", err)
	}

	state := normalizeState(firstNonEmpty(env.Status, env.State, env.TaskStatus))
	if state == StateFailed {
		reason := firstNonEmpty(env.ErrorMessage, env.Message)
		if reason == "" {
			reason = "task failed"
		}
		return Outcome{State: StateFailed, Reason: reason}, nil
	}

	result := extractResult(env)
	if !result.Empty() {
		return Outcome{State: StateReady, Result: result}, nil
	}
	if state == StateReady {
		// Explicit success without a payload; the adapter decides what an
		// empty success means.
		return Outcome{State: StateReady}, nil
	}
	return Outcome{State: StatePending}, nil
}

func extractResult(env envelope) *Result {
	// 1. Direct field.
	for _, direct := range []json.RawMessage{env.Result, env.Output} {
		if r := parseArtifact(direct); !r.Empty() {
			return r
		}
	}
	// 2. Array-wrapped field.
	for _, item := range env.Results {
		if r := parseArtifact(item); !r.Empty() {
			return r
		}
	}
	// 3. Secondary JSON-encoded string field.
	if env.Data != "" {
		if r := parseArtifact(json.RawMessage(env.Data)); !r.Empty() {
			return r
		}
	}
	return nil
}

// parseArtifact interprets one candidate location: a bare string (URL or
// text), or an object carrying url/text fields, or an arbitrary structured
// payload kept verbatim.
func parseArtifact(raw json.RawMessage) *Result {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			return &Result{URL: s}
		}
		// The string itself may be a second JSON document.
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			if r := parseArtifact(json.RawMessage(s)); !r.Empty() {
				return r
			}
		}
		return &Result{Text: s}
	}
	var a artifact
	if err := json.Unmarshal(raw, &a); err == nil && (a.URL != "" || a.Text != "") {
		return &Result{URL: strings.TrimSpace(a.URL), Text: a.Text}
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload) > 0 {
		return &Result{Payload: append(json.RawMessage(nil), raw...)}
	}
	return nil
}

func normalizeState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "failed", "failure", "error", "canceled", "cancelled":
		return StateFailed
	case "succeeded", "success", "completed", "done":
		return StateReady
	default:
		return StatePending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
