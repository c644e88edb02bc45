package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"genforge/internal/domain"
	"genforge/internal/provider"
)

type streamTransport struct {
	status int
	body   string
}

func (s *streamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Body.Close()
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func newTestClient(body string, status int) *Client {
	return NewClient(Options{
		Provider:   "forgelab",
		BaseURL:    "https://api.forgelab.test/v1",
		APIKey:     "test",
		HTTPClient: &http.Client{Transport: &streamTransport{status: status, body: body}},
	})
}

func collect(chunks <-chan provider.Chunk) (string, int) {
	var b strings.Builder
	n := 0
	for c := range chunks {
		b.WriteString(c.Text)
		n++
	}
	return b.String(), n
}

func TestGenerateAssemblesFullText(t *testing.T) {
	body := strings.Join([]string{
		`data: {"delta": "Hello"}`,
		`data: {"delta": ", "}`,
		`data: {"delta": "world"}`,
		`data: {"stop_reason": "stop", "usage": {"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8}}`,
		`data: [DONE]`,
		``,
	}, "\n")
	client := newTestClient(body, 0)

	chunks := make(chan provider.Chunk, 16)
	res, err := client.Generate(context.Background(), provider.Request{Kind: domain.JobKindTextGenerate, Prompt: "greet"}, chunks)
	close(chunks)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Hello, world" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.StopReason != provider.StopReasonStop {
		t.Fatalf("stop reason = %q", res.StopReason)
	}
	if res.Usage.TotalTokens != 8 {
		t.Fatalf("usage = %+v", res.Usage)
	}

	streamed, _ := collect(chunks)
	if streamed != "Hello, world" {
		t.Fatalf("coalescing dropped text: streamed %q", streamed)
	}
}

func TestGenerateCoalescesButNeverDropsFinalChunk(t *testing.T) {
	var lines []string
	// Many small deltas below the char threshold: they must arrive over the
	// channel in full even though emission is coalesced.
	for i := 0; i < 40; i++ {
		lines = append(lines, `data: {"delta": "abcdefghij"}`)
	}
	lines = append(lines, `data: [DONE]`, ``)
	client := newTestClient(strings.Join(lines, "\n"), 0)

	chunks := make(chan provider.Chunk, 64)
	res, err := client.Generate(context.Background(), provider.Request{Kind: domain.JobKindTextGenerate}, chunks)
	close(chunks)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Text) != 400 {
		t.Fatalf("accumulated %d chars, want 400", len(res.Text))
	}

	streamed, emissions := collect(chunks)
	if streamed != res.Text {
		t.Fatalf("streamed text diverges from accumulated text")
	}
	if emissions >= 40 {
		t.Fatalf("emissions = %d, expected coalescing below one-per-delta", emissions)
	}
}

func TestGenerateLengthLimitedStillReturnsText(t *testing.T) {
	body := strings.Join([]string{
		`data: {"delta": "{\"files\": [{\"pa"}`,
		`data: {"stop_reason": "length"}`,
		`data: [DONE]`,
		``,
	}, "\n")
	client := newTestClient(body, 0)

	res, err := client.Generate(context.Background(), provider.Request{Kind: domain.JobKindAppGenerate}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Truncated() {
		t.Fatalf("stop reason = %q, want length", res.StopReason)
	}
	if res.Text != `{"files": [{"pa` {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestGenerateMidStreamErrorCarriesPartialText(t *testing.T) {
	body := strings.Join([]string{
		`data: {"delta": "partial out"}`,
		`data: {"error": "upstream overloaded"}`,
		``,
	}, "\n")
	client := newTestClient(body, 0)

	_, err := client.Generate(context.Background(), provider.Request{Kind: domain.JobKindTextGenerate}, nil)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if pe.PartialText != "partial out" {
		t.Fatalf("partial text = %q", pe.PartialText)
	}
}

func TestGenerateHTTPErrorStatus(t *testing.T) {
	client := newTestClient(`overloaded`, http.StatusServiceUnavailable)

	_, err := client.Generate(context.Background(), provider.Request{}, nil)
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !pe.Transient() {
		t.Fatalf("503 should be transient")
	}
}
