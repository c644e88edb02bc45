package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genforge/internal/domain"
	"genforge/internal/ledger"
	"genforge/internal/limiter"
	"genforge/internal/progress"
	"genforge/internal/provider"
	"genforge/internal/store"
)

type streamFunc func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error)

func (f streamFunc) Generate(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
	return f(ctx, req, chunks)
}

type taskStub struct {
	create func(ctx context.Context, req provider.Request) (string, error)
	poll   func(ctx context.Context, taskID string) (*provider.Result, error)
}

func (s taskStub) CreateTask(ctx context.Context, req provider.Request) (string, error) {
	return s.create(ctx, req)
}

func (s taskStub) PollUntilDone(ctx context.Context, taskID string) (*provider.Result, error) {
	return s.poll(ctx, taskID)
}

type testEnv struct {
	orch   *Orchestrator
	store  *store.Memory
	ledger *ledger.Memory
	pub    *progress.Publisher
}

func newTestEnv(t *testing.T, routes map[domain.JobKind]Route, fallback bool, capPerUser int64) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)
	st := store.NewMemory()
	led := ledger.NewMemory()
	pub := progress.NewPublisher(&logger, nil)
	orch, err := New(Options{
		Store:           st,
		Ledger:          led,
		Publisher:       pub,
		Limiter:         limiter.NewPerUser(capPerUser),
		Routes:          routes,
		Logger:          &logger,
		FallbackEnabled: fallback,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &testEnv{orch: orch, store: st, ledger: led, pub: pub}
}

func waitTerminal(t *testing.T, st *store.Memory, jobID string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.Get(context.Background(), jobID)
		if err == nil && job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func echoStream(text string) streamFunc {
	return func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
		chunks <- provider.Chunk{Text: text}
		return &provider.Result{Text: text, StopReason: provider.StopReasonStop, Provider: "forgelab"}, nil
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: echoStream("hi")},
	}, false, 5)

	_, err := env.orch.Submit(context.Background(), SubmitRequest{Kind: "sculpture", UserID: "u1", Prompt: "a"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("unknown kind: got %v, want ErrValidation", err)
	}
	_, err = env.orch.Submit(context.Background(), SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "   "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank prompt: got %v, want ErrValidation", err)
	}
}

func TestInsufficientCreditsLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindImageGenerate: {Provider: "pixelloom", Cost: 5, TaskRunner: taskStub{}},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 4); err != nil {
		t.Fatalf("grant: %v", err)
	}

	_, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindImageGenerate, UserID: "u1", Prompt: "a cat"})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", err)
	}

	jobs, err := env.store.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("a rejected submission must not create a job record, found %d", len(jobs))
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 4 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d after rejection, want 4/0", balance, reserved)
	}
}

func TestStreamingJobCompletesAndSettles(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: echoStream("generated copy")},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	events, cancel := env.pub.SubscribeUser("u1")
	defer cancel()

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.Progress != 100 {
		t.Fatalf("completed job progress = %d, want 100", final.Progress)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(final.OutputData, &out); err != nil || out.Text != "generated copy" {
		t.Fatalf("output = %s (err %v)", final.OutputData, err)
	}
	if final.CreditsSettled != 1 {
		t.Fatalf("credits settled = %d, want 1", final.CreditsSettled)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 9 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 9/0", balance, reserved)
	}

	var sawComplete bool
	timeout := time.After(2 * time.Second)
	for !sawComplete {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before a complete event")
			}
			if ev.Type == progress.EventComplete {
				if len(ev.OutputData) == 0 {
					t.Fatalf("complete event carries no output")
				}
				sawComplete = true
			}
		case <-timeout:
			t.Fatalf("no complete event observed")
		}
	}
}

func TestDocumentOutputRepairedBeforePersisting(t *testing.T) {
	truncated := "```json\n{\"pages\": [{\"title\": \"Home\", \"body\": \"wel"
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindAppGenerate: {Provider: "forgelab", Cost: 10, Streamer: streamFunc(
			func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
				return &provider.Result{Text: truncated, StopReason: provider.StopReasonLength, Provider: "forgelab"}, nil
			})},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 20); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindAppGenerate, UserID: "u1", Prompt: "build a site"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if !json.Valid(final.OutputData) {
		t.Fatalf("persisted document is not valid JSON: %s", final.OutputData)
	}
	if !strings.Contains(string(final.OutputData), `"title": "Home"`) {
		t.Fatalf("repair lost content: %s", final.OutputData)
	}
}

func TestUnrepairableDocumentFailsJob(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindAppGenerate: {Provider: "forgelab", Cost: 10, Streamer: echoStream("sorry, I cannot help with that")},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 20); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindAppGenerate, UserID: "u1", Prompt: "build a site"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 20 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d after failure, want full refund 20/0", balance, reserved)
	}
}

func TestProviderFailureRefundsFully(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindImageGenerate: {Provider: "pixelloom", Cost: 5, TaskRunner: taskStub{
			create: func(ctx context.Context, req provider.Request) (string, error) {
				return "", &domain.ProviderError{Op: "create task", Provider: "pixelloom", StatusCode: 400, Reason: "prompt rejected"}
			},
		}},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 8); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindImageGenerate, UserID: "u1", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Attempts != 1 {
		t.Fatalf("a non-transient failure must not retry, attempts = %d", final.Attempts)
	}
	if final.ErrorMessage == "" {
		t.Fatalf("failed job carries no error message")
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 8 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 8/0", balance, reserved)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: streamFunc(
			func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
				if calls.Add(1) < 3 {
					return nil, &domain.ProviderError{Op: "generate", Provider: "forgelab", StatusCode: 503}
				}
				return &provider.Result{Text: "third time lucky", StopReason: provider.StopReasonStop, Provider: "forgelab"}, nil
			})},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", final.Attempts)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 9 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 9/0 (charged exactly once)", balance, reserved)
	}
}

func TestRetriesExhaustedFailAndRefund(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: streamFunc(
			func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
				calls.Add(1)
				return nil, &domain.ProviderError{Op: "generate", Provider: "forgelab", StatusCode: 503}
			})},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if got := calls.Load(); got != int32(domain.DefaultMaxAttempts) {
		t.Fatalf("provider called %d times, want %d", got, domain.DefaultMaxAttempts)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 10 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 10/0", balance, reserved)
	}
}

func TestPollingTimeoutRefundsEveryCycle(t *testing.T) {
	var polls atomic.Int32
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindImageGenerate: {Provider: "pixelloom", Cost: 5, TaskRunner: taskStub{
			create: func(ctx context.Context, req provider.Request) (string, error) {
				return "task-1", nil
			},
			poll: func(ctx context.Context, taskID string) (*provider.Result, error) {
				polls.Add(1)
				return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrTimeout)
			},
		}},
	}, false, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 20); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindImageGenerate, UserID: "u1", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	// Timeouts are transient: the job retries up to its attempt budget, with
	// a fresh reservation each time, and every hold is released at the end.
	if got := polls.Load(); got != int32(domain.DefaultMaxAttempts) {
		t.Fatalf("poll cycles = %d, want %d", got, domain.DefaultMaxAttempts)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 20 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 20/0", balance, reserved)
	}
}

func TestDegradedFallbackCompletesUncharged(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindImageGenerate: {Provider: "pixelloom", Cost: 5, TaskRunner: taskStub{
			create: func(ctx context.Context, req provider.Request) (string, error) {
				return "", &domain.ProviderError{Op: "create task", Provider: "pixelloom", StatusCode: 400, Reason: "model offline"}
			},
		}},
	}, true, 5)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 8); err != nil {
		t.Fatalf("grant: %v", err)
	}

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindImageGenerate, UserID: "u1", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if !final.Degraded {
		t.Fatalf("fallback output must be flagged degraded")
	}
	if final.CreditsSettled != 0 {
		t.Fatalf("degraded completion settled %d credits, want 0", final.CreditsSettled)
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 8 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 8/0", balance, reserved)
	}
}

func TestAnonymousJobNeverTouchesLedger(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: echoStream("hello")},
	}, false, 5)
	ctx := context.Background()

	job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, Prompt: "say hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.CreditsReserved != 0 {
		t.Fatalf("anonymous job reserved %d credits", job.CreditsReserved)
	}
	final := waitTerminal(t, env.store, job.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.ErrorMessage)
	}
	if final.CreditsSettled != 0 {
		t.Fatalf("anonymous job settled %d credits", final.CreditsSettled)
	}
}

func TestConcurrencyCapHoldsExcessJobsPending(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: streamFunc(
			func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
				select {
				case <-gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return &provider.Result{Text: "done", StopReason: provider.StopReasonStop, Provider: "forgelab"}, nil
			})},
	}, false, 2)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 100); err != nil {
		t.Fatalf("grant: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		processing := env.store.CountByUserAndStatus("u1", domain.JobStatusProcessing)
		pending := env.store.CountByUserAndStatus("u1", domain.JobStatusPending)
		if processing == 2 && pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("processing=%d pending=%d, want 2 processing and 1 pending", processing, pending)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	for _, id := range ids {
		final := waitTerminal(t, env.store, id)
		if final.Status != domain.JobStatusCompleted {
			t.Fatalf("job %s status = %s, want completed", id, final.Status)
		}
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 97 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d, want 97/0", balance, reserved)
	}
}

// A job still waiting on its concurrency slot when the orchestrator shuts
// down must land in the store as failed, not linger as pending while a
// terminal error event goes out.
func TestShutdownFailsQueuedJob(t *testing.T) {
	env := newTestEnv(t, map[domain.JobKind]Route{
		domain.JobKindTextGenerate: {Provider: "forgelab", Cost: 1, Streamer: streamFunc(
			func(ctx context.Context, req provider.Request, chunks chan<- provider.Chunk) (*provider.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})},
	}, false, 1)
	ctx := context.Background()
	if err := env.ledger.Grant(ctx, "u1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}

	events, cancel := env.pub.SubscribeUser("u1")
	defer cancel()

	first, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	queued, err := env.orch.Submit(ctx, SubmitRequest{Kind: domain.JobKindTextGenerate, UserID: "u1", Prompt: "write copy"})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.store.CountByUserAndStatus("u1", domain.JobStatusProcessing) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first job never started processing")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	if err := env.orch.Shutdown(shutCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, id := range []string{first.ID, queued.ID} {
		job, err := env.store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status != domain.JobStatusFailed {
			t.Fatalf("job %s status = %s after shutdown, want failed", id, job.Status)
		}
	}
	balance, reserved, _ := env.ledger.Balance(ctx, "u1")
	if balance != 10 || reserved != 0 {
		t.Fatalf("balance=%d reserved=%d after shutdown, want 10/0", balance, reserved)
	}

	// The error event for the queued job must agree with the stored record.
	var sawQueuedError bool
	timeout := time.After(2 * time.Second)
	for !sawQueuedError {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before the queued job's error event")
			}
			if ev.Type == progress.EventError && ev.JobID == queued.ID {
				if ev.Status != domain.JobStatusFailed {
					t.Fatalf("error event status = %s, want failed", ev.Status)
				}
				sawQueuedError = true
			}
		case <-timeout:
			t.Fatalf("no error event observed for the queued job")
		}
	}
}
