// Package orchestrator sequences the full job lifecycle: validate, reserve
// credits, create the job record, dispatch to the provider adapter, repair
// and persist output, settle or refund billing exactly once, and publish the
// single terminal event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genforge/internal/domain"
	"genforge/internal/infra"
	"genforge/internal/limiter"
	"genforge/internal/progress"
	"genforge/internal/provider"
	"genforge/internal/repair"
)

// Route binds one job kind to its provider adapter and credit cost. Exactly
// one of Streamer or TaskRunner is set.
type Route struct {
	Provider   string
	Cost       int64
	Streamer   provider.Streamer
	TaskRunner provider.TaskRunner
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store           domain.JobStore
	Ledger          domain.CreditLedger
	Publisher       *progress.Publisher
	Limiter         *limiter.PerUser
	Routes          map[domain.JobKind]Route
	Logger          *infra.Logger
	FallbackEnabled bool
}

// Orchestrator owns every running job in this process. Each job executes in
// its own goroutine; the per-user limiter bounds parallelism and a waiting
// job simply stays pending until a slot frees.
type Orchestrator struct {
	store     domain.JobStore
	ledger    domain.CreditLedger
	publisher *progress.Publisher
	limiter   *limiter.PerUser
	routes    map[domain.JobKind]Route
	logger    infra.Logger
	fallback  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SubmitRequest is one incoming generation request.
type SubmitRequest struct {
	Kind    domain.JobKind
	UserID  string
	Prompt  string
	Options json.RawMessage
}

// New creates an orchestrator. Call Shutdown to stop accepting work and wait
// for running jobs.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Publisher == nil {
		return nil, fmt.Errorf("orchestrator: store, ledger and publisher are required")
	}
	if len(opts.Routes) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one route is required")
	}
	for kind, route := range opts.Routes {
		if (route.Streamer == nil) == (route.TaskRunner == nil) {
			return nil, fmt.Errorf("orchestrator: route %s must set exactly one adapter", kind)
		}
		if route.Cost <= 0 {
			return nil, fmt.Errorf("orchestrator: route %s must have a positive cost", kind)
		}
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	lim := opts.Limiter
	if lim == nil {
		lim = limiter.NewPerUser(limiter.DefaultCap)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     opts.Store,
		ledger:    opts.Ledger,
		publisher: opts.Publisher,
		limiter:   lim,
		routes:    opts.Routes,
		logger:    logger,
		fallback:  opts.FallbackEnabled,
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Shutdown stops dispatching and waits for in-flight jobs to finish or for
// the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the request, reserves credits, creates the job record and
// starts its execution. Reservation rejection fails fast: no job record is
// created and nothing is published.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if !domain.ValidKind(req.Kind) {
		return nil, fmt.Errorf("%w: unsupported kind %q", domain.ErrValidation, req.Kind)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	route, ok := o.routes[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no provider configured for kind %q", domain.ErrValidation, req.Kind)
	}

	input, err := json.Marshal(map[string]any{
		"prompt":  req.Prompt,
		"options": req.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode input: %v", domain.ErrValidation, err)
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Status:      domain.JobStatusPending,
		UserID:      req.UserID,
		Provider:    route.Provider,
		InputData:   input,
		MaxAttempts: domain.DefaultMaxAttempts,
	}

	// Anonymous jobs are allowed but never billed.
	if !job.Anonymous() {
		ok, err := o.ledger.Reserve(ctx, job.UserID, route.Cost)
		if err != nil {
			return nil, fmt.Errorf("reserve credits: %w", err)
		}
		if !ok {
			return nil, domain.ErrInsufficientCredits
		}
		job.CreditsReserved = route.Cost
	}

	if err := o.store.Create(ctx, job); err != nil {
		if !job.Anonymous() {
			if rerr := o.ledger.Refund(ctx, job.UserID, reservationKey(job.ID, 0), job.CreditsReserved); rerr != nil {
				o.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("orchestrator: refund after create failure")
			}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	o.publisher.Publish(ctx, progress.Event{
		Type:   progress.EventStatus,
		JobID:  job.ID,
		UserID: job.UserID,
		Status: domain.JobStatusPending,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(job)
	}()

	o.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("provider", job.Provider).
		Int64("credits_reserved", job.CreditsReserved).
		Msg("orchestrator: job submitted")
	return cloneForCaller(job), nil
}

// run executes one job to its terminal state. It is the single writer for
// the job record for the job's whole lifetime.
func (o *Orchestrator) run(job *domain.Job) {
	ctx := o.baseCtx

	// The job occupies one concurrency slot from dispatch to terminal state;
	// until a slot frees it simply stays pending.
	if err := o.limiter.Acquire(ctx, job.UserID); err != nil {
		o.fail(ctx, job, 0, fmt.Errorf("shutting down before dispatch: %w", err))
		return
	}
	defer o.limiter.Release(job.UserID)

	route := o.routes[job.Kind]

	for attempt := 1; ; attempt++ {
		job.Attempts = attempt
		if err := o.markProcessing(ctx, job); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("orchestrator: cannot take ownership")
			o.fail(ctx, job, attempt, err)
			return
		}

		err := o.executeAttempt(ctx, job, route, attempt)
		if err == nil {
			return
		}

		if domain.IsTransient(err) && attempt < job.MaxAttempts {
			o.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Int("attempt", attempt).
				Msg("orchestrator: transient failure, retrying")
			// Fresh reservation cycle per retry: refund the outstanding
			// hold, then reserve again. Never double-reserve.
			if !job.Anonymous() {
				if rerr := o.ledger.Refund(ctx, job.UserID, reservationKey(job.ID, attempt), job.CreditsReserved); rerr != nil {
					o.fail(ctx, job, attempt, fmt.Errorf("refund before retry: %w", rerr))
					return
				}
				job.CreditsReserved = 0
				ok, rerr := o.ledger.Reserve(ctx, job.UserID, route.Cost)
				if rerr != nil || !ok {
					o.fail(ctx, job, attempt+1, domain.ErrInsufficientCredits)
					return
				}
				job.CreditsReserved = route.Cost
			}
			continue
		}

		if o.fallback && providerSide(err) {
			o.completeDegraded(ctx, job, attempt, err)
			return
		}
		o.fail(ctx, job, attempt, err)
		return
	}
}

// executeAttempt runs one dispatch against the provider and finalizes the job
// on success. Returned errors are classified by the caller.
func (o *Orchestrator) executeAttempt(ctx context.Context, job *domain.Job, route Route, attempt int) error {
	req := provider.Request{
		JobID:   job.ID,
		Kind:    job.Kind,
		Prompt:  promptFromInput(job.InputData),
		Options: optionsFromInput(job.InputData),
	}

	var (
		res *provider.Result
		err error
	)
	if route.Streamer != nil {
		res, err = o.runStream(ctx, job, route, req)
	} else {
		res, err = o.runTask(ctx, job, route, req)
	}
	if err != nil {
		return err
	}

	output, err := o.buildOutput(job.Kind, res)
	if err != nil {
		return err
	}
	return o.complete(ctx, job, attempt, output, route.Cost, false)
}

func (o *Orchestrator) runStream(ctx context.Context, job *domain.Job, route Route, req provider.Request) (*provider.Result, error) {
	chunks := make(chan provider.Chunk, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for chunk := range chunks {
			o.advanceProgress(ctx, job, streamEstimate(job.Progress, len(chunk.Text)), chunk.Text)
		}
	}()

	res, err := route.Streamer.Generate(ctx, req, chunks)
	close(chunks)
	<-drained
	return res, err
}

func (o *Orchestrator) runTask(ctx context.Context, job *domain.Job, route Route, req provider.Request) (*provider.Result, error) {
	taskID, err := route.TaskRunner.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	o.advanceProgress(ctx, job, 10, "")
	return route.TaskRunner.PollUntilDone(ctx, taskID)
}

// buildOutput turns the adapter result into the persisted output payload.
// Kinds that expect a structured document run through output repair; a
// document that still does not parse is a hard failure, never silently
// corrupted downstream.
func (o *Orchestrator) buildOutput(kind domain.JobKind, res *provider.Result) (json.RawMessage, error) {
	if kind.ExpectsDocument() {
		doc := res.Payload
		if len(doc) == 0 {
			repaired := repair.RepairTruncated(repair.ExtractDocument(res.Text))
			doc = json.RawMessage(repaired)
		}
		if !json.Valid(doc) {
			return nil, fmt.Errorf("%w: document does not parse after repair", domain.ErrMalformedOutput)
		}
		return doc, nil
	}

	out, err := json.Marshal(map[string]any{
		"text":        res.Text,
		"url":         res.URL,
		"stop_reason": res.StopReason,
		"usage":       res.Usage,
		"provider":    res.Provider,
	})
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) markProcessing(ctx context.Context, job *domain.Job) error {
	if job.Status == domain.JobStatusProcessing {
		return o.store.Update(ctx, job)
	}
	now := time.Now()
	job.Status = domain.JobStatusProcessing
	job.StartedAt = &now
	if err := o.store.Update(ctx, job); err != nil {
		return err
	}
	o.publisher.Publish(ctx, progress.Event{
		Type:   progress.EventStatus,
		JobID:  job.ID,
		UserID: job.UserID,
		Status: domain.JobStatusProcessing,
	})
	return nil
}

// advanceProgress persists and publishes a progress step. Progress is
// monotonically non-decreasing while processing and never reaches 100 here;
// 100 is reserved for completion.
func (o *Orchestrator) advanceProgress(ctx context.Context, job *domain.Job, target int, chunk string) {
	if target > 99 {
		target = 99
	}
	if target > job.Progress {
		job.Progress = target
		if err := o.store.Update(ctx, job); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("orchestrator: progress update rejected")
			return
		}
	} else if chunk == "" {
		return
	}
	o.publisher.Publish(ctx, progress.Event{
		Type:     progress.EventProgress,
		JobID:    job.ID,
		UserID:   job.UserID,
		Status:   domain.JobStatusProcessing,
		Progress: job.Progress,
		Chunk:    chunk,
	})
}

func (o *Orchestrator) complete(ctx context.Context, job *domain.Job, attempt int, output json.RawMessage, actualCost int64, degraded bool) error {
	if degraded {
		// A degraded placeholder is never charged.
		actualCost = 0
	}
	now := time.Now()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.OutputData = output
	job.Degraded = degraded
	job.CompletedAt = &now
	job.CreditsSettled = 0
	if !job.Anonymous() {
		job.CreditsSettled = actualCost
	}
	if err := o.store.Update(ctx, job); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	if !job.Anonymous() {
		if err := o.ledger.Settle(ctx, job.UserID, reservationKey(job.ID, attempt), job.CreditsReserved, job.CreditsSettled); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("orchestrator: settle failed")
		}
	}

	o.publisher.Publish(ctx, progress.Event{
		Type:       progress.EventComplete,
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     domain.JobStatusCompleted,
		Progress:   100,
		OutputData: output,
		Degraded:   degraded,
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Int64("credits_settled", job.CreditsSettled).
		Bool("degraded", degraded).
		Msg("orchestrator: job completed")
	return nil
}

// completeDegraded finishes the job with a synthesized placeholder after a
// provider-side failure, flagged so the client can tell it apart from real
// output.
func (o *Orchestrator) completeDegraded(ctx context.Context, job *domain.Job, attempt int, cause error) {
	o.logger.Warn().Err(cause).Str("job_id", job.ID).Msg("orchestrator: provider failed, completing degraded")
	res := provider.Fallback(provider.Request{
		JobID:  job.ID,
		Kind:   job.Kind,
		Prompt: promptFromInput(job.InputData),
	})
	output, err := o.buildOutput(job.Kind, res)
	if err != nil {
		o.fail(ctx, job, attempt, cause)
		return
	}
	if err := o.complete(ctx, job, attempt, output, 0, true); err != nil {
		o.fail(ctx, job, attempt, err)
	}
}

// fail moves the job to its terminal failed state, refunds the full
// outstanding reservation, and publishes the single terminal error event.
// The refund always happens before the event so that "never charged for a
// failed job" holds by the time the client observes the failure.
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, attempt int, cause error) {
	// The refund and the terminal write must land even when the failure is
	// the base context being canceled at shutdown.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if !job.Anonymous() && job.CreditsReserved > 0 {
		if err := o.ledger.Refund(ctx, job.UserID, reservationKey(job.ID, attempt), job.CreditsReserved); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("orchestrator: refund failed")
		}
	}

	now := time.Now()
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = domain.UserMessage(cause)
	job.CreditsSettled = 0
	job.CompletedAt = &now
	if err := o.store.Update(ctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("orchestrator: persist failure state")
	}

	o.publisher.Publish(ctx, progress.Event{
		Type:   progress.EventError,
		JobID:  job.ID,
		UserID: job.UserID,
		Status: domain.JobStatusFailed,
		Error:  job.ErrorMessage,
	})
	o.logger.Info().
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Str("error", job.ErrorMessage).
		Msg("orchestrator: job failed")
}

// reservationKey names one reservation cycle for settlement idempotence.
// Retries reserve afresh, so each attempt settles under its own key.
func reservationKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s#%d", jobID, attempt)
}

// providerSide reports whether the failure originated at the provider rather
// than in the request itself; only those qualify for degraded completion.
func providerSide(err error) bool {
	var pe *domain.ProviderError
	return errors.As(err, &pe) ||
		errors.Is(err, domain.ErrProviderFailure) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrMalformedOutput)
}

func streamEstimate(current, chunkLen int) int {
	step := chunkLen / 40
	if step < 1 {
		step = 1
	}
	next := current + step
	if next > 90 {
		next = 90
	}
	return next
}

type inputPayload struct {
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options"`
}

func promptFromInput(raw json.RawMessage) string {
	var in inputPayload
	_ = json.Unmarshal(raw, &in)
	return in.Prompt
}

func optionsFromInput(raw json.RawMessage) json.RawMessage {
	var in inputPayload
	_ = json.Unmarshal(raw, &in)
	return in.Options
}

func cloneForCaller(job *domain.Job) *domain.Job {
	cp := *job
	return &cp
}
