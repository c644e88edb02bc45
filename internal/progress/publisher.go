// Package progress fans job status and progress events out to whoever is
// currently listening for a job or user. Within one job, events are published
// in non-decreasing progress order and the terminal event is always last;
// after it, the job's subscriber channels close and no further events flow.
package progress

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genforge/internal/domain"
	"genforge/internal/infra"
)

// EventType labels one published event record.
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one record on a job's event stream. Complete events always carry
// the full output payload; error events always carry a human-readable reason.
type Event struct {
	Type       EventType        `json:"type"`
	JobID      string           `json:"job_id"`
	UserID     string           `json:"user_id,omitempty"`
	Status     domain.JobStatus `json:"status,omitempty"`
	Progress   int              `json:"progress,omitempty"`
	Chunk      string           `json:"chunk,omitempty"`
	OutputData json.RawMessage  `json:"output_data,omitempty"`
	Error      string           `json:"error,omitempty"`
	Degraded   bool             `json:"degraded,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

const subscriberBuffer = 32

// terminalSendWait bounds how long a closing stream waits for a stalled
// listener to take its final event.
const terminalSendWait = 500 * time.Millisecond

// defaultFinishedTTL is how long a finished job ID is remembered for the
// late-event guard before it is evicted.
const defaultFinishedTTL = 10 * time.Minute

type subscriber struct {
	ch     chan Event
	jobID  string
	userID string
}

// Publisher is the in-process event hub. An optional Redis client mirrors
// every event to the user's channel for other instances to consume.
type Publisher struct {
	mu          sync.Mutex
	subs        map[*subscriber]struct{}
	finished    map[string]time.Time
	finishedTTL time.Duration
	logger      infra.Logger
	mirror      *redis.Client
}

// NewPublisher creates an event hub. mirror may be nil.
func NewPublisher(logger *infra.Logger, mirror *redis.Client) *Publisher {
	l := zerolog.New(io.Discard)
	if logger != nil {
		l = *logger
	}
	return &Publisher{
		subs:        make(map[*subscriber]struct{}),
		finished:    make(map[string]time.Time),
		finishedTTL: defaultFinishedTTL,
		logger:      l,
		mirror:      mirror,
	}
}

// SubscribeJob returns a channel of events for one job plus a cancel func.
// The channel closes after the job's terminal event (or on cancel).
func (p *Publisher) SubscribeJob(jobID string) (<-chan Event, func()) {
	return p.subscribe(jobID, "")
}

// SubscribeUser returns a channel carrying events for all of a user's jobs.
// The channel stays open across jobs until cancel is called.
func (p *Publisher) SubscribeUser(userID string) (<-chan Event, func()) {
	return p.subscribe("", userID)
}

func (p *Publisher) subscribe(jobID, userID string) (<-chan Event, func()) {
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		jobID:  jobID,
		userID: userID,
	}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.subs[sub]; ok {
				delete(p.subs, sub)
				close(sub.ch)
			}
			p.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish stamps and delivers one event. Events for a job that already
// published its terminal event are dropped, which keeps "exactly one terminal
// event per job" true even against misbehaving callers.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	now := time.Now()

	p.mu.Lock()
	if _, done := p.finished[ev.JobID]; done {
		p.mu.Unlock()
		p.logger.Warn().Str("job_id", ev.JobID).Str("type", string(ev.Type)).Msg("progress: event after terminal dropped")
		return
	}
	if ev.Terminal() {
		p.finished[ev.JobID] = now
		p.evictFinishedLocked(now)
	}
	var closing []*subscriber
	for sub := range p.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		if ev.Terminal() && sub.jobID == ev.JobID {
			// Detach now so no later publish can race the close; the final
			// event is delivered below, outside the lock.
			delete(p.subs, sub)
			closing = append(closing, sub)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// A stalled listener must not block the job; it only loses
			// interim events, never the terminal one.
			p.logger.Warn().Str("job_id", ev.JobID).Msg("progress: slow subscriber, event dropped")
		}
	}
	p.mu.Unlock()

	// The terminal event carries the output payload, so a full buffer gets a
	// bounded grace period to drain before the stream closes without it.
	for _, sub := range closing {
		select {
		case sub.ch <- ev:
		case <-time.After(terminalSendWait):
			p.logger.Warn().Str("job_id", ev.JobID).Msg("progress: terminal event dropped, subscriber stalled")
		}
		close(sub.ch)
	}

	p.publishMirror(ctx, ev)
}

// evictFinishedLocked ages out finished-job markers so the guard set cannot
// grow without bound across the process lifetime. Callers hold p.mu.
func (p *Publisher) evictFinishedLocked(now time.Time) {
	for id, at := range p.finished {
		if now.Sub(at) > p.finishedTTL {
			delete(p.finished, id)
		}
	}
}

func (p *Publisher) publishMirror(ctx context.Context, ev Event) {
	if p.mirror == nil {
		return
	}
	channel := "jobs:" + ev.UserID
	if ev.UserID == "" {
		channel = "jobs:" + ev.JobID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.mirror.Publish(ctx, channel, payload).Err(); err != nil {
		p.logger.Warn().Err(err).Str("channel", channel).Msg("progress: redis mirror publish failed")
	}
}
