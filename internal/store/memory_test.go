package store

import (
	"context"
	"errors"
	"testing"

	"genforge/internal/domain"
)

func newJob(id string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Kind:        domain.JobKindTextGenerate,
		Status:      domain.JobStatusPending,
		UserID:      "u1",
		MaxAttempts: domain.DefaultMaxAttempts,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Create(ctx, newJob("j1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := m.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %s", job.Status)
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
}

func TestUpdateEnforcesLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob("j1")
	if err := m.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	// pending -> completed skips processing and must be rejected.
	job.Status = domain.JobStatusCompleted
	if err := m.Update(ctx, job); err == nil {
		t.Fatalf("pending->completed should be rejected")
	}

	job.Status = domain.JobStatusProcessing
	if err := m.Update(ctx, job); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}

	job.Progress = 50
	if err := m.Update(ctx, job); err != nil {
		t.Fatalf("progress update: %v", err)
	}
	job.Progress = 30
	if err := m.Update(ctx, job); err == nil {
		t.Fatalf("progress regression should be rejected")
	}

	job.Progress = 100
	job.Status = domain.JobStatusCompleted
	if err := m.Update(ctx, job); err != nil {
		t.Fatalf("processing->completed: %v", err)
	}

	// Terminal states are final.
	job.Status = domain.JobStatusFailed
	if err := m.Update(ctx, job); err == nil {
		t.Fatalf("transition out of a terminal state should be rejected")
	}
	job.Status = domain.JobStatusCompleted
	if err := m.Update(ctx, job); err == nil {
		t.Fatalf("terminal self-transition should be rejected")
	}
}

// A job abandoned before dispatch fails straight from pending.
func TestUpdatePendingJobCanFail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob("j1")
	if err := m.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	job.Status = domain.JobStatusFailed
	job.ErrorMessage = "shutting down"
	if err := m.Update(ctx, job); err != nil {
		t.Fatalf("pending->failed: %v", err)
	}

	got, err := m.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := newJob("j1")
	job.InputData = []byte(`{"prompt": "x"}`)
	if err := m.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := m.Get(ctx, "j1")
	got.Status = domain.JobStatusFailed
	got.InputData[0] = '!'

	again, _ := m.Get(ctx, "j1")
	if again.Status != domain.JobStatusPending {
		t.Fatalf("store row mutated through a returned copy")
	}
	if string(again.InputData) != `{"prompt": "x"}` {
		t.Fatalf("input data aliased: %s", again.InputData)
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"j1", "j2", "j3"} {
		if err := m.Create(ctx, newJob(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	other := newJob("other")
	other.UserID = "u2"
	if err := m.Create(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}

	jobs, err := m.ListByUser(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.UserID != "u1" {
			t.Fatalf("foreign job in listing: %s", j.ID)
		}
	}
}
