// Package store provides Job persistence. Both implementations enforce the
// lifecycle rule at the write boundary: pending->processing->terminal, no
// transition out of a terminal state, progress writes only while processing.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"genforge/internal/domain"
)

// Memory is a mutex-guarded in-process job store for development and tests.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

// Create inserts a new job record.
func (m *Memory) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get fetches a job by its identifier.
func (m *Memory) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

// Update writes the full row, rejecting illegal status transitions and
// progress regressions.
func (m *Memory) Update(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(current.Status, job.Status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", current.Status, job.Status, job.ID)
	}
	if job.Status == domain.JobStatusProcessing && job.Progress < current.Progress {
		return fmt.Errorf("progress regression %d -> %d for job %s", current.Progress, job.Progress, job.ID)
	}
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// ListByUser returns a user's jobs, newest first.
func (m *Memory) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []domain.Job
	for _, job := range m.jobs {
		if job.UserID == userID {
			jobs = append(jobs, *cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountByUserAndStatus reports how many of a user's jobs are in a status.
// Used by tests asserting the concurrency cap.
func (m *Memory) CountByUserAndStatus(userID string, status domain.JobStatus) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, job := range m.jobs {
		if job.UserID == userID && job.Status == status {
			n++
		}
	}
	return n
}

func cloneJob(job *domain.Job) *domain.Job {
	cp := *job
	cp.InputData = append([]byte(nil), job.InputData...)
	cp.OutputData = append([]byte(nil), job.OutputData...)
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

var _ domain.JobStore = (*Memory)(nil)
