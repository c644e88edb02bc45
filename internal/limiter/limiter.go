// Package limiter caps the number of simultaneously in-flight jobs per user.
// A job occupies one slot for its whole lifetime, streaming or polling
// included; waiting for a slot suspends only the issuing job.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultCap is the default number of simultaneous jobs per user.
const DefaultCap = 5

// anonymousKey pools all ownerless jobs under one slot budget.
const anonymousKey = "\x00anonymous"

// PerUser hands out per-user execution slots backed by weighted semaphores.
type PerUser struct {
	mu    sync.Mutex
	cap   int64
	users map[string]*semaphore.Weighted
}

// NewPerUser creates a limiter with the given per-user cap.
func NewPerUser(capPerUser int64) *PerUser {
	if capPerUser <= 0 {
		capPerUser = DefaultCap
	}
	return &PerUser{
		cap:   capPerUser,
		users: make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until the user has a free slot or the context is done.
func (l *PerUser) Acquire(ctx context.Context, userID string) error {
	return l.sem(userID).Acquire(ctx, 1)
}

// TryAcquire grabs a slot without blocking.
func (l *PerUser) TryAcquire(userID string) bool {
	return l.sem(userID).TryAcquire(1)
}

// Release frees a previously acquired slot.
func (l *PerUser) Release(userID string) {
	l.sem(userID).Release(1)
}

func (l *PerUser) sem(userID string) *semaphore.Weighted {
	if userID == "" {
		userID = anonymousKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.users[userID]
	if !ok {
		s = semaphore.NewWeighted(l.cap)
		l.users[userID] = s
	}
	return s
}
