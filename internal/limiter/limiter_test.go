package limiter

import (
	"context"
	"testing"
	"time"
)

func TestCapBlocksSixthJob(t *testing.T) {
	l := NewPerUser(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "u1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if l.TryAcquire("u1") {
		t.Fatalf("sixth acquire should block while five slots are held")
	}

	acquired := make(chan struct{})
	go func() {
		if err := l.Acquire(ctx, "u1"); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatalf("blocked acquire completed before a slot freed")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release("u1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("acquire did not proceed after a slot freed")
	}
}

func TestUsersDoNotShareSlots(t *testing.T) {
	l := NewPerUser(1)
	if !l.TryAcquire("u1") {
		t.Fatalf("u1 first slot")
	}
	if !l.TryAcquire("u2") {
		t.Fatalf("u2 must have its own budget")
	}
	if l.TryAcquire("u1") {
		t.Fatalf("u1 over cap")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	l := NewPerUser(1)
	if !l.TryAcquire("u1") {
		t.Fatalf("first slot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "u1"); err == nil {
		t.Fatalf("acquire should fail when the context expires")
	}
}

func TestAnonymousJobsPoolTogether(t *testing.T) {
	l := NewPerUser(2)
	if !l.TryAcquire("") || !l.TryAcquire("") {
		t.Fatalf("anonymous slots")
	}
	if l.TryAcquire("") {
		t.Fatalf("anonymous jobs share one budget")
	}
	l.Release("")
	if !l.TryAcquire("") {
		t.Fatalf("released anonymous slot not reusable")
	}
}
