package webhookqueue

import (
	"testing"
	"time"
)

func TestEnqueueDefaultsPending(t *testing.T) {
	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e, err := q.Enqueue("https://example.com/hook", "usage.charged", []byte(`{}`), 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != StatusPending || e.MaxAttempts != 5 || !e.NextAttemptAt.Equal(now) {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestDequeueOnlyReturnsReadyEntries(t *testing.T) {
	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e1, _ := q.Enqueue("u1", "t", nil, 5, now)
	_, _ = q.Enqueue("u2", "t", nil, 5, now.Add(time.Hour))

	ready := q.Dequeue(10, now)
	if len(ready) != 1 || ready[0].ID != e1.ID {
		t.Fatalf("expected only e1 ready, got %+v", ready)
	}
}

func TestMarkDeliveredTransitions(t *testing.T) {
	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e, _ := q.Enqueue("u", "t", nil, 5, now)

	if err := q.MarkDelivered(e.ID, now); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(e.ID)
	if got.Status != StatusDelivered || got.CompletedAt == nil {
		t.Fatalf("unexpected entry after delivery: %+v", got)
	}
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	q := New(BackoffConfig{Base: time.Second, Multiplier: 2.0, MaxDelay: time.Hour}, 0)
	now := time.Now()
	e, _ := q.Enqueue("u", "t", nil, 5, now)

	if err := q.MarkFailed(e.ID, "timeout", now); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(e.ID)
	if got.Status != StatusPending || got.Attempts != 1 {
		t.Fatalf("expected rescheduled pending entry, got %+v", got)
	}
	wantDelay := now.Add(time.Second) // base * mult^0
	if !got.NextAttemptAt.Equal(wantDelay) {
		t.Fatalf("expected next attempt at %v, got %v", wantDelay, got.NextAttemptAt)
	}
}

func TestMarkFailedMovesToDeadAfterMaxAttempts(t *testing.T) {
	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e, _ := q.Enqueue("u", "t", nil, 2, now)

	q.MarkFailed(e.ID, "err1", now)
	q.MarkFailed(e.ID, "err2", now)

	got, _ := q.Get(e.ID)
	if got.Status != StatusDead || got.Attempts != 2 {
		t.Fatalf("expected dead after max attempts, got %+v", got)
	}
}

func TestBackoffDelayCappedAtMaxDelay(t *testing.T) {
	q := New(BackoffConfig{Base: time.Second, Multiplier: 10.0, MaxDelay: 5 * time.Second}, 0)
	if got := q.backoffDelay(5); got != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %v", got)
	}
}

func TestEnqueueRejectsOverMaxDepth(t *testing.T) {
	q := New(BackoffConfig{}, 1)
	now := time.Now()
	if _, err := q.Enqueue("u1", "t", nil, 5, now); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("u2", "t", nil, 5, now); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRetryResetsDeadEntry(t *testing.T) {
	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e, _ := q.Enqueue("u", "t", nil, 1, now)
	q.MarkFailed(e.ID, "err", now)

	if err := q.Retry(e.ID, now); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(e.ID)
	if got.Status != StatusPending || got.LastError != "" {
		t.Fatalf("expected reset entry, got %+v", got)
	}
}
