// Package webhookqueue implements §4.11's WebhookQueue: an in-memory
// pending/delivered/dead-letter queue with exponential backoff. The Gate
// only enqueues; a separate delivery worker (cmd/paygated) consumes it.
package webhookqueue

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued webhook delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Entry is one queued webhook delivery attempt.
type Entry struct {
	ID            string
	URL           string
	EventType     string
	Payload       []byte
	Status        Status
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// BackoffConfig tunes the retry delay curve.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Queue owns the in-memory entry table.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	backoff  BackoffConfig
	maxDepth int
}

// New constructs a Queue. maxDepth<=0 means unbounded.
func New(backoff BackoffConfig, maxDepth int) *Queue {
	if backoff.Base <= 0 {
		backoff.Base = time.Second
	}
	if backoff.Multiplier <= 0 {
		backoff.Multiplier = 2.0
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = 5 * time.Minute
	}
	return &Queue{
		entries:  make(map[string]*Entry),
		backoff:  backoff,
		maxDepth: maxDepth,
	}
}

func generateID() (string, error) {
	return "whk_" + uuid.NewString(), nil
}

// ErrQueueFull is returned by Enqueue once maxDepth pending entries exist.
var ErrQueueFull = fmt.Errorf("webhookqueue: queue at max depth")

// Enqueue allocates a new pending entry with nextAttemptAt = now.
func (q *Queue) Enqueue(url, eventType string, payload []byte, maxAttempts int, now time.Time) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 {
		pending := 0
		for _, e := range q.entries {
			if e.Status == StatusPending {
				pending++
			}
		}
		if pending >= q.maxDepth {
			return Entry{}, ErrQueueFull
		}
	}

	id, err := generateID()
	if err != nil {
		return Entry{}, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	e := &Entry{
		ID:            id,
		URL:           url,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	q.entries[id] = e
	return *e, nil
}

// Dequeue returns up to limit pending entries whose nextAttemptAt has
// passed, oldest-scheduled first, and marks none of them — the caller
// must call MarkDelivered/MarkFailed after attempting delivery.
func (q *Queue) Dequeue(limit int, now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]Entry, 0)
	for _, e := range q.entries {
		if e.Status == StatusPending && !e.NextAttemptAt.After(now) {
			ready = append(ready, *e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

// MarkDelivered transitions an entry to delivered.
func (q *Queue) MarkDelivered(id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("webhookqueue: entry %q not found", id)
	}
	e.Status = StatusDelivered
	e.CompletedAt = &now
	return nil
}

// backoffDelay computes min(base * multiplier^(attempts-1), maxDelay).
func (q *Queue) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(q.backoff.Base) * math.Pow(q.backoff.Multiplier, float64(attempts-1))
	if delay > float64(q.backoff.MaxDelay) {
		delay = float64(q.backoff.MaxDelay)
	}
	return time.Duration(delay)
}

// MarkFailed records a failed delivery attempt, rescheduling with backoff
// or moving the entry to dead-letter once attempts reach maxAttempts.
func (q *Queue) MarkFailed(id, errMsg string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("webhookqueue: entry %q not found", id)
	}

	e.Attempts++
	e.LastError = errMsg

	if e.Attempts >= e.MaxAttempts {
		e.Status = StatusDead
		e.CompletedAt = &now
		return nil
	}

	e.NextAttemptAt = now.Add(q.backoffDelay(e.Attempts))
	return nil
}

// Get returns a single entry by id.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns entries matching an optional status filter, newest first.
func (q *Queue) List(status Status, limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry resets a dead or pending entry for immediate re-delivery (admin op).
func (q *Queue) Retry(id string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("webhookqueue: entry %q not found", id)
	}
	e.Status = StatusPending
	e.NextAttemptAt = now
	e.LastError = ""
	e.CompletedAt = nil
	return nil
}
