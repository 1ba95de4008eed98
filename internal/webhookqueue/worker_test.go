package webhookqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/metrics"
)

func TestWorkerDeliversDueEntryAndMarksDelivered(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("X-Webhook-Event") != "usage.charged" {
			t.Errorf("missing event header, got %q", r.Header.Get("X-Webhook-Event"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := New(BackoffConfig{}, 0)
	now := time.Now()
	e, err := q.Enqueue(srv.URL, "usage.charged", []byte(`{}`), 5, now)
	if err != nil {
		t.Fatal(err)
	}

	w := NewWorker(WorkerOptions{
		Queue:          q,
		Logger:         zerolog.Nop(),
		Metrics:        metrics.New(prometheus.NewRegistry()),
		PollInterval:   10 * time.Millisecond,
		RequestTimeout: time.Second,
	})

	done := make(chan struct{})
	go func() {
		w.deliver(context.Background(), e)
		close(done)
	}()
	<-done

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", hits)
	}
	got, ok := q.Get(e.ID)
	if !ok || got.Status != StatusDelivered {
		t.Fatalf("expected entry delivered, got %+v (ok=%v)", got, ok)
	}
}

func TestWorkerMarksFailedOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := New(BackoffConfig{Base: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, 0)
	now := time.Now()
	e, _ := q.Enqueue(srv.URL, "usage.charged", []byte(`{}`), 2, now)

	w := NewWorker(WorkerOptions{
		Queue:          q,
		Logger:         zerolog.Nop(),
		Metrics:        metrics.New(prometheus.NewRegistry()),
		RequestTimeout: time.Second,
	})
	w.deliver(context.Background(), e)

	got, ok := q.Get(e.ID)
	if !ok {
		t.Fatal("entry missing after delivery attempt")
	}
	if got.Status != StatusPending && got.Status != StatusDead {
		t.Fatalf("expected pending (retry scheduled) or dead, got %v", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", got.Attempts)
	}
}

func TestWorkerStartStopWithNilQueueIsNoop(t *testing.T) {
	w := NewWorker(WorkerOptions{Logger: zerolog.Nop(), Metrics: metrics.New(prometheus.NewRegistry())})
	w.Start(nil)
	w.Stop()
}
