package webhookqueue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/httputil"
	"github.com/walker77/paygate-mcp/internal/metrics"
	"github.com/walker77/paygate-mcp/internal/rpcutil"
)

// Worker polls a Queue on a fixed interval and attempts delivery of every
// due entry, marking it delivered, rescheduled, or dead-lettered depending
// on the outcome.
type Worker struct {
	queue        *Queue
	httpClient   *http.Client
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	batchSize    int
	reqTimeout   time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Queue          *Queue
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	PollInterval   time.Duration // default 5s
	BatchSize      int           // default 10
	RequestTimeout time.Duration // default 10s
}

// NewWorker constructs a Worker. A nil Queue makes Start a no-op.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Worker{
		queue:        opts.Queue,
		httpClient:   httputil.NewClient(opts.RequestTimeout),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		reqTimeout:   opts.RequestTimeout,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	if w.queue == nil {
		close(w.doneChan)
		return
	}
	go w.run(ctx)
}

// Stop signals the worker to exit and blocks until it has.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("pollInterval", w.pollInterval).Msg("webhook delivery worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			w.logger.Info().Msg("webhook delivery worker stopping")
			return
		case <-ticker.C:
			w.processDue(ctx)
		}
	}
}

func (w *Worker) processDue(ctx context.Context) {
	due := w.queue.Dequeue(w.batchSize, time.Now())
	for _, entry := range due {
		w.deliver(ctx, entry)
	}
}

func (w *Worker) deliver(ctx context.Context, entry Entry) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, w.reqTimeout)
	_, err := rpcutil.WithRetry(reqCtx, func() (struct{}, error) {
		return struct{}{}, w.send(reqCtx, entry)
	})
	cancel()

	duration := time.Since(start)
	now := time.Now()

	if err == nil {
		_ = w.queue.MarkDelivered(entry.ID, now)
		w.metrics.ObserveWebhookDelivery(entry.EventType, "success", entry.Attempts+1, false, duration)
		w.logger.Info().
			Str("webhookId", entry.ID).
			Str("eventType", entry.EventType).
			Int("attempt", entry.Attempts+1).
			Dur("duration", duration).
			Msg("webhook delivered")
		return
	}

	_ = w.queue.MarkFailed(entry.ID, err.Error(), now)
	updated, _ := w.queue.Get(entry.ID)
	deadLettered := updated.Status == StatusDead

	status := "retry"
	if deadLettered {
		status = "dead_letter"
	}
	w.metrics.ObserveWebhookDelivery(entry.EventType, status, updated.Attempts, deadLettered, duration)

	logEvent := w.logger.Warn().
		Str("webhookId", entry.ID).
		Str("eventType", entry.EventType).
		Int("attempt", updated.Attempts).
		Err(err)
	if deadLettered {
		logEvent.Msg("webhook delivery exhausted retries, moved to dead letter")
	} else {
		logEvent.Time("nextAttempt", updated.NextAttemptAt).Msg("webhook delivery failed, scheduled for retry")
	}
}

func (w *Worker) send(ctx context.Context, entry Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.URL, bytes.NewReader(entry.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", entry.EventType)
	req.Header.Set("X-Webhook-Id", entry.ID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, entry.URL)
	}
	return nil
}
