// Package expiry implements §4.14's ExpiryScanner: a periodic sweep that
// warns once per (key, threshold) pair as an active key's expiresAt draws
// near, escalating from the largest threshold to the smallest as time
// passes.
package expiry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/keystore"
)

// Event is emitted once per newly-crossed (key, threshold) pair.
type Event struct {
	KeyID     string
	Threshold time.Duration
	ExpiresAt time.Time
	Remaining time.Duration
}

// NotifyFunc is the notification callback; an error never interrupts the
// scan, it is only logged.
type NotifyFunc func(Event) error

// Scanner periodically enumerates keys with an expiresAt set and fires
// Event for any (key, threshold) pair it has not already notified.
type Scanner struct {
	store      *keystore.Store
	thresholds []time.Duration
	interval   time.Duration
	notify     NotifyFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	notified map[string]struct{} // "<keyID>|<thresholdNanos>"

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scanner. thresholds need not be pre-sorted; New sorts
// them descending so the largest threshold always fires first.
func New(store *keystore.Store, thresholds []time.Duration, interval time.Duration, notify NotifyFunc, logger zerolog.Logger) *Scanner {
	sorted := append([]time.Duration(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	return &Scanner{
		store:      store,
		thresholds: sorted,
		interval:   interval,
		notify:     notify,
		logger:     logger,
		notified:   make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

func notifiedKey(keyID string, threshold time.Duration) string {
	return fmt.Sprintf("%s|%d", keyID, threshold)
}

// Start begins the periodic sweep loop; it runs one scan immediately and
// then on every tick of interval, until Stop is called.
func (s *Scanner) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.scan(time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan(time.Now())
		}
	}
}

// Stop halts the sweep loop and waits for the in-flight scan to finish.
func (s *Scanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// scan runs a single sweep. For each expiring key, every crossed threshold
// that hasn't yet been notified fires in this scan, largest first;
// thresholds crossed later fire on later scans.
func (s *Scanner) scan(now time.Time) {
	keys := s.store.ListExpiring()
	for _, key := range keys {
		remaining := key.ExpiresAt.Sub(now)
		for _, threshold := range s.thresholds {
			if remaining > threshold {
				continue
			}
			dedupKey := notifiedKey(key.ID, threshold)

			s.mu.Lock()
			_, already := s.notified[dedupKey]
			if !already {
				s.notified[dedupKey] = struct{}{}
			}
			s.mu.Unlock()

			if already {
				continue
			}

			event := Event{KeyID: key.ID, Threshold: threshold, ExpiresAt: *key.ExpiresAt, Remaining: remaining}
			if err := s.notify(event); err != nil {
				s.logger.Warn().Err(err).Str("key_id", key.ID).Dur("threshold", threshold).Msg("expiry.notify_failed")
			}
		}
	}
}

// ClearNotified resets the de-dup set for one key (admin op), so its
// thresholds fire again on the next scan — used after a key's expiresAt
// is extended.
func (s *Scanner) ClearNotified(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, threshold := range s.thresholds {
		delete(s.notified, notifiedKey(keyID, threshold))
	}
}
