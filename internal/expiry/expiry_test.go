package expiry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/keystore"
)

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := keystore.New(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) notify(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestScanFiresLargestThresholdFirst(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	expiresAt := now.Add(30 * time.Minute)
	key, _ := store.CreateKey(keystore.CreateParams{ExpiresAt: &expiresAt})

	rec := &recorder{}
	s := New(store, []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}, time.Hour, rec.notify, zerolog.Nop())

	s.scan(now)

	events := rec.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected all three thresholds crossed at once, got %d: %+v", len(events), events)
	}
	if events[0].Threshold != 7*24*time.Hour {
		t.Fatalf("expected largest threshold first, got %v", events[0].Threshold)
	}
	if events[0].KeyID != key.ID {
		t.Fatalf("unexpected key id: %s", events[0].KeyID)
	}
}

func TestScanDoesNotRenotifySameThreshold(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	expiresAt := now.Add(30 * time.Minute)
	store.CreateKey(keystore.CreateParams{ExpiresAt: &expiresAt})

	rec := &recorder{}
	s := New(store, []time.Duration{time.Hour}, time.Hour, rec.notify, zerolog.Nop())

	s.scan(now)
	s.scan(now.Add(time.Minute))

	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
}

func TestScanEscalatesAsTimePasses(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	expiresAt := now.Add(25 * time.Hour)
	store.CreateKey(keystore.CreateParams{ExpiresAt: &expiresAt})

	rec := &recorder{}
	s := New(store, []time.Duration{24 * time.Hour, time.Hour}, time.Hour, rec.notify, zerolog.Nop())

	s.scan(now) // remaining 25h: crosses neither threshold yet
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected no notifications yet, got %d", got)
	}

	s.scan(now.Add(2 * time.Hour)) // remaining 23h: crosses the 24h threshold
	events := rec.snapshot()
	if len(events) != 1 || events[0].Threshold != 24*time.Hour {
		t.Fatalf("expected the 24h threshold to fire, got %+v", events)
	}

	s.scan(now.Add(24 * time.Hour)) // remaining 1h: crosses the 1h threshold too
	events = rec.snapshot()
	if len(events) != 2 || events[1].Threshold != time.Hour {
		t.Fatalf("expected escalation to the 1h threshold, got %+v", events)
	}
}

func TestClearNotifiedAllowsRenotification(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	expiresAt := now.Add(30 * time.Minute)
	key, _ := store.CreateKey(keystore.CreateParams{ExpiresAt: &expiresAt})

	rec := &recorder{}
	s := New(store, []time.Duration{time.Hour}, time.Hour, rec.notify, zerolog.Nop())

	s.scan(now)
	s.ClearNotified(key.ID)
	s.scan(now)

	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("expected renotification after ClearNotified, got %d", got)
	}
}

func TestRevokedKeysAreExcluded(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	expiresAt := now.Add(30 * time.Minute)
	key, _ := store.CreateKey(keystore.CreateParams{ExpiresAt: &expiresAt})
	store.Revoke(key.ID)

	rec := &recorder{}
	s := New(store, []time.Duration{time.Hour}, time.Hour, rec.notify, zerolog.Nop())
	s.scan(now)

	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected revoked keys excluded from scan, got %d events", got)
	}
}
