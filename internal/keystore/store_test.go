package keystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := New(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateKeyDefaults(t *testing.T) {
	s := newTestStore(t)
	k, err := s.CreateKey(CreateParams{Credits: 100})
	if err != nil {
		t.Fatal(err)
	}
	if k.ID == "" || !k.Active || k.State != StateActive {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.Namespace != "default" {
		t.Fatalf("expected default namespace, got %q", k.Namespace)
	}
	if k.Tags == nil {
		t.Fatal("expected non-nil tags map")
	}
}

func TestCreateKeyAliasUniqueness(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateKey(CreateParams{Alias: "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateKey(CreateParams{Alias: "dup"}); err != ErrAliasTaken {
		t.Fatalf("expected ErrAliasTaken, got %v", err)
	}
}

func TestCreateKeyRejectsNegativeCredits(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateKey(CreateParams{Credits: -1}); err == nil {
		t.Fatal("expected error for negative credits")
	}
}

func TestChargeAndRefund(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{Credits: 10})

	if err := s.Charge(k.ID, 4); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetKey(k.ID)
	if got.Credits != 6 || got.TotalSpent != 4 || got.TotalCalls != 1 {
		t.Fatalf("unexpected state after charge: %+v", got)
	}

	if err := s.Refund(k.ID, 4); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetKey(k.ID)
	if got.Credits != 10 || got.TotalSpent != 0 || got.TotalCalls != 1 {
		t.Fatalf("unexpected state after refund: %+v", got)
	}
}

func TestChargeInsufficientCredits(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{Credits: 1})
	if err := s.Charge(k.ID, 5); err != ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestChargeOutputSurchargeBoundedByBalance(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{Credits: 3})
	charged, err := s.ChargeOutputSurcharge(k.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if charged != 3 {
		t.Fatalf("expected surcharge clamped to 3, got %d", charged)
	}
	got, _ := s.GetKey(k.ID)
	if got.Credits != 0 {
		t.Fatalf("expected 0 credits remaining, got %d", got.Credits)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{})
	if err := s.Revoke(k.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetKey(k.ID); ok {
		t.Fatal("expected revoked key to be excluded from GetKey")
	}
	if _, ok := s.GetKeyRaw(k.ID); !ok {
		t.Fatal("expected revoked key still present via GetKeyRaw")
	}
}

func TestExpiredKeyExcludedFromGetKey(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{})
	past := time.Now().Add(-time.Hour)
	if err := s.SetExpiry(k.ID, &past); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetKey(k.ID); ok {
		t.Fatal("expected expired key to be excluded")
	}

	future := time.Now().Add(time.Hour)
	if err := s.SetExpiry(k.ID, &future); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetKey(k.ID); !ok {
		t.Fatal("expected key valid again once expiry extended into the future")
	}
}

func TestRotateKeyRevokesOld(t *testing.T) {
	s := newTestStore(t)
	k, _ := s.CreateKey(CreateParams{Credits: 5})
	rotated, err := s.RotateKey(k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.ID == k.ID {
		t.Fatal("expected new id on rotation")
	}
	if rotated.Credits != 5 {
		t.Fatalf("expected rotated key to carry balance, got %d", rotated.Credits)
	}
	if _, ok := s.GetKey(k.ID); ok {
		t.Fatal("expected old id revoked")
	}
	if _, ok := s.GetKey(rotated.ID); !ok {
		t.Fatal("expected rotated id usable")
	}
}

func TestListKeysFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.CreateKey(CreateParams{Namespace: "ns-a"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CreateKey(CreateParams{Namespace: "ns-b"}); err != nil {
		t.Fatal(err)
	}

	all := s.ListKeys(Filter{Namespace: "ns-a"})
	if len(all) != 3 {
		t.Fatalf("expected 3 keys in ns-a, got %d", len(all))
	}

	page := s.ListKeys(Filter{Namespace: "ns-a", Limit: 2})
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
}

func TestListNamespacesAggregates(t *testing.T) {
	s := newTestStore(t)
	s.CreateKey(CreateParams{Namespace: "alpha", Credits: 10})
	s.CreateKey(CreateParams{Namespace: "alpha", Credits: 5})
	s.CreateKey(CreateParams{Namespace: "beta", Credits: 1})

	summaries := s.ListNamespaces()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 namespaces, got %d", len(summaries))
	}
	if summaries[0].Namespace != "alpha" || summaries[0].KeyCount != 2 || summaries[0].TotalCredits != 15 {
		t.Fatalf("unexpected alpha summary: %+v", summaries[0])
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s1, err := New(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	k, _ := s1.CreateKey(CreateParams{Credits: 42, Alias: "persisted"})
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := New(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, ok := s2.GetKey(k.ID)
	if !ok {
		t.Fatal("expected key to survive reload")
	}
	if got.Credits != 42 || got.Alias != "persisted" {
		t.Fatalf("unexpected reloaded key: %+v", got)
	}
}
