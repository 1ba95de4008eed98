package gate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/breaker"
	"github.com/walker77/paygate-mcp/internal/ferrors"
	"github.com/walker77/paygate-mcp/internal/ipaccess"
	"github.com/walker77/paygate-mcp/internal/keygroup"
	"github.com/walker77/paygate-mcp/internal/keystore"
	"github.com/walker77/paygate-mcp/internal/quota"
	"github.com/walker77/paygate-mcp/internal/ratelimiter"
	"github.com/walker77/paygate-mcp/internal/signing"
	"github.com/walker77/paygate-mcp/internal/spendcap"
)

func newTestGate(t *testing.T, cfg Config) (*Gate, *keystore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := keystore.New(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	groups := keygroup.New()
	ipac := ipaccess.New(ipaccess.Config{Enabled: false})
	signer := signing.New(signing.Config{Enabled: false})
	spendCap := spendcap.New(spendcap.Config{}, nil)
	quotas := quota.New(store)
	rl := ratelimiter.New(time.Minute)
	t.Cleanup(rl.Close)
	brk := breaker.New(breaker.Config{Threshold: 0}, nil)

	g := New(cfg, store, groups, ipac, signer, spendCap, quotas, rl, brk)
	return g, store
}

func TestEvaluateAllowsWithSufficientCredits(t *testing.T) {
	g, store := newTestGate(t, Config{Pricing: PricingConfig{DefaultCreditsPerCall: 1}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 10})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.CreditsCharged != 1 {
		t.Fatalf("expected 1 credit charged, got %d", d.CreditsCharged)
	}
	if d.RemainingCredits != 9 {
		t.Fatalf("expected 9 remaining, got %d", d.RemainingCredits)
	}
}

func TestEvaluateDeniesUnknownKey(t *testing.T) {
	g, _ := newTestGate(t, Config{})
	d := g.Evaluate(EvaluateRequest{KeyID: "pg_nonexistent", Tool: "search", Now: time.Now()})
	if d.Allowed || d.Reason != ferrors.ReasonInvalidAPIKey {
		t.Fatalf("expected invalid_api_key, got %+v", d)
	}
}

func TestEvaluateDeniesInsufficientCredits(t *testing.T) {
	g, store := newTestGate(t, Config{Pricing: PricingConfig{DefaultCreditsPerCall: 5}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 1})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if d.Allowed || d.Reason != ferrors.ReasonInsufficientCredits {
		t.Fatalf("expected insufficient_credits, got %+v", d)
	}
}

func TestEvaluateDeniesToolNotAllowed(t *testing.T) {
	g, store := newTestGate(t, Config{Pricing: PricingConfig{DefaultCreditsPerCall: 1}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 10, AllowedTools: []string{"search"}})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "fetch", Now: time.Now()})
	if d.Allowed || d.Reason != ferrors.ReasonToolNotAllowed {
		t.Fatalf("expected tool_not_allowed, got %+v", d)
	}
}

func TestEvaluateDeniesRevokedKey(t *testing.T) {
	g, store := newTestGate(t, Config{})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 10})
	store.Revoke(key.ID)

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if d.Allowed || d.Reason != ferrors.ReasonAPIKeyRevoked {
		t.Fatalf("expected api_key_revoked at the lifecycle stage, got %+v", d)
	}
}

func TestEvaluateDeniesSuspendedKey(t *testing.T) {
	g, store := newTestGate(t, Config{})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 10})
	store.Suspend(key.ID)

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if d.Allowed || d.Reason != ferrors.ReasonAPIKeySuspended {
		t.Fatalf("expected api_key_suspended, got %+v", d)
	}
}

func TestShadowModeConvertsDenyToAllow(t *testing.T) {
	g, store := newTestGate(t, Config{ShadowMode: true, Pricing: PricingConfig{DefaultCreditsPerCall: 5}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 1})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if !d.Allowed {
		t.Fatalf("expected shadow mode to convert deny to allow, got %+v", d)
	}
	if !d.Shadowed || d.OriginalReason != ferrors.ReasonInsufficientCredits {
		t.Fatalf("expected shadowed insufficient_credits, got %+v", d)
	}
	got, _ := store.GetKey(key.ID)
	if got.Credits != 1 {
		t.Fatalf("expected no charge under shadow mode, got %d remaining", got.Credits)
	}
}

func TestSettleRefundsOnFailureWhenConfigured(t *testing.T) {
	g, store := newTestGate(t, Config{Pricing: PricingConfig{DefaultCreditsPerCall: 3, RefundOnFailure: true}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 10})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}

	g.Settle(d, false, 0, time.Now())

	got, _ := store.GetKey(key.ID)
	if got.Credits != 10 {
		t.Fatalf("expected full refund, got %d remaining", got.Credits)
	}
}

func TestSettleAddsOutputSurchargeOnSuccess(t *testing.T) {
	g, store := newTestGate(t, Config{Pricing: PricingConfig{DefaultCreditsPerCall: 1, CreditsPerKbOutput: 2}})
	key, _ := store.CreateKey(keystore.CreateParams{Credits: 100})

	d := g.Evaluate(EvaluateRequest{KeyID: key.ID, Tool: "search", Now: time.Now()})
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}

	final := g.Settle(d, true, 2048, time.Now()) // 2KB output -> 2*2=4 surcharge
	if final != 5 {
		t.Fatalf("expected 1 base + 4 surcharge = 5, got %d", final)
	}

	got, _ := store.GetKey(key.ID)
	if got.Credits != 95 {
		t.Fatalf("expected 95 remaining after surcharge, got %d", got.Credits)
	}
}
