// Package gate implements §4.12's Gate: the fixed-order admission pipeline
// that consults every other component and is the single serializable
// commit point for credit reservation.
package gate

import (
	"math"
	"time"

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

// PricingConfig carries the tool-pricing tunables from internal/config.
type PricingConfig struct {
	DefaultCreditsPerCall int64
	CreditsPerKbInput     int64
	CreditsPerKbOutput    int64
	RefundOnFailure       bool
}

// Config bundles the Gate's own tunables; its component dependencies are
// passed in separately via New.
type Config struct {
	ShadowMode bool
	Pricing    PricingConfig

	// DefaultQuota is the server-wide quota fallback (§4.3), used only when
	// a key has neither a per-key quota override nor a group-provided one.
	DefaultQuota quota.Limits
	// DefaultRateLimitPerMin is the server global (§4.7: "0 = use server
	// global"), used whenever policy resolution leaves RateLimitPerMin at 0.
	DefaultRateLimitPerMin int
}

// Gate wires every admission-pipeline component together.
type Gate struct {
	cfg Config

	keys      *keystore.Store
	groups    *keygroup.Manager
	ipAccess  *ipaccess.Controller
	signer    *signing.Verifier
	spendCap  *spendcap.Manager
	quotas    *quota.Tracker
	rateLimit *ratelimiter.Limiter
	breakers  *breaker.Manager
}

// New constructs a Gate from its component dependencies.
func New(cfg Config, keys *keystore.Store, groups *keygroup.Manager, ipAccess *ipaccess.Controller, signer *signing.Verifier, spendCap *spendcap.Manager, quotas *quota.Tracker, rateLimit *ratelimiter.Limiter, breakers *breaker.Manager) *Gate {
	return &Gate{
		cfg:       cfg,
		keys:      keys,
		groups:    groups,
		ipAccess:  ipAccess,
		signer:    signer,
		spendCap:  spendCap,
		quotas:    quotas,
		rateLimit: rateLimit,
		breakers:  breakers,
	}
}

// EvaluateRequest is the Gate's input for one tool call.
type EvaluateRequest struct {
	KeyID              string
	ClientIP           string
	Country            string
	SignatureHeader    string
	Method             string
	Path               string
	Body               []byte
	Tool               string
	ArgumentsSizeBytes int64
	Now                time.Time
}

// Decision is the Gate's verdict for one call, per §4.12's GateDecision.
type Decision struct {
	Allowed        bool
	Reason         ferrors.Reason // denial reason, or "" on allow
	Shadowed       bool           // true if shadow mode converted a deny into an allow
	OriginalReason ferrors.Reason // the reason that would have denied, when Shadowed

	CreditsCharged   int64
	RemainingCredits int64

	Key           keystore.ApiKey
	Policy        keygroup.EffectivePolicy
	QuotaCounters keystore.QuotaCounters
	wasAdmitted   bool // internal: did the pipeline reach reservation
}

// inputKb rounds up the argument payload size to whole kilobytes.
func inputKb(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(sizeBytes) / 1024.0))
}

// creditsRequired implements §4.12's pricing formula.
func creditsRequired(policy keygroup.EffectivePolicy, tool string, argsSizeBytes int64, pricing PricingConfig) int64 {
	perCall := pricing.DefaultCreditsPerCall
	if override, ok := policy.ToolPricing[tool]; ok && override.CreditsPerCall > 0 {
		perCall = override.CreditsPerCall
	}
	if perCall < 1 {
		perCall = 1
	}
	return perCall + inputKb(argsSizeBytes)*pricing.CreditsPerKbInput
}

// toolAllowed implements §4.12 step 5: allow-list first, then deny-list.
func toolAllowed(policy keygroup.EffectivePolicy, tool string) (allowed bool, reason ferrors.Reason) {
	if len(policy.AllowedTools) > 0 && !containsString(policy.AllowedTools, tool) {
		return false, ferrors.ReasonToolNotAllowed
	}
	if containsString(policy.DeniedTools, tool) {
		return false, ferrors.ReasonToolDenied
	}
	return true, ""
}

// countryAllowed implements the same allow-then-deny shape for §4.12 step 6.
func countryAllowed(key keystore.ApiKey, country string) bool {
	if country == "" {
		return true
	}
	if len(key.CountryAllow) > 0 && !containsString(key.CountryAllow, country) {
		return false
	}
	if containsString(key.CountryDeny, country) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Evaluate runs the fixed 13-step admission pipeline and, on admission,
// atomically reserves the required credits. Shadow mode converts any deny
// into an allow tagged with the original reason, without charging credits.
func (g *Gate) Evaluate(req EvaluateRequest) Decision {
	deny := func(reason ferrors.Reason) Decision {
		if g.cfg.ShadowMode {
			return Decision{Allowed: true, Shadowed: true, OriginalReason: reason, Reason: ferrors.Shadow(reason)}
		}
		return Decision{Allowed: false, Reason: reason}
	}

	// Step 2: key lookup (step 1, signature, needs the key to know whether
	// it opted in, so key lookup happens first and signature verification
	// immediately after — functionally equivalent ordering since signature
	// verification with no registered secret always admits).
	key, ok := g.keys.GetKeyRaw(req.KeyID)
	if !ok {
		return deny(ferrors.ReasonInvalidAPIKey)
	}

	// Step 1: signature verify.
	sigResult := g.signer.Verify(key.ID, req.SignatureHeader, req.Method, req.Path, req.Body, req.Now)
	if !sigResult.OK && sigResult.Reason != "" {
		switch sigResult.Reason {
		case "signature_expired":
			return deny(ferrors.ReasonSignatureExpired)
		case "nonce_replayed":
			return deny(ferrors.ReasonNonceReplayed)
		default:
			return deny(ferrors.ReasonSignatureInvalid)
		}
	}

	// Step 3: lifecycle.
	raw, _ := g.keys.GetKeyRaw(req.KeyID)
	if raw.State == keystore.StateRevoked {
		return deny(ferrors.ReasonAPIKeyRevoked)
	}
	if raw.IsExpired(req.Now) {
		return deny(ferrors.ReasonAPIKeyExpired)
	}
	if raw.Suspended || g.spendCap.IsAutoSuspended(key.ID, req.Now) {
		return deny(ferrors.ReasonAPIKeySuspended)
	}

	policy := g.groups.Resolve(key)

	// Step 4: IP access.
	if !g.ipAccess.Check(req.ClientIP, policy.IPAllowlist, req.Now).Allowed {
		return deny(ferrors.ReasonIPBlocked)
	}

	// Step 5: tool ACL.
	if allowed, reason := toolAllowed(policy, req.Tool); !allowed {
		return deny(reason)
	}

	// Step 6: country ACL.
	if !countryAllowed(key, req.Country) {
		return deny(ferrors.ReasonCountryBlocked)
	}

	// Step 7: circuit breaker.
	if !g.breakers.Allow(req.Tool) {
		return deny(ferrors.ReasonCircuitOpen)
	}

	required := creditsRequired(policy, req.Tool, req.ArgumentsSizeBytes, g.cfg.Pricing)

	// Step 8: server spend cap.
	if allowed, reason := g.spendCap.CheckServerCap(required, req.Now); !allowed {
		return deny(reason)
	}

	// Step 9: per-key hourly cap.
	if allowed, reason := g.spendCap.CheckPerKeyHourlyCap(key.ID, required, req.Now); !allowed {
		return deny(reason)
	}

	// Step 10: quotas. A key with neither a per-key quota override nor a
	// group-provided one falls back to the server-wide default (§4.3).
	limits := g.cfg.DefaultQuota
	if policy.Quota != nil {
		limits = quota.Limits{
			DailyCalls:     policy.Quota.DailyCalls,
			DailyCredits:   policy.Quota.DailyCredits,
			MonthlyCalls:   policy.Quota.MonthlyCalls,
			MonthlyCredits: policy.Quota.MonthlyCredits,
		}
	}
	counters, allowed, reason := g.quotas.Check(key, limits, req.Now)
	if !allowed {
		return deny(reason)
	}

	// Step 11: rate limit — global, then per-tool. A policy value of 0
	// means "use server global" (§4.7), not unlimited.
	rateLimitPerMin := policy.RateLimitPerMin
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = g.cfg.DefaultRateLimitPerMin
	}
	if d := g.rateLimit.Admit(key.ID, rateLimitPerMin, req.Now); !d.Allowed {
		return deny(ferrors.ReasonRateLimited)
	}
	toolKey := ratelimiter.ToolKey(key.ID, req.Tool)
	if d := g.rateLimit.Admit(toolKey, rateLimitPerMin, req.Now); !d.Allowed {
		return deny(ferrors.ReasonRateLimited)
	}

	// Step 12: credits.
	if !g.keys.HasCredits(key.ID, required) {
		return deny(ferrors.ReasonInsufficientCredits)
	}

	// Step 13: spending limit.
	spendingLimit := policy.MaxSpendingLimit
	if spendingLimit > 0 && key.TotalSpent+required > spendingLimit {
		return deny(ferrors.ReasonSpendingLimit)
	}

	// Admitted: reserve credits atomically (charge-then-record is the
	// single serializable commit point, per §5).
	if err := g.keys.Charge(key.ID, required); err != nil {
		return deny(ferrors.ReasonInsufficientCredits)
	}
	g.rateLimit.Record(key.ID, req.Now)
	g.rateLimit.Record(toolKey, req.Now)
	g.spendCap.RecordServerCharge(required)
	g.spendCap.RecordPerKeyHourlyCharge(key.ID, required, req.Now)
	counters = quota.Record(counters, required)
	g.keys.UpdateQuotaCounters(key.ID, counters)

	updated, _ := g.keys.GetKey(key.ID)
	return Decision{
		Allowed:          true,
		CreditsCharged:   required,
		RemainingCredits: updated.Credits,
		Key:              updated,
		Policy:           policy,
		QuotaCounters:    counters,
		wasAdmitted:      true,
	}
}

// Settle applies the post-call outcome: refund-on-failure, or the output
// surcharge on success (§4.12). It is a no-op for decisions that were
// denied or shadow-allowed without a real reservation.
func (g *Gate) Settle(d Decision, success bool, outputSizeBytes int64, now time.Time) (finalCreditsCharged int64) {
	if !d.wasAdmitted {
		return d.CreditsCharged
	}

	if !success {
		if g.cfg.Pricing.RefundOnFailure {
			g.keys.Refund(d.Key.ID, d.CreditsCharged)
			g.spendCap.RefundServerCharge(d.CreditsCharged)
			g.spendCap.RefundPerKeyHourlyCharge(d.Key.ID, d.CreditsCharged, now)
			counters := quota.Refund(d.QuotaCounters, d.CreditsCharged)
			g.keys.UpdateQuotaCounters(d.Key.ID, counters)
			return 0
		}
		return d.CreditsCharged
	}

	surcharge := inputKb(outputSizeBytes) * g.cfg.Pricing.CreditsPerKbOutput
	if surcharge <= 0 {
		return d.CreditsCharged
	}
	charged, err := g.keys.ChargeOutputSurcharge(d.Key.ID, surcharge)
	if err != nil {
		return d.CreditsCharged
	}
	g.spendCap.RecordServerCharge(charged)
	g.spendCap.RecordPerKeyHourlyCharge(d.Key.ID, charged, now)
	return d.CreditsCharged + charged
}
