// Package keystore is the authoritative map from API-key identifier to
// ApiKey record: credits, policy, lifecycle state, and quota counters.
package keystore

import "time"

// LifecycleState is the sum-type enum the redesign notes call for in place
// of the source's ad-hoc derived state: active/suspended/revoked/expired
// carried alongside the independent active/suspended flags, rather than
// re-derived at every callsite.
type LifecycleState string

const (
	StateCreated   LifecycleState = "created"
	StateActive    LifecycleState = "active"
	StateSuspended LifecycleState = "suspended"
	StateExpired   LifecycleState = "expired"
	StateRevoked   LifecycleState = "revoked"
)

// AutoTopup configures automatic credit replenishment. A nil *AutoTopup on
// ApiKey means auto-topup is disabled for that key.
type AutoTopup struct {
	Enabled       bool  `json:"enabled"`
	ThresholdCredits int64 `json:"thresholdCredits"`
	TopupCredits  int64 `json:"topupCredits"`
}

// QuotaOverride is a key-level override of the group/global default quota.
// A nil *QuotaOverride on ApiKey means "use the group's quota, or the
// global default if there is no group quota either" per §4.7.
type QuotaOverride struct {
	DailyCalls     int64 `json:"dailyCalls"`
	DailyCredits   int64 `json:"dailyCredits"`
	MonthlyCalls   int64 `json:"monthlyCalls"`
	MonthlyCredits int64 `json:"monthlyCredits"`
}

// ToolPricing is a per-tool pricing and caching override. CacheTTLSeconds
// is a pointer so "unset" (fall back to the server's global default TTL)
// is distinguishable from an explicit 0 ("never cache this tool's
// responses"), per §4.8.
type ToolPricing struct {
	CreditsPerCall  int64  `json:"creditsPerCall"`
	CacheTTLSeconds *int64 `json:"cacheTtlSeconds,omitempty"`
}

// QuotaCounters are the daily/monthly call and credit counters carried on
// every key record, plus the UTC calendar markers used to detect rollover.
// This is part of the key record, not a separate entity, per §3.
type QuotaCounters struct {
	DailyCalls     int64  `json:"dailyCalls"`
	DailyCredits   int64  `json:"dailyCredits"`
	MonthlyCalls   int64  `json:"monthlyCalls"`
	MonthlyCredits int64  `json:"monthlyCredits"`
	LastResetDay   string `json:"lastResetDay"`   // YYYY-MM-DD, UTC
	LastResetMonth string `json:"lastResetMonth"` // YYYY-MM, UTC
}

// ApiKey is the full record for one API key. Lower-case "p" in the type
// name would shadow the `api` abbreviation oddly, so ApiKey mirrors the
// capitalization the spec's own glossary uses.
type ApiKey struct {
	ID    string `json:"id"` // pg_<hex>
	Alias string `json:"alias,omitempty"`

	Credits         int64 `json:"credits"`
	TotalSpent      int64 `json:"totalSpent"`
	TotalCalls      int64 `json:"totalCalls"`
	SpendingLimit   int64 `json:"spendingLimit"` // 0 = unlimited

	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	Active    bool           `json:"active"`
	Suspended bool           `json:"suspended"`
	State     LifecycleState `json:"state"`

	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`

	RateLimitPerMin int `json:"rateLimitPerMin,omitempty"` // 0 = use group/server default

	IPAllowlist []string `json:"ipAllowlist,omitempty"`

	Quota *QuotaOverride `json:"quota,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`

	GroupID   string `json:"groupId,omitempty"`
	Namespace string `json:"namespace"`

	CountryAllow []string `json:"countryAllow,omitempty"`
	CountryDeny  []string `json:"countryDeny,omitempty"`

	AutoTopup *AutoTopup `json:"autoTopup,omitempty"`

	QuotaCounters QuotaCounters `json:"quotaCounters"`
}

// CreateParams is the input to createKey.
type CreateParams struct {
	Alias           string
	Credits         int64
	SpendingLimit   int64
	AllowedTools    []string
	DeniedTools     []string
	RateLimitPerMin int
	IPAllowlist     []string
	Quota           *QuotaOverride
	Tags            map[string]string
	GroupID         string
	Namespace       string
	CountryAllow    []string
	CountryDeny     []string
	AutoTopup       *AutoTopup
	ExpiresAt       *time.Time

	// ImportID, when non-empty, is used verbatim as the key identifier
	// instead of generating a fresh one — importKey's contract.
	ImportID string
}

// MaskedApiKey is the projection listKeys returns: the full key is never
// exposed once created, only a masked prefix.
type MaskedApiKey struct {
	KeyPrefix     string         `json:"keyPrefix"`
	Alias         string         `json:"alias,omitempty"`
	Credits       int64          `json:"credits"`
	TotalSpent    int64          `json:"totalSpent"`
	TotalCalls    int64          `json:"totalCalls"`
	SpendingLimit int64          `json:"spendingLimit"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastUsedAt    *time.Time     `json:"lastUsedAt,omitempty"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	Active        bool           `json:"active"`
	Suspended     bool           `json:"suspended"`
	Expired       bool           `json:"expired"`
	State         LifecycleState `json:"state"`
	Namespace     string         `json:"namespace"`
	GroupID       string         `json:"groupId,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// maskKeyPrefix implements §4.1's "keyPrefix = first 10 chars + ...".
func maskKeyPrefix(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "..."
}

// Mask projects a full ApiKey into its masked listing form.
func (k ApiKey) Mask(expired bool) MaskedApiKey {
	return MaskedApiKey{
		KeyPrefix:     maskKeyPrefix(k.ID),
		Alias:         k.Alias,
		Credits:       k.Credits,
		TotalSpent:    k.TotalSpent,
		TotalCalls:    k.TotalCalls,
		SpendingLimit: k.SpendingLimit,
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		ExpiresAt:     k.ExpiresAt,
		Active:        k.Active,
		Suspended:     k.Suspended,
		Expired:       expired,
		State:         k.State,
		Namespace:     k.Namespace,
		GroupID:       k.GroupID,
		Tags:          k.Tags,
	}
}

// IsExpired reports whether the key's expiresAt instant has passed.
func (k ApiKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Usable reports whether the key is admissible per §3's invariant:
// active ∧ ¬suspended ∧ ¬expired, and not in a terminal state.
func (k ApiKey) Usable(now time.Time) bool {
	if k.State == StateRevoked {
		return false
	}
	if k.IsExpired(now) {
		return false
	}
	return k.Active && !k.Suspended
}

// Filter describes the query options for listKeys.
type Filter struct {
	Namespace string
	GroupID   string
	Active    *bool
	Offset    int
	Limit     int
}
