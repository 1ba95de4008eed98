// Package keygroup implements §4.7's KeyGroupManager: policy templates
// (tool ACL, rate limit, IP allowlist, pricing, quota) inherited by member
// keys, plus the deterministic merge rules that resolve an effective
// policy for a given key.
package keygroup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/walker77/paygate-mcp/internal/keystore"
)

// KeyGroup is a policy template identified by grp_<16 hex chars>.
type KeyGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	AllowedTools []string `json:"allowedTools,omitempty"`
	DeniedTools  []string `json:"deniedTools,omitempty"`

	RateLimitPerMin int `json:"rateLimitPerMin"` // 0 = use server global

	ToolPricing map[string]keystore.ToolPricing `json:"toolPricing,omitempty"`

	Quota *keystore.QuotaOverride `json:"quota,omitempty"`

	IPAllowlist []string `json:"ipAllowlist,omitempty"`

	DefaultCredits   int64 `json:"defaultCredits"`
	MaxSpendingLimit int64 `json:"maxSpendingLimit"` // 0 = no group cap

	Tags map[string]string `json:"tags,omitempty"`
}

// Manager owns the group table. Group deletion detaches members lazily:
// a key retains only the group's identifier, and a dangling GroupID simply
// fails to resolve on next lookup rather than being cleaned up eagerly
// (§9: "group deletion invalidates lookups but leaves the key record
// intact").
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*KeyGroup
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{groups: make(map[string]*KeyGroup)}
}

func generateGroupID() (string, error) {
	b := make([]byte, 8) // 16 hex chars
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "grp_" + hex.EncodeToString(b), nil
}

// ErrNameTaken is returned by Create when the group name is already in use.
var ErrNameTaken = fmt.Errorf("keygroup: name already in use")

// ErrNotFound is returned when a group identifier has no record.
var ErrNotFound = fmt.Errorf("keygroup: group not found")

// Create allocates a new group.
func (m *Manager) Create(g KeyGroup) (KeyGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.groups {
		if existing.Name == g.Name {
			return KeyGroup{}, ErrNameTaken
		}
	}

	id, err := generateGroupID()
	if err != nil {
		return KeyGroup{}, err
	}
	g.ID = id
	m.groups[id] = &g
	return g, nil
}

// Get returns a group by id.
func (m *Manager) Get(id string) (KeyGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return KeyGroup{}, false
	}
	return *g, true
}

// Update replaces a group's fields (identity and name immutable here).
func (m *Manager) Update(id string, fn func(*KeyGroup)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return ErrNotFound
	}
	fn(g)
	return nil
}

// Delete removes a group. Members are detached lazily — Resolve simply
// falls back to the key's own values when the group no longer exists.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

// List returns all groups sorted by name.
func (m *Manager) List() []KeyGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EffectivePolicy is the merged, ready-to-use policy the Gate consults for
// one call.
type EffectivePolicy struct {
	AllowedTools     []string
	DeniedTools      []string
	RateLimitPerMin  int
	Quota            *keystore.QuotaOverride
	IPAllowlist      []string
	ToolPricing      map[string]keystore.ToolPricing
	MaxSpendingLimit int64
}

// Resolve merges a key's own policy fields with its group's (if any),
// following the exact per-field rules of §4.7's table. A key without a
// group uses only its own values.
func (m *Manager) Resolve(key keystore.ApiKey) EffectivePolicy {
	pol := EffectivePolicy{
		AllowedTools:     key.AllowedTools,
		DeniedTools:      key.DeniedTools,
		RateLimitPerMin:  key.RateLimitPerMin,
		Quota:            key.Quota,
		IPAllowlist:      key.IPAllowlist,
		MaxSpendingLimit: key.SpendingLimit,
	}

	if key.GroupID == "" {
		return pol
	}
	group, ok := m.Get(key.GroupID)
	if !ok {
		// Group was deleted; member falls back to its own values.
		return pol
	}

	// allowedTools: key-level wins iff non-empty; else group.
	if len(key.AllowedTools) == 0 {
		pol.AllowedTools = group.AllowedTools
	}

	// deniedTools: union of group and key.
	pol.DeniedTools = union(group.DeniedTools, key.DeniedTools)

	// rateLimitPerMin: group value (0 = use server global).
	pol.RateLimitPerMin = group.RateLimitPerMin

	// quota: key-level wins iff present; else group.
	if key.Quota != nil {
		pol.Quota = key.Quota
	} else {
		pol.Quota = group.Quota
	}

	// ipAllowlist: union of group and key.
	pol.IPAllowlist = union(group.IPAllowlist, key.IPAllowlist)

	// toolPricing: group overrides are the effective base.
	pol.ToolPricing = group.ToolPricing

	// maxSpendingLimit: group cap is authoritative when set.
	if group.MaxSpendingLimit > 0 {
		pol.MaxSpendingLimit = group.MaxSpendingLimit
	} else {
		pol.MaxSpendingLimit = key.SpendingLimit
	}

	return pol
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
