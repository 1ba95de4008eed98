package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/namespace"
)

// Store is the authoritative map from key identifier to ApiKey record.
// Every mutation marks the store dirty; a background goroutine flushes a
// JSON snapshot to disk on an interval (see persistence.go). Readers copy
// masked records out under the lock, per §5's "single-writer mutex,
// readers copy out" shared-resource policy.
type Store struct {
	mu    sync.RWMutex
	keys  map[string]*ApiKey
	alias map[string]string // alias -> key id

	statePath     string
	flushInterval time.Duration
	dirty         bool

	logger zerolog.Logger

	stopFlush chan struct{}
	flushDone chan struct{}
}

// New constructs a Store, loading any existing snapshot at statePath.
// Per §4.1, load never fails the whole process for a corrupted file — it
// logs and starts empty.
func New(statePath string, flushInterval time.Duration, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		keys:          make(map[string]*ApiKey),
		alias:         make(map[string]string),
		statePath:     statePath,
		flushInterval: flushInterval,
		logger:        logger,
		stopFlush:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}

	if err := s.load(); err != nil {
		s.logger.Error().Err(err).Msg("keystore.load_failed_starting_empty")
	}

	go s.periodicFlush()

	return s, nil
}

// Close stops the background flush goroutine and performs one final
// synchronous flush.
func (s *Store) Close() error {
	close(s.stopFlush)
	<-s.flushDone
	return s.flushNow()
}

func generateKeyID() (string, error) {
	b := make([]byte, 16) // 128 bits of entropy, per §4.1
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pg_" + hex.EncodeToString(b), nil
}

// CreateKey allocates a fresh identifier and record, applying defaults and
// sanitization per §4.1.
func (s *Store) CreateKey(params CreateParams) (ApiKey, error) {
	if params.Credits < 0 {
		return ApiKey{}, fmt.Errorf("%w: credits must be non-negative", ErrInvalidParams)
	}
	if params.SpendingLimit < 0 {
		return ApiKey{}, fmt.Errorf("%w: spendingLimit must be non-negative", ErrInvalidParams)
	}
	if len(params.Alias) > 256 {
		return ApiKey{}, fmt.Errorf("%w: alias exceeds 256 chars", ErrInvalidParams)
	}
	for k, v := range params.Tags {
		if len(k) > 256 || len(v) > 256 {
			return ApiKey{}, fmt.Errorf("%w: tag key/value exceeds 256 chars", ErrInvalidParams)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params.Alias != "" {
		if _, taken := s.alias[params.Alias]; taken {
			return ApiKey{}, ErrAliasTaken
		}
	}

	id := params.ImportID
	if id == "" {
		generated, err := generateKeyID()
		if err != nil {
			return ApiKey{}, fmt.Errorf("generate key id: %w", err)
		}
		id = generated
	} else if _, exists := s.keys[id]; exists {
		return ApiKey{}, fmt.Errorf("%w: import id already exists", ErrInvalidParams)
	}

	ns := namespace.Sanitize(params.Namespace)
	tags := params.Tags
	if tags == nil {
		tags = map[string]string{}
	}

	now := time.Now().UTC()
	key := &ApiKey{
		ID:              id,
		Alias:           params.Alias,
		Credits:         params.Credits,
		SpendingLimit:   params.SpendingLimit,
		CreatedAt:       now,
		Active:          true,
		State:           StateActive,
		AllowedTools:    params.AllowedTools,
		DeniedTools:     params.DeniedTools,
		RateLimitPerMin: params.RateLimitPerMin,
		IPAllowlist:     params.IPAllowlist,
		Quota:           params.Quota,
		Tags:            tags,
		GroupID:         params.GroupID,
		Namespace:       ns,
		CountryAllow:    params.CountryAllow,
		CountryDeny:     params.CountryDeny,
		AutoTopup:       params.AutoTopup,
		ExpiresAt:       params.ExpiresAt,
		QuotaCounters: QuotaCounters{
			LastResetDay:   now.Format("2006-01-02"),
			LastResetMonth: now.Format("2006-01"),
		},
	}

	s.keys[id] = key
	if params.Alias != "" {
		s.alias[params.Alias] = id
	}
	s.markDirty()

	return *key, nil
}

// ImportKey is an admin-provided-identifier variant of createKey, used only
// for testing/migration per §4.1.
func (s *Store) ImportKey(id string, params CreateParams) (ApiKey, error) {
	params.ImportID = id
	return s.CreateKey(params)
}

// effectiveState computes whether a record counts as expired right now,
// without mutating its stored State field (expiry is observed lazily).
func (s *Store) effectiveState(k *ApiKey, now time.Time) LifecycleState {
	if k.State == StateRevoked {
		return StateRevoked
	}
	if k.IsExpired(now) {
		return StateExpired
	}
	if k.Suspended {
		return StateSuspended
	}
	return k.State
}

// GetKey returns the record only if it is not a terminal-state hit
// (revoked, expired) — admission callers should use this.
func (s *Store) GetKey(id string) (ApiKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return ApiKey{}, false
	}
	now := time.Now().UTC()
	if s.effectiveState(k, now) == StateRevoked || s.effectiveState(k, now) == StateExpired {
		return ApiKey{}, false
	}
	return *k, true
}

// GetKeyRaw returns the record even if it is in a terminal state.
func (s *Store) GetKeyRaw(id string) (ApiKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return ApiKey{}, false
	}
	return *k, true
}

// HasCredits is a cheap non-mutating check; n may be zero.
func (s *Store) HasCredits(id string, n int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return false
	}
	return k.Credits >= n
}

// Charge deducts n from credits and updates totalSpent/totalCalls/lastUsedAt.
// Fails if credits < n; callers must have pre-reserved via the Gate's
// evaluate→reserve sequence (§5: credit reservation is the single
// serializable commit point).
func (s *Store) Charge(id string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative charge", ErrInvalidParams)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.Credits < n {
		return ErrInsufficientCredits
	}
	k.Credits -= n
	k.TotalSpent += n
	k.TotalCalls++
	now := time.Now().UTC()
	k.LastUsedAt = &now
	s.markDirty()
	return nil
}

// Refund adds n back and decrements totalSpent; never reduces totalCalls.
func (s *Store) Refund(id string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative refund", ErrInvalidParams)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Credits += n
	k.TotalSpent -= n
	if k.TotalSpent < 0 {
		k.TotalSpent = 0
	}
	s.markDirty()
	return nil
}

// AddCredits tops up a key's balance (admin top-up operation).
func (s *Store) AddCredits(id string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative top-up", ErrInvalidParams)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Credits += n
	s.markDirty()
	return nil
}

// ChargeOutputSurcharge adds the post-call output surcharge, bounded by
// remaining credits — "the post-surcharge may not deny, only consume what
// is available, leaving a non-negative balance" (§4.12).
func (s *Store) ChargeOutputSurcharge(id string, n int64) (charged int64, err error) {
	if n <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return 0, ErrNotFound
	}
	if k.Credits < n {
		n = k.Credits
	}
	k.Credits -= n
	k.TotalSpent += n
	s.markDirty()
	return n, nil
}

// SetExpiry sets or clears (nil) the key's expiry instant. A key that was
// expired becomes valid again as soon as its expiry is extended into the
// future, per §3's lifecycle invariant.
func (s *Store) SetExpiry(id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.ExpiresAt = at
	s.markDirty()
	return nil
}

// Suspend marks a key suspended (manual suspension).
func (s *Store) Suspend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Suspended = true
	s.markDirty()
	return nil
}

// Resume clears manual suspension.
func (s *Store) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Suspended = false
	s.markDirty()
	return nil
}

// Revoke marks a key permanently revoked. Terminal: a revoked key never
// succeeds admission again.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.State = StateRevoked
	k.Active = false
	s.markDirty()
	return nil
}

// RotateKey emits a new identifier carrying the same record, and revokes
// the old identifier so it can never be used again.
func (s *Store) RotateKey(id string) (ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.keys[id]
	if !ok {
		return ApiKey{}, ErrNotFound
	}

	newID, err := generateKeyID()
	if err != nil {
		return ApiKey{}, fmt.Errorf("generate key id: %w", err)
	}

	rotated := *old
	rotated.ID = newID
	s.keys[newID] = &rotated
	if rotated.Alias != "" {
		s.alias[rotated.Alias] = newID
	}

	old.State = StateRevoked
	old.Active = false

	s.markDirty()
	return rotated, nil
}

// SetTags replaces the tag set on a key.
func (s *Store) SetTags(id string, tags map[string]string) error {
	for k, v := range tags {
		if len(k) > 256 || len(v) > 256 {
			return fmt.Errorf("%w: tag key/value exceeds 256 chars", ErrInvalidParams)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.Tags = tags
	s.markDirty()
	return nil
}

// UpdateQuotaCounters overwrites the quota counters on a key record; used
// by the QuotaTracker component after it performs rollover/increment logic.
func (s *Store) UpdateQuotaCounters(id string, counters QuotaCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.QuotaCounters = counters
	s.markDirty()
	return nil
}

// ListKeys returns masked records matching filter, sorted by createdAt
// descending, then paginated.
func (s *Store) ListKeys(filter Filter) []MaskedApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	matched := make([]MaskedApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		if filter.Namespace != "" && k.Namespace != filter.Namespace {
			continue
		}
		if filter.GroupID != "" && k.GroupID != filter.GroupID {
			continue
		}
		if filter.Active != nil && k.Active != *filter.Active {
			continue
		}
		matched = append(matched, k.Mask(k.IsExpired(now)))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []MaskedApiKey{}
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// ListExpiring returns every non-revoked key that has an expiresAt set,
// for the expiry scanner. Full records (not masked) are returned since the
// scanner needs the real id to de-dup notifications per key.
func (s *Store) ListExpiring() []ApiKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ApiKey, 0)
	for _, k := range s.keys {
		if k.State == StateRevoked || k.ExpiresAt == nil {
			continue
		}
		out = append(out, *k)
	}
	return out
}

// ListNamespaces aggregates {namespace, keyCount, activeKeys, totalCredits}
// across all keys.
func (s *Store) ListNamespaces() []namespace.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*namespace.Summary)
	for _, k := range s.keys {
		sum, ok := agg[k.Namespace]
		if !ok {
			sum = &namespace.Summary{Namespace: k.Namespace}
			agg[k.Namespace] = sum
		}
		sum.KeyCount++
		if k.Active && !k.Suspended {
			sum.ActiveKeys++
		}
		sum.TotalCredits += k.Credits
	}

	out := make([]namespace.Summary, 0, len(agg))
	for _, sum := range agg {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// markDirty must be called with s.mu held.
func (s *Store) markDirty() {
	s.dirty = true
}

// lookupByAlias resolves an alias to a key id, for admin convenience.
func (s *Store) lookupByAlias(alias string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.alias[strings.TrimSpace(alias)]
	return id, ok
}
