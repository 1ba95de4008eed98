// Package spendcap implements §4.4's SpendCapManager: server-wide daily
// call/credit caps, and per-key hourly caps with auto-suspend/auto-resume.
// Per SPEC_FULL.md's resolution of the spec's "hourlyCallLimit/
// hourlyCreditLimit ownership" open question, this package is the sole
// owner of hourly caps — QuotaTracker owns only daily/monthly.
package spendcap

import (
	"sync"
	"time"

	"github.com/walker77/paygate-mcp/internal/ferrors"
)

// BreachAction configures what happens when a cap is exceeded.
type BreachAction string

const (
	ActionSuspend  BreachAction = "suspend"
	ActionDenyOnly BreachAction = "deny-only"
)

// Config carries the tunables from internal/config.
type Config struct {
	ServerDailyCallCap     int64
	ServerDailyCreditCap   int64
	PerKeyHourlyCallCap    int64
	PerKeyHourlyCreditCap  int64
	BreachAction           BreachAction
	AutoResumeAfterSeconds int64
}

// hourlyBucket is a per-key hourly call/credit counter, keyed by the
// "YYYY-MM-DDTHH" hour marker so stale buckets are replaced on first touch
// of a new hour (§4.4, §3).
type hourlyBucket struct {
	hour    string
	calls   int64
	credits int64
}

// AutoSuspendEvent is emitted on the Manager's notification channel when a
// key is auto-suspended or auto-resumed — the redesign flag in §9 calling
// for "a message channel or event interface the Gate owns" in place of the
// source's injected-callback pattern.
type AutoSuspendEvent struct {
	KeyID   string
	Resumed bool
	At      time.Time
	Reason  ferrors.Reason
}

// Manager owns server-wide and per-key spend-cap state.
type Manager struct {
	cfg Config

	mu sync.Mutex

	serverResetDay string
	serverCalls    int64
	serverCredits  int64

	hourlyByKey map[string]*hourlyBucket

	autoSuspended map[string]time.Time // keyID -> suspended-at

	events chan AutoSuspendEvent
}

// New constructs a Manager. events may be nil if the caller doesn't need
// auto-suspend notifications (tests, mostly) — sends are non-blocking.
func New(cfg Config, events chan AutoSuspendEvent) *Manager {
	if cfg.BreachAction == "" {
		cfg.BreachAction = ActionSuspend
	}
	return &Manager{
		cfg:            cfg,
		serverResetDay: time.Now().UTC().Format("2006-01-02"),
		hourlyByKey:    make(map[string]*hourlyBucket),
		autoSuspended:  make(map[string]time.Time),
		events:         events,
	}
}

func (m *Manager) notify(ev AutoSuspendEvent) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// CheckServerCap denies when either the day's call or credit counter plus
// the request would exceed its cap. Resets at UTC midnight.
func (m *Manager) CheckServerCap(creditsRequired int64, now time.Time) (allowed bool, reason ferrors.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	if m.serverResetDay != day {
		m.serverResetDay = day
		m.serverCalls = 0
		m.serverCredits = 0
	}

	if m.cfg.ServerDailyCallCap > 0 && m.serverCalls+1 > m.cfg.ServerDailyCallCap {
		return false, ferrors.ReasonServerDailyCallCap
	}
	if m.cfg.ServerDailyCreditCap > 0 && m.serverCredits+creditsRequired > m.cfg.ServerDailyCreditCap {
		return false, ferrors.ReasonServerDailyCreditCap
	}
	return true, ""
}

// RecordServerCharge increments the server-wide counters on admission.
func (m *Manager) RecordServerCharge(creditsCharged int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverCalls++
	m.serverCredits += creditsCharged
}

// RefundServerCharge reverses a server-wide credit charge on backend failure.
func (m *Manager) RefundServerCharge(refunded int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverCredits -= refunded
	if m.serverCredits < 0 {
		m.serverCredits = 0
	}
}

func hourMarker(now time.Time) string {
	return now.UTC().Format("2006-01-02T15")
}

func (m *Manager) bucketFor(keyID string, now time.Time) *hourlyBucket {
	marker := hourMarker(now)
	b, ok := m.hourlyByKey[keyID]
	if !ok || b.hour != marker {
		b = &hourlyBucket{hour: marker}
		m.hourlyByKey[keyID] = b
	}
	return b
}

// CheckPerKeyHourlyCap checks the per-key hourly call/credit cap. On
// breach, it consults breachAction: if "suspend", the key is marked
// auto-suspended and an event is emitted.
func (m *Manager) CheckPerKeyHourlyCap(keyID string, creditsRequired int64, now time.Time) (allowed bool, reason ferrors.Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketFor(keyID, now)

	var breached ferrors.Reason
	if m.cfg.PerKeyHourlyCallCap > 0 && b.calls+1 > m.cfg.PerKeyHourlyCallCap {
		breached = ferrors.ReasonHourlyCallCap
	} else if m.cfg.PerKeyHourlyCreditCap > 0 && b.credits+creditsRequired > m.cfg.PerKeyHourlyCreditCap {
		breached = ferrors.ReasonHourlyCreditCap
	}

	if breached == "" {
		return true, ""
	}

	if m.cfg.BreachAction == ActionSuspend {
		if _, already := m.autoSuspended[keyID]; !already {
			m.autoSuspended[keyID] = now
			m.notify(AutoSuspendEvent{KeyID: keyID, At: now, Reason: breached})
		}
	}
	return false, breached
}

// RecordPerKeyHourlyCharge increments a key's hourly bucket on admission.
func (m *Manager) RecordPerKeyHourlyCharge(keyID string, creditsCharged int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucketFor(keyID, now)
	b.calls++
	b.credits += creditsCharged
}

// RefundPerKeyHourlyCharge reverses an hourly credit charge on backend failure.
func (m *Manager) RefundPerKeyHourlyCharge(keyID string, refunded int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucketFor(keyID, now)
	b.credits -= refunded
	if b.credits < 0 {
		b.credits = 0
	}
}

// IsAutoSuspended reports whether a key is currently auto-suspended. Past
// the cooldown (autoResumeAfterSeconds > 0), it clears the suspension and
// emits an auto-resume event.
func (m *Manager) IsAutoSuspended(keyID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	suspendedAt, ok := m.autoSuspended[keyID]
	if !ok {
		return false
	}

	if m.cfg.AutoResumeAfterSeconds > 0 {
		if now.Sub(suspendedAt) >= time.Duration(m.cfg.AutoResumeAfterSeconds)*time.Second {
			delete(m.autoSuspended, keyID)
			m.notify(AutoSuspendEvent{KeyID: keyID, Resumed: true, At: now})
			return false
		}
	}
	return true
}

// ClearAutoSuspend lets an admin manually clear an auto-suspension.
func (m *Manager) ClearAutoSuspend(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.autoSuspended, keyID)
}
