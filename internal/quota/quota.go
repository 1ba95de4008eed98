// Package quota implements §4.3's QuotaTracker: per-key daily/monthly call
// and credit counters with UTC calendar rollover. Unlike RateLimiter's
// sliding window, quota boundaries are calendar dates, compared as strings
// per the design notes' "all calendar arithmetic is explicit UTC" rule.
package quota

import (
	"time"

	"github.com/walker77/paygate-mcp/internal/ferrors"
	"github.com/walker77/paygate-mcp/internal/keystore"
)

// Limits is the resolved quota for one admission check — the output of
// policy resolution between a key's own override, its group's default, and
// the server-wide default. The Tracker itself holds no opinion on that
// resolution; gate.Gate builds Limits per call, falling back to
// gate.Config.DefaultQuota (the server config's default) only when the key
// has no per-key quota and no group-provided quota (§4.7, §4.3).
type Limits struct {
	DailyCalls     int64
	DailyCredits   int64
	MonthlyCalls   int64
	MonthlyCredits int64
}

// Tracker has no internal state of its own: the counters live on the
// ApiKey record in the KeyStore, which the tracker reads and mutates
// through Store's methods. This mirrors the spec's framing of quota
// counters as "part of the key record, not a separate entity".
type Tracker struct {
	store *keystore.Store
}

// New constructs a Tracker bound to the given KeyStore.
func New(store *keystore.Store) *Tracker {
	return &Tracker{store: store}
}

// RolloverIfNeeded compares today's UTC calendar date/month to the key's
// reset markers and, if different, zeroes the corresponding counters and
// updates the marker — before any threshold is tested, per §4.3.
func RolloverIfNeeded(counters keystore.QuotaCounters, now time.Time) keystore.QuotaCounters {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if counters.LastResetDay != day {
		counters.DailyCalls = 0
		counters.DailyCredits = 0
		counters.LastResetDay = day
	}
	if counters.LastResetMonth != month {
		counters.MonthlyCalls = 0
		counters.MonthlyCredits = 0
		counters.LastResetMonth = month
	}
	return counters
}

// Check performs rollover (if needed) and tests the four quota thresholds
// in the order §4.12 step 10 specifies: daily calls, monthly calls, daily
// credits, monthly credits. It returns the possibly-rolled-over counters
// (callers persist them via KeyStore.UpdateQuotaCounters even on a miss, so
// the rollover is never re-computed on the next call within the same
// calendar window) plus an allow/deny verdict.
func (t *Tracker) Check(key keystore.ApiKey, limits Limits, now time.Time) (counters keystore.QuotaCounters, allowed bool, reason ferrors.Reason) {
	counters = RolloverIfNeeded(key.QuotaCounters, now)

	if limits.DailyCalls > 0 && counters.DailyCalls >= limits.DailyCalls {
		return counters, false, ferrors.ReasonDailyCalls
	}
	if limits.MonthlyCalls > 0 && counters.MonthlyCalls >= limits.MonthlyCalls {
		return counters, false, ferrors.ReasonMonthlyCalls
	}
	if limits.DailyCredits > 0 && counters.DailyCredits >= limits.DailyCredits {
		return counters, false, ferrors.ReasonDailyCredits
	}
	if limits.MonthlyCredits > 0 && counters.MonthlyCredits >= limits.MonthlyCredits {
		return counters, false, ferrors.ReasonMonthlyCredits
	}
	return counters, true, ""
}

// Record increments the counters on successful admission — quota counters
// increment only on successful admission, per §4.3.
func Record(counters keystore.QuotaCounters, creditsCharged int64) keystore.QuotaCounters {
	counters.DailyCalls++
	counters.MonthlyCalls++
	counters.DailyCredits += creditsCharged
	counters.MonthlyCredits += creditsCharged
	return counters
}

// Refund subtracts a refunded charge from the quota credit counters — the
// refund "appears as a separate entry in quota and cap counters" per §7.
func Refund(counters keystore.QuotaCounters, refunded int64) keystore.QuotaCounters {
	counters.DailyCredits -= refunded
	if counters.DailyCredits < 0 {
		counters.DailyCredits = 0
	}
	counters.MonthlyCredits -= refunded
	if counters.MonthlyCredits < 0 {
		counters.MonthlyCredits = 0
	}
	return counters
}
