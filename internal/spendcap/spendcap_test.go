package spendcap

import (
	"testing"
	"time"
)

func TestCheckServerCapAllowsUnderLimit(t *testing.T) {
	m := New(Config{ServerDailyCallCap: 10, ServerDailyCreditCap: 100}, nil)
	allowed, _ := m.CheckServerCap(5, time.Now())
	if !allowed {
		t.Fatal("expected allow under server cap")
	}
}

func TestCheckServerCapDeniesOverCreditCap(t *testing.T) {
	m := New(Config{ServerDailyCreditCap: 100}, nil)
	now := time.Now()
	m.RecordServerCharge(95)
	allowed, reason := m.CheckServerCap(10, now)
	if allowed {
		t.Fatal("expected deny over server credit cap")
	}
	if reason != "server_daily_credit_cap" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestServerCapResetsAtUTCMidnight(t *testing.T) {
	m := New(Config{ServerDailyCallCap: 1}, nil)
	day1, _ := time.Parse("2006-01-02", "2026-07-30")
	m.CheckServerCap(0, day1)
	m.RecordServerCharge(0)

	day2, _ := time.Parse("2006-01-02", "2026-07-31")
	allowed, _ := m.CheckServerCap(0, day2)
	if !allowed {
		t.Fatal("expected reset on new UTC day")
	}
}

func TestPerKeyHourlyCapAutoSuspends(t *testing.T) {
	events := make(chan AutoSuspendEvent, 10)
	m := New(Config{PerKeyHourlyCallCap: 1, BreachAction: ActionSuspend}, events)
	now := time.Now()

	allowed, _ := m.CheckPerKeyHourlyCap("key1", 0, now)
	if !allowed {
		t.Fatal("expected first call admitted")
	}
	m.RecordPerKeyHourlyCharge("key1", 0, now)

	allowed, reason := m.CheckPerKeyHourlyCap("key1", 0, now)
	if allowed {
		t.Fatal("expected second call denied over hourly cap")
	}
	if reason != "hourly_call_cap" {
		t.Fatalf("unexpected reason %q", reason)
	}

	select {
	case ev := <-events:
		if ev.KeyID != "key1" || ev.Resumed {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected auto-suspend event to be emitted")
	}

	if !m.IsAutoSuspended("key1", now) {
		t.Fatal("expected key to be auto-suspended")
	}
}

func TestAutoSuspendResumesAfterCooldown(t *testing.T) {
	events := make(chan AutoSuspendEvent, 10)
	m := New(Config{PerKeyHourlyCallCap: 1, BreachAction: ActionSuspend, AutoResumeAfterSeconds: 60}, events)
	now := time.Now()

	m.CheckPerKeyHourlyCap("key1", 0, now)
	m.RecordPerKeyHourlyCharge("key1", 0, now)
	m.CheckPerKeyHourlyCap("key1", 0, now)
	<-events // drain suspend event

	if !m.IsAutoSuspended("key1", now) {
		t.Fatal("expected still suspended before cooldown")
	}

	later := now.Add(61 * time.Second)
	if m.IsAutoSuspended("key1", later) {
		t.Fatal("expected auto-resume after cooldown")
	}

	select {
	case ev := <-events:
		if !ev.Resumed {
			t.Fatalf("expected resume event, got %+v", ev)
		}
	default:
		t.Fatal("expected resume event to be emitted")
	}
}

func TestClearAutoSuspendManualOverride(t *testing.T) {
	m := New(Config{PerKeyHourlyCallCap: 1, BreachAction: ActionSuspend}, nil)
	now := time.Now()
	m.CheckPerKeyHourlyCap("key1", 0, now)
	m.RecordPerKeyHourlyCharge("key1", 0, now)
	m.CheckPerKeyHourlyCap("key1", 0, now)

	m.ClearAutoSuspend("key1")
	if m.IsAutoSuspended("key1", now) {
		t.Fatal("expected manual clear to remove suspension")
	}
}

func TestDenyOnlyBreachActionDoesNotSuspend(t *testing.T) {
	m := New(Config{PerKeyHourlyCallCap: 1, BreachAction: ActionDenyOnly}, nil)
	now := time.Now()
	m.CheckPerKeyHourlyCap("key1", 0, now)
	m.RecordPerKeyHourlyCharge("key1", 0, now)
	m.CheckPerKeyHourlyCap("key1", 0, now)

	if m.IsAutoSuspended("key1", now) {
		t.Fatal("expected deny-only action to never suspend")
	}
}
