package audit

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecordAndEventsChronological(t *testing.T) {
	l := New(10)
	now := time.Now()
	l.Record("key.created", ActorAdmin, "created key pg_abc", nil, now)
	l.Record("key.revoked", ActorAdmin, "revoked key pg_abc", nil, now.Add(time.Second))

	events := l.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "key.created" || events[1].Type != "key.revoked" {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	l := New(2)
	now := time.Now()
	l.Record("a", ActorSystem, "first", nil, now)
	l.Record("b", ActorSystem, "second", nil, now.Add(time.Second))
	l.Record("c", ActorSystem, "third", nil, now.Add(2*time.Second))

	events := l.Events()
	if len(events) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(events))
	}
	if events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("expected oldest event evicted, got %+v", events)
	}
}

func TestMessageTruncatedAt2000Chars(t *testing.T) {
	l := New(10)
	long := strings.Repeat("x", 5000)
	l.Record("a", ActorSystem, long, nil, time.Now())

	events := l.Events()
	if len([]rune(events[0].Message)) != 2000 {
		t.Fatalf("expected message truncated to 2000 runes, got %d", len([]rune(events[0].Message)))
	}
}

func TestMetadataTruncatedOverLimit(t *testing.T) {
	l := New(10)
	oversize := map[string]string{"blob": strings.Repeat("a", 11*1024)}
	l.Record("a", ActorSystem, "msg", oversize, time.Now())

	events := l.Events()
	var decoded map[string]any
	if err := json.Unmarshal(events[0].Metadata, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["_truncated"] != true {
		t.Fatalf("expected _truncated sentinel, got %+v", decoded)
	}
	if _, ok := decoded["_originalSize"]; !ok {
		t.Fatalf("expected _originalSize in sentinel, got %+v", decoded)
	}
}

func TestMetadataNonSerializableProducesErrorSentinel(t *testing.T) {
	l := New(10)
	l.Record("a", ActorSystem, "msg", func() {}, time.Now())

	events := l.Events()
	var decoded map[string]any
	if err := json.Unmarshal(events[0].Metadata, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["_error"] != "Metadata not serializable" {
		t.Fatalf("expected _error sentinel, got %+v", decoded)
	}
}

func TestRecordWithActorStringAllowsKeyPrefix(t *testing.T) {
	l := New(10)
	l.RecordWithActorString("usage.charged", "pg_abc123...", "charged 5 credits", nil, time.Now())

	events := l.Events()
	if events[0].Actor != "pg_abc123..." {
		t.Fatalf("expected key-prefix actor preserved, got %q", events[0].Actor)
	}
}
