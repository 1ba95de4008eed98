// Package audit implements §4.15's AuditLog: an append-only, ring-buffer
// retained log of administrative and system events, with metadata and
// message size bounded so one oversize record can never crowd out the
// rest of the buffer.
package audit

import (
	"encoding/json"
	"sync"
	"time"
)

// Actor identifies who triggered an event.
type Actor string

const (
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

// maxMessageChars is the hard cap on Event.Message.
const maxMessageChars = 2000

// maxMetadataBytes is the hard cap on the serialized metadata payload.
const maxMetadataBytes = 10 * 1024

// Event is one audit log record.
type Event struct {
	Type      string          `json:"type"`
	Actor     string          `json:"actor"` // "admin", "system", or a key prefix
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Log is the append-only ring buffer.
type Log struct {
	mu   sync.Mutex
	buf  []Event
	next int
	size int
}

// New constructs a Log retaining up to capacity events.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Log{buf: make([]Event, capacity)}
}

// truncateMessage caps message at maxMessageChars runes.
func truncateMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= maxMessageChars {
		return message
	}
	return string(runes[:maxMessageChars])
}

// marshalMetadata serializes metadata with the §4.15 sentinel rules:
// non-serializable values (including cycles) become {"_error": "..."},
// and oversize payloads become {"_truncated": true, "_originalSize": n}.
func marshalMetadata(metadata interface{}) json.RawMessage {
	if metadata == nil {
		return nil
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		sentinel, _ := json.Marshal(map[string]any{"_error": "Metadata not serializable"})
		return sentinel
	}

	if len(encoded) > maxMetadataBytes {
		sentinel, _ := json.Marshal(map[string]any{"_truncated": true, "_originalSize": len(encoded)})
		return sentinel
	}

	return encoded
}

// Record appends a new event, evicting the oldest once the buffer is full.
func (l *Log) Record(eventType string, actor Actor, message string, metadata interface{}, now time.Time) {
	l.RecordWithActorString(eventType, string(actor), message, metadata, now)
}

// RecordWithActorString is Record's variant for a key-prefix actor, which
// isn't one of the Actor constants.
func (l *Log) RecordWithActorString(eventType, actor, message string, metadata interface{}, now time.Time) {
	event := Event{
		Type:      eventType,
		Actor:     actor,
		Message:   truncateMessage(message),
		Timestamp: now,
		Metadata:  marshalMetadata(metadata),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = event
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
}

// Events returns all retained events, oldest first.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, l.size)
	if l.size < len(l.buf) {
		copy(out, l.buf[:l.size])
		return out
	}
	// Full buffer: oldest entry is at l.next (the next slot to be
	// overwritten), so the chronological run wraps from there.
	copy(out, l.buf[l.next:])
	copy(out[len(l.buf)-l.next:], l.buf[:l.next])
	return out
}
