package webhookqueue

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Subscription is one admin-managed webhook registration: deliver events
// matching EventTypes (empty = all) and, if KeyPrefix is set, scoped to
// that key prefix only.
type Subscription struct {
	ID         string
	URL        string
	EventTypes []string
	KeyPrefix  string
}

// Subscriptions is the admin-facing registry consulted by the Dispatcher
// for "webhook filter management" (§6 admin surface).
type Subscriptions struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewSubscriptions constructs an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[string]Subscription)}
}

// Add registers a new subscription and returns it with a generated id.
func (s *Subscriptions) Add(url string, eventTypes []string, keyPrefix string) Subscription {
	sub := Subscription{ID: "sub_" + uuid.NewString(), URL: url, EventTypes: eventTypes, KeyPrefix: keyPrefix}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return sub
}

// Remove deletes a subscription by id.
func (s *Subscriptions) Remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// List returns every subscription, sorted by id for stable admin output.
func (s *Subscriptions) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Matching returns every subscription whose filter matches eventType and
// keyPrefix: EventTypes empty or containing eventType, and KeyPrefix empty
// or equal to keyPrefix.
func (s *Subscriptions) Matching(eventType, keyPrefix string) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.subs {
		if len(sub.EventTypes) > 0 && !containsString(sub.EventTypes, eventType) {
			continue
		}
		if sub.KeyPrefix != "" && sub.KeyPrefix != keyPrefix {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
