// Package respcache implements §4.8's ResponseCache: a content-addressed,
// size-bounded LRU of tool-call results keyed by the canonical JSON form of
// the call arguments, with single-flight coalescing of concurrent misses.
package respcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is the cached value plus its deadline.
type entry struct {
	key       string
	tool      string
	value     []byte
	expiresAt time.Time
}

// Cache owns the LRU list and key index. Concurrent misses for the same key
// coalesce through sfGroup so the resolver runs exactly once.
type Cache struct {
	mu       sync.Mutex
	list     *list.List
	index    map[string]*list.Element
	capacity int

	sfGroup singleflight.Group
}

// New constructs a Cache with the given entry-count cap.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		list:     list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

// CanonicalJSON marshals v with recursively key-sorted objects and no
// insignificant whitespace, for use as the cache key's argument component.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize re-marshals through a map so Go's encoding/json naturally
// produces a deterministic structure; object key order is handled at
// marshal time by sorting below for nested maps.
func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return sortKeys(generic), nil
}

func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(sortedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, sortedPair{Key: k, Value: sortKeys(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, el := range t {
			out[i] = sortKeys(el)
		}
		return out
	default:
		return t
	}
}

// sortedPair/sortedMap implement json.Marshaler to emit object keys in a
// fixed, already-sorted order instead of Go map's randomized iteration.
type sortedPair struct {
	Key   string
	Value interface{}
}

type sortedMap []sortedPair

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Key builds the cache key "(tool, sha256(canonicalJSON(arguments)))".
func Key(tool string, arguments interface{}) (string, error) {
	canon, err := CanonicalJSON(arguments)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return tool + ":" + hex.EncodeToString(sum[:]), nil
}

// Lookup returns a cached value if present and unexpired, promoting it to
// most-recently-used.
func (c *Cache) Lookup(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if now.After(e.expiresAt) {
		c.list.Remove(el)
		delete(c.index, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return e.value, true
}

// Populate inserts or replaces a value, evicting the least-recently-used
// entry if the cache is at capacity. ttl<=0 means "do not cache" (the
// cacheTtlSeconds=0 bypass of §4.8).
func (c *Cache) Populate(key, tool string, value []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = now.Add(ttl)
		c.list.MoveToFront(el)
		return
	}

	e := &entry{key: key, tool: tool, value: value, expiresAt: now.Add(ttl)}
	el := c.list.PushFront(e)
	c.index[key] = el

	for c.list.Len() > c.capacity {
		oldest := c.list.Back()
		if oldest == nil {
			break
		}
		c.list.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
}

// Invalidate drops every cached entry for a tool.
func (c *Cache) Invalidate(tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for el := c.list.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).tool == tool {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.list.Remove(el)
		delete(c.index, el.Value.(*entry).key)
	}
}

// Resolve coalesces concurrent misses for the same key onto a single
// resolver call (§4.8's single-flight requirement). Errors are never
// cached. On success the result is populated under ttl.
func (c *Cache) Resolve(key, tool string, ttl time.Duration, now time.Time, fn func() ([]byte, error)) ([]byte, error, bool) {
	if v, ok := c.Lookup(key, now); ok {
		return v, nil, true
	}

	v, err, shared := c.sfGroup.Do(key, func() (interface{}, error) {
		result, err := fn()
		if err != nil {
			return nil, err
		}
		c.Populate(key, tool, result, ttl, now)
		return result, nil
	})
	if err != nil {
		return nil, err, false
	}
	return v.([]byte), nil, shared
}
