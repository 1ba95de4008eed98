package respcache

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": 1, "y": 2}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON(map[string]interface{}{"a": map[string]interface{}{"y": 2, "z": 1}, "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected canonical forms to match regardless of input key order: %s vs %s", a, b)
	}
}

func TestKeyIsStableForEquivalentArguments(t *testing.T) {
	k1, _ := Key("search", map[string]interface{}{"q": "x", "limit": 5})
	k2, _ := Key("search", map[string]interface{}{"limit": 5, "q": "x"})
	if k1 != k2 {
		t.Fatalf("expected same key for equivalent arguments, got %q vs %q", k1, k2)
	}
}

func TestPopulateAndLookup(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.Populate("k1", "tool", []byte("v1"), time.Minute, now)

	v, ok := c.Lookup("k1", now)
	if !ok || string(v) != "v1" {
		t.Fatalf("expected cached value, got %q ok=%v", v, ok)
	}
}

func TestLookupExpiresByTTL(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.Populate("k1", "tool", []byte("v1"), time.Second, now)

	later := now.Add(2 * time.Second)
	if _, ok := c.Lookup("k1", later); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestPopulateZeroTTLBypasses(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.Populate("k1", "tool", []byte("v1"), 0, now)
	if _, ok := c.Lookup("k1", now); ok {
		t.Fatal("expected zero-ttl populate to be a no-op")
	}
}

func TestEvictsLRUAtCapacity(t *testing.T) {
	c := New(2)
	now := time.Now()
	c.Populate("k1", "tool", []byte("v1"), time.Minute, now)
	c.Populate("k2", "tool", []byte("v2"), time.Minute, now)
	c.Populate("k3", "tool", []byte("v3"), time.Minute, now)

	if _, ok := c.Lookup("k1", now); ok {
		t.Fatal("expected k1 evicted as least-recently-used")
	}
	if _, ok := c.Lookup("k3", now); !ok {
		t.Fatal("expected k3 present")
	}
}

func TestInvalidateByTool(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.Populate("k1", "toolA", []byte("v1"), time.Minute, now)
	c.Populate("k2", "toolB", []byte("v2"), time.Minute, now)

	c.Invalidate("toolA")

	if _, ok := c.Lookup("k1", now); ok {
		t.Fatal("expected toolA entries invalidated")
	}
	if _, ok := c.Lookup("k2", now); !ok {
		t.Fatal("expected toolB entries untouched")
	}
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	c := New(10)
	now := time.Now()
	var calls int64

	fn := func() ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("resolved"), nil
	}

	results := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		go func() {
			v, _, _ := c.Resolve("k1", "tool", time.Minute, now, fn)
			results <- v
		}()
	}
	for i := 0; i < 5; i++ {
		v := <-results
		if string(v) != "resolved" {
			t.Fatalf("unexpected result %q", v)
		}
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected resolver to run exactly once, ran %d times", calls)
	}
}

func TestResolveDoesNotCacheErrors(t *testing.T) {
	c := New(10)
	now := time.Now()
	wantErr := errors.New("boom")

	_, err, _ := c.Resolve("k1", "tool", time.Minute, now, func() ([]byte, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected error propagated, got %v", err)
	}
	if _, ok := c.Lookup("k1", now); ok {
		t.Fatal("expected error not to be cached")
	}
}
