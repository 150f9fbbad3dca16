package cache

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if c.config.MaxEntries != 1000 {
		t.Errorf("MaxEntries = %d, want 1000", c.config.MaxEntries)
	}
	if c.config.TTL != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", c.config.TTL)
	}
	if c.config.MaxStale != 5*time.Minute {
		t.Errorf("MaxStale = %v, want 5m", c.config.MaxStale)
	}
}

func TestResponseCache_GetBeforeTTL(t *testing.T) {
	c, _ := New(Config{TTL: time.Minute})

	c.Set("k", json.RawMessage(`42`))

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("Get() miss, want hit before TTL")
	}
	if string(got) != "42" {
		t.Errorf("Get() = %s, want 42", got)
	}
}

func TestResponseCache_ExpiryTreatedAsAbsent(t *testing.T) {
	c, _ := New(Config{TTL: 10 * time.Millisecond, MaxStale: time.Minute})

	c.Set("k", json.RawMessage(`42`))
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("Get() hit after TTL, want miss")
	}
}

func TestResponseCache_LRUEviction(t *testing.T) {
	c, _ := New(Config{MaxEntries: 2, TTL: time.Minute})

	c.Set("a", json.RawMessage(`1`))
	c.Set("b", json.RawMessage(`2`))
	c.Get("a") // a is now most recently used
	c.Set("c", json.RawMessage(`3`))

	if _, ok := c.Get("b"); ok {
		t.Error("LRU entry b survived eviction")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry a was evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("new entry c missing")
	}
}

func TestResponseCache_StaleWithinWindow(t *testing.T) {
	c, _ := New(Config{TTL: 10 * time.Millisecond, MaxStale: time.Minute})

	c.Set("k", json.RawMessage(`42`))
	time.Sleep(20 * time.Millisecond)

	got, age, ok := c.GetStale("k")
	if !ok {
		t.Fatal("GetStale() miss, want stale hit inside window")
	}
	if string(got) != "42" {
		t.Errorf("GetStale() = %s, want 42", got)
	}
	if age < 10*time.Millisecond {
		t.Errorf("age = %v, want >= TTL", age)
	}
}

func TestResponseCache_StaleBeyondWindow(t *testing.T) {
	c, _ := New(Config{TTL: 5 * time.Millisecond, MaxStale: 5 * time.Millisecond})

	c.Set("k", json.RawMessage(`42`))
	time.Sleep(25 * time.Millisecond)

	if _, _, ok := c.GetStale("k"); ok {
		t.Error("GetStale() hit beyond TTL+MaxStale, want miss")
	}
}

func TestResponseCache_StaleDisabled(t *testing.T) {
	c, _ := New(Config{TTL: time.Minute, MaxStale: -1})

	c.Set("k", json.RawMessage(`42`))

	if _, _, ok := c.GetStale("k"); ok {
		t.Error("GetStale() with MaxStale disabled = hit, want miss")
	}
}

func TestResponseCache_PurgeExpired(t *testing.T) {
	c, _ := New(Config{TTL: 5 * time.Millisecond, MaxStale: 5 * time.Millisecond})

	c.Set("old", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)
	c.Set("new", json.RawMessage(`2`))

	c.PurgeExpired(time.Now())

	if got := c.Stats().Entries; got != 1 {
		t.Errorf("Entries after purge = %d, want 1", got)
	}
}

func TestResponseCache_Stats(t *testing.T) {
	c, _ := New(Config{TTL: time.Minute})

	c.Set("k", json.RawMessage(`1`))
	c.Get("k")
	c.Get("missing")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 1 {
		t.Errorf("Hits = %d, want 1", s.Hits)
	}
	if s.Misses != 2 {
		t.Errorf("Misses = %d, want 2", s.Misses)
	}
	if ratio := c.HitRatio(); ratio < 0.33 || ratio > 0.34 {
		t.Errorf("HitRatio() = %f, want ~0.333", ratio)
	}
}

func TestResponseCache_BoundedCapacity(t *testing.T) {
	c, _ := New(Config{MaxEntries: 10, TTL: time.Minute})

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), json.RawMessage(`1`))
	}

	if got := c.Stats().Entries; got != 10 {
		t.Errorf("Entries = %d, want capacity bound 10", got)
	}
}
