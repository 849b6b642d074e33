package cache

import (
	"testing"
	"time"
)

func TestMemoryCache_Expiry(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache[uint](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("hash", 7)
	if v, ok := c.Get("hash"); !ok || v != 7 {
		t.Fatalf("Get = (%d, %v), want (7, true)", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("hash"); ok {
		t.Error("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted on read, len=%d", c.Len())
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache[string](time.Hour)
	c.Set("k", "v")
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected entry to be gone after Delete")
	}
}
