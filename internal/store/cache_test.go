package store

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := newTTLCache()
	c.set("k", "v", 10*time.Millisecond)

	if v, ok := c.get("k"); !ok || v != "v" {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatal("expected expiry")
	}
}

func TestTTLCacheDeletePrefix(t *testing.T) {
	c := newTTLCache()
	c.set("history:t1:a:0", 1, time.Minute)
	c.set("history:t1:b:50", 2, time.Minute)
	c.set("history:t2:a:0", 3, time.Minute)

	c.deletePrefix("history:t1:")

	if _, ok := c.get("history:t1:a:0"); ok {
		t.Fatal("prefix delete missed a key")
	}
	if _, ok := c.get("history:t1:b:50"); ok {
		t.Fatal("prefix delete missed a key")
	}
	if _, ok := c.get("history:t2:a:0"); !ok {
		t.Fatal("prefix delete removed an unrelated key")
	}
}
