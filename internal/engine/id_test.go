package engine

import (
	"strings"
	"testing"
	"time"
)

func TestIDIssuerFormat(t *testing.T) {
	var g idIssuer
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	id := g.next(now)
	if !strings.HasPrefix(id, "mem_") {
		t.Fatalf("unexpected id format: %s", id)
	}
}

func TestIDIssuerMonotonicUnderCollisions(t *testing.T) {
	var g idIssuer
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 100; i++ {
		id := g.next(now) // same instant every time
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if id <= prev && prev != "" {
			// mem_<ms> compares lexically only within equal lengths, so
			// only equal-length ids are compared; there lexical order is
			// numeric order.
			if len(id) == len(prev) && id <= prev {
				t.Fatalf("ids not increasing: %s after %s", id, prev)
			}
		}
		prev = id
	}
}

func TestHashCache(t *testing.T) {
	c := newHashCache()

	if c.Contains("u1", "h1") {
		t.Fatal("empty cache should not contain anything")
	}

	c.Add("u1", "h1")
	if !c.Contains("u1", "h1") {
		t.Fatal("added hash missing")
	}
	if c.Contains("u2", "h1") {
		t.Fatal("hash visible across users")
	}

	c.Remove("u1", "h1")
	if c.Contains("u1", "h1") {
		t.Fatal("removed hash still present")
	}

	c.Warm(map[string]struct{}{"u3:h9": {}})
	if !c.Contains("u3", "h9") {
		t.Fatal("warmed key missing")
	}
}
