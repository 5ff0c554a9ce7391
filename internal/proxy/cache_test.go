package proxy

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func testCache(defaultTTLSec int) (*ResponseCache, *fakeClock) {
	clock := newFakeClock()
	c := NewResponseCache(defaultTTLSec)
	c.now = clock.Now
	return c, clock
}

func TestCacheKeyShape(t *testing.T) {
	key := CacheKey("GET", "http://proxy.local/mcp/srv/prices?vs=usd", nil)
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		t.Fatalf("key %q should have method, url, digest segments", key)
	}
	if parts[0] != "GET" {
		t.Fatalf("method segment = %q", parts[0])
	}
	digest := key[strings.LastIndex(key, ":")+1:]
	if len(digest) != 32 {
		t.Fatalf("digest segment should be 32 chars, got %d", len(digest))
	}
}

func TestCacheKeyDistinguishesBodies(t *testing.T) {
	a := CacheKey("GET", "http://proxy.local/x", []byte(`{"a":1}`))
	b := CacheKey("GET", "http://proxy.local/x", []byte(`{"a":2}`))
	if a == b {
		t.Fatal("different bodies must produce different keys")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := testCache(45)
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	c.Put("k", "api.example.com", 200, header, []byte(`{"ok":true}`))
	entry, ok := c.Get("k")
	if !ok {
		t.Fatal("expected a hit")
	}
	if entry.Status != 200 || string(entry.Body) != `{"ok":true}` {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("header lost: %v", entry.Header)
	}
}

func TestCacheEntryIsolation(t *testing.T) {
	c, _ := testCache(45)
	body := []byte("original")
	c.Put("k", "api.example.com", 200, http.Header{}, body)
	body[0] = 'X'

	entry, ok := c.Get("k")
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(entry.Body) != "original" {
		t.Fatalf("stored body aliased the caller's slice: %q", entry.Body)
	}

	entry.Body[0] = 'Y'
	again, _ := c.Get("k")
	if string(again.Body) != "original" {
		t.Fatalf("returned body aliased the stored slice: %q", again.Body)
	}
}

func TestCacheExpiry(t *testing.T) {
	c, clock := testCache(45)
	c.Put("k", "api.example.com", 200, http.Header{}, []byte("x"))

	clock.now = clock.now.Add(44 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be live at 44s")
	}

	clock.now = clock.now.Add(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should be expired past 45s")
	}
}

func TestCoinGeckoGetsLongerTTL(t *testing.T) {
	c, clock := testCache(45)
	c.Put("k", "api.coingecko.com", 200, http.Header{}, []byte("x"))

	clock.now = clock.now.Add(55 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("coingecko entries should live 60s")
	}
	clock.now = clock.now.Add(10 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("coingecko entry should expire past 60s")
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	c, clock := testCache(45)
	c.Put("a", "api.example.com", 200, http.Header{}, []byte("x"))
	c.Put("b", "api.example.com", 200, http.Header{}, []byte("y"))

	clock.now = clock.now.Add(2 * time.Minute)
	c.Get("a") // triggers the sweep
	if got := c.Len(); got != 0 {
		t.Fatalf("expected sweep to clear entries, %d left", got)
	}
}
