package proxy

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"
)

// cacheEntry is one stored response. Entries are value-owned: the byte
// slice and header map are never shared with live responses.
type cacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	TTL      time.Duration
}

func (e cacheEntry) liveAt(now time.Time) bool {
	return !now.After(e.StoredAt.Add(e.TTL))
}

// ResponseCache is a process-local TTL cache for GET responses, keyed by
// method:url:hash(body). Concurrent misses may build duplicates; the last
// writer wins.
type ResponseCache struct {
	defaultTTL time.Duration

	mu        sync.Mutex
	entries   map[string]cacheEntry
	lastSweep time.Time

	now func() time.Time
}

const sweepInterval = time.Minute

func NewResponseCache(defaultTTLSec int) *ResponseCache {
	if defaultTTLSec <= 0 {
		defaultTTLSec = 30
	}
	return &ResponseCache{
		defaultTTL: time.Duration(defaultTTLSec) * time.Second,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

// CacheKey fingerprints one request. The body hash keeps distinct GET
// bodies (rare but legal) from colliding on the same URL.
func CacheKey(method, fullURL string, body []byte) string {
	sum := sha256.Sum256(body)
	digest := base64.StdEncoding.EncodeToString(sum[:])[:32]
	return method + ":" + fullURL + ":" + digest
}

// Get returns a copy of the live entry for key, if any.
func (c *ResponseCache) Get(key string) (cacheEntry, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)

	entry, ok := c.entries[key]
	if !ok || !entry.liveAt(now) {
		return cacheEntry{}, false
	}
	return copyEntry(entry), true
}

// Put stores a response under key with the TTL for the upstream host.
func (c *ResponseCache) Put(key, upstreamHost string, status int, header http.Header, body []byte) {
	entry := cacheEntry{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: c.now(),
		TTL:      c.ttlForHost(upstreamHost),
	}
	stored := copyEntry(entry)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = stored
}

// Len reports the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ttlForHost picks the freshness window per upstream. CoinGecko rate
// limits aggressively, so its responses are kept longer.
func (c *ResponseCache) ttlForHost(host string) time.Duration {
	host = strings.ToLower(strings.TrimSpace(host))
	switch {
	case host == "":
		return 30 * time.Second
	case strings.Contains(host, "coingecko"):
		return 60 * time.Second
	default:
		return c.defaultTTL
	}
}

// sweepLocked drops expired entries opportunistically, at most once per
// minute.
func (c *ResponseCache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < sweepInterval {
		return
	}
	c.lastSweep = now
	for key, entry := range c.entries {
		if !entry.liveAt(now) {
			delete(c.entries, key)
		}
	}
}

func copyEntry(e cacheEntry) cacheEntry {
	out := e
	out.Body = append([]byte(nil), e.Body...)
	out.Header = http.Header{}
	for name, values := range e.Header {
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	return out
}
