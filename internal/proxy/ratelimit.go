package proxy

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// HostLimiter paces outbound traffic per upstream hostname with a token
// bucket plus a minimum inter-request delay. Buckets live for the process
// lifetime; distinct hosts proceed in parallel.
type HostLimiter struct {
	capacity float64
	rate     float64
	minDelay time.Duration

	mu      sync.Mutex
	buckets map[string]*hostBucket

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type hostBucket struct {
	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	lastRequest time.Time
}

func NewHostLimiter(capacity int, refillPerSecond float64, minDelayMs int) *HostLimiter {
	if capacity <= 0 {
		capacity = 30
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 0.5
	}
	return &HostLimiter{
		capacity: float64(capacity),
		rate:     refillPerSecond,
		minDelay: time.Duration(minDelayMs) * time.Millisecond,
		buckets:  make(map[string]*hostBucket),
		now:      time.Now,
		sleep:    cancellableSleep,
	}
}

// Wait blocks until the host may issue one more upstream request, then
// consumes a token and stamps the request time. It returns early with the
// context's error when the caller goes away mid-sleep.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	bucket := l.bucket(host)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens = math.Min(l.capacity, bucket.tokens+elapsed*l.rate)
	}
	bucket.lastRefill = now

	var waitForToken time.Duration
	if bucket.tokens < 1 {
		ms := math.Ceil((1 - bucket.tokens) / l.rate * 1000)
		waitForToken = time.Duration(ms) * time.Millisecond
	}
	var waitForMinDelay time.Duration
	if !bucket.lastRequest.IsZero() {
		if since := now.Sub(bucket.lastRequest); since < l.minDelay {
			waitForMinDelay = l.minDelay - since
		}
	}

	wait := waitForToken
	if waitForMinDelay > wait {
		wait = waitForMinDelay
	}
	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		bucket.tokens = math.Min(l.capacity, bucket.tokens+wait.Seconds()*l.rate)
	}

	bucket.tokens -= 1
	if bucket.tokens < 0 {
		bucket.tokens = 0
	}
	bucket.lastRequest = l.now()
	bucket.lastRefill = bucket.lastRequest
	return nil
}

func (l *HostLimiter) bucket(host string) *hostBucket {
	key := strings.ToLower(strings.TrimSpace(host))
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &hostBucket{tokens: l.capacity, lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// cancellableSleep waits for d or until ctx is done, whichever comes
// first.
func cancellableSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
