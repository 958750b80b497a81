package handlers

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// clientRateLimiter keeps one token bucket per client key. A bucket holds limit tokens
// and refills at limit per window, so a client may burst the full budget then continue at
// the sustained rate.
type clientRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu       sync.Mutex
	buckets  map[string]*clientBucket
	lastScan time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &clientRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*clientBucket),
	}
}

// Allow consumes one token for key. When the bucket is empty it reports how long the
// client should wait before the next token is available.
func (l *clientRateLimiter) Allow(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdleLocked(now)
	bucket, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		bucket = &clientBucket{limiter: rate.NewLimiter(every, l.limit)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now

	if bucket.limiter.AllowN(now, 1) {
		return true, 0
	}
	deficit := 1 - bucket.limiter.TokensAt(now)
	wait := time.Duration(math.Ceil(deficit * float64(l.window) / float64(l.limit)))
	return false, wait
}

// evictIdleLocked drops buckets untouched for a full window; they would be full again.
func (l *clientRateLimiter) evictIdleLocked(now time.Time) {
	if now.Sub(l.lastScan) < l.window {
		return
	}
	l.lastScan = now
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= l.window {
			delete(l.buckets, key)
		}
	}
}
