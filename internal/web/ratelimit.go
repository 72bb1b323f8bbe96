package web

import (
	"context"
	"sync"
	"time"
)

const (
	// MaxGenerateRequestsPerMinute limits generate requests per session.
	MaxGenerateRequestsPerMinute = 5
	// MaxUploadRequestsPerMinute limits file uploads per session.
	MaxUploadRequestsPerMinute = 10

	// cleanupInterval is how often idle buckets are dropped
	cleanupInterval = 5 * time.Minute
	// maxSessionAge is the idle time after which a bucket is dropped
	maxSessionAge = 30 * time.Minute
)

// action is a rate limited request kind.
type action int

const (
	actionGenerate action = iota
	actionUpload
)

func (a action) perMinute() float64 {
	if a == actionUpload {
		return MaxUploadRequestsPerMinute
	}
	return MaxGenerateRequestsPerMinute
}

type bucketKey struct {
	session string
	action  action
}

// bucket holds fractional tokens that refill continuously up to the
// per-minute rate.
type bucket struct {
	tokens float64
	seen   time.Time
}

// rateLimiter keeps one bucket per session and action.
type rateLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

func (rl *rateLimiter) allowGenerate(sessionID string) bool {
	return rl.take(bucketKey{sessionID, actionGenerate})
}

func (rl *rateLimiter) allowUpload(sessionID string) bool {
	return rl.take(bucketKey{sessionID, actionUpload})
}

func (rl *rateLimiter) take(key bucketKey) bool {
	now := rl.now()
	rate := key.action.perMinute()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rate, seen: now}
		rl.buckets[key] = b
	}
	b.tokens = min(rate, b.tokens+now.Sub(b.seen).Minutes()*rate)
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// cleanupStale drops buckets untouched for longer than maxAge.
func (rl *rateLimiter) cleanupStale(maxAge time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.seen) > maxAge {
			delete(rl.buckets, key)
		}
	}
}

// startCleanup runs cleanupStale until ctx is cancelled.
func (rl *rateLimiter) startCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupStale(maxSessionAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}
