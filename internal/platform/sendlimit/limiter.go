// Package sendlimit throttles outbound mail per recipient so a runaway send
// loop cannot flood a peer's mailbox.
package sendlimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RecipientLimiter hands out send permits per recipient address. Each
// recipient owns a token bucket refilling at the configured per-minute rate;
// recipients idle past the retention window are forgotten on the next sweep.
// The nil limiter permits everything.
type RecipientLimiter struct {
	refill    rate.Limit
	burst     int
	retention time.Duration

	mu        sync.Mutex
	buckets   map[string]*sendBucket
	nextSweep time.Time
}

type sendBucket struct {
	tokens   *rate.Limiter
	lastSend time.Time
}

// PerMinute builds a limiter allowing perMin sends per recipient and minute,
// with up to burst of them back to back. perMin <= 0 disables limiting.
func PerMinute(perMin, burst int, retention time.Duration) *RecipientLimiter {
	if perMin <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &RecipientLimiter{
		refill:    rate.Limit(float64(perMin) / 60.0),
		burst:     burst,
		retention: retention,
		buckets:   make(map[string]*sendBucket),
	}
}

// Permit consumes one send toward the recipient at now. An empty recipient is
// never limited.
func (l *RecipientLimiter) Permit(recipient string, now time.Time) bool {
	if l == nil {
		return true
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !now.Before(l.nextSweep) {
		l.dropIdleLocked(now)
		l.nextSweep = now.Add(l.retention / 2)
	}

	b := l.buckets[recipient]
	if b == nil {
		b = &sendBucket{tokens: rate.NewLimiter(l.refill, l.burst)}
		l.buckets[recipient] = b
	}
	b.lastSend = now
	return b.tokens.AllowN(now, 1)
}

// Tracked reports how many recipients currently hold a bucket.
func (l *RecipientLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RecipientLimiter) dropIdleLocked(now time.Time) {
	cutoff := now.Add(-l.retention)
	for addr, b := range l.buckets {
		if b.lastSend.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
}
