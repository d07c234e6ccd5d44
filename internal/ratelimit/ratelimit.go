// Package ratelimit is the per-IP brute-force defense on /login
// (SPEC_FULL.md §4.8), independent of OtpService's own DB-backed issuance
// rate limit. Grounded in the fazt-sh-fazt example's use of
// golang.org/x/time/rate for request throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out a token-bucket rate.Limiter per IP, lazily created.
// Entries are removed only by Sweep; nothing in this package or in main
// calls it on a schedule.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	r        rate.Limit
	burst    int
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter allowing perMinute requests per IP on average, with
// burst as the bucket size.
func New(perMinute float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*entry),
		r:        rate.Limit(perMinute / 60.0),
		burst:    burst,
	}
}

// Allow reports whether ip may proceed right now, consuming a token if so.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Sweep discards entries idle for longer than maxIdle, bounding the map's
// growth under a sustained flood of distinct source IPs.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
