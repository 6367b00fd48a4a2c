package handlers

import "time"

// RateLimiter is a per-connection sliding-window limiter. Every attempt is
// recorded, including rejected ones, so a client that keeps flooding stays
// limited until it pauses for a full window.
//
// A RateLimiter is owned by one reader goroutine and is not safe for
// concurrent use.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time
	stamps []time.Time
}

// NewRateLimiter creates a limiter admitting at most max attempts per window.
// A nil now uses time.Now.
//
// Precondition: max >= 1 and window > 0.
// Postcondition: Returns a limiter with no recorded attempts.
func NewRateLimiter(max int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{max: max, window: window, now: now}
}

// Allow records one attempt and reports whether it is within the limit.
//
// Postcondition: Returns false when more than max attempts, counting this
// one, fall within the trailing window.
func (r *RateLimiter) Allow() bool {
	now := r.now()
	expired := 0
	for expired < len(r.stamps) && now.Sub(r.stamps[expired]) >= r.window {
		expired++
	}
	r.stamps = append(r.stamps[expired:], now)
	// Only the newest max+1 stamps can affect the outcome.
	if over := len(r.stamps) - (r.max + 1); over > 0 {
		r.stamps = r.stamps[over:]
	}
	return len(r.stamps) <= r.max
}
