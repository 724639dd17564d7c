// RateLimiter guards the REST surface's authentication step against
// credential guessing. It is distinct from the per-token request-rate
// limiting that wraps authenticated calls (golang.org/x/time/rate) — this
// limiter only ever sees callers who have *not yet* presented a valid
// operator token.
package auth

import (
	"sync"
	"time"
)

const (
	maxAuthAttempts = 5 // per IP within the window
	authWindow      = 5 * time.Minute
	authLockout     = 10 // consecutive failures before lockout
	authLockoutDur  = 30 * time.Minute
)

// AuthAttempt tracks failed REST authentication attempts for an IP.
type AuthAttempt struct {
	Count     int
	FirstAt   time.Time
	BlockedAt time.Time // non-zero if blocked
}

// RateLimiter tracks per-IP authentication failure rates.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*AuthAttempt
}

// NewRateLimiter creates a new authentication rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]*AuthAttempt),
	}
}

// Allow checks if a request from the given IP may attempt authentication.
// Returns true if allowed, false if rate-limited.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &AuthAttempt{Count: 1, FirstAt: now}
		return true
	}

	// If blocked, check if cooldown has expired.
	if !a.BlockedAt.IsZero() {
		if now.Before(a.BlockedAt.Add(authLockoutDur)) {
			return false
		}
		// Cooldown expired — reset.
		a.Count = 1
		a.FirstAt = now
		a.BlockedAt = time.Time{}
		return true
	}

	// Reset window if it's expired.
	if now.After(a.FirstAt.Add(authWindow)) {
		a.Count = 1
		a.FirstAt = now
		return true
	}

	a.Count++
	if a.Count > maxAuthAttempts {
		a.BlockedAt = now
		return false
	}
	return true
}

// RecordFailure records a failed authentication attempt for an IP, blocking
// it for authLockoutDur once the count reaches authLockout.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &AuthAttempt{Count: 1, FirstAt: time.Now()}
		return
	}
	a.Count++
	if a.Count >= authLockout {
		a.BlockedAt = time.Now()
	}
}

// Reset clears rate limit state for an IP (called on successful authentication).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, a := range rl.attempts {
		if !a.BlockedAt.IsZero() {
			if now.After(a.BlockedAt.Add(authLockoutDur)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.FirstAt.Add(authWindow)) {
			delete(rl.attempts, ip)
		}
	}
}
