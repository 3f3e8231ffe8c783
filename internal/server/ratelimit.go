package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goosewin/gralph-sub000/internal/logging"
)

// RateLimitConfig holds auth rate limiting configuration.
type RateLimitConfig struct {
	MaxAttempts int           // Maximum attempts per window
	Window      time.Duration // Sliding window length
	BlockAfter  int           // Block after this many consecutive failures
	BlockTime   time.Duration // Base block duration, doubles per repeat block
}

// DefaultRateLimitConfig returns the default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 5,
		Window:      time.Minute,
		BlockAfter:  10,
		BlockTime:   5 * time.Minute,
	}
}

// rateLimiter is a sliding window limiter with exponential backoff for
// repeated auth failures, keyed by client IP.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig

	attempts map[string][]time.Time
	failures map[string]int
	blocked  map[string]time.Time // block expiry per IP
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.BlockAfter <= 0 {
		config.BlockAfter = 10
	}
	if config.BlockTime <= 0 {
		config.BlockTime = 5 * time.Minute
	}

	return &rateLimiter{
		config:   config,
		attempts: make(map[string][]time.Time),
		failures: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
	IsBlocked  bool
	Reason     string
}

// check records an attempt and reports whether ip may proceed.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if blockExpiry, isBlocked := rl.blocked[ip]; isBlocked {
		if now.Before(blockExpiry) {
			return checkResult{
				Allowed:    false,
				RetryAfter: blockExpiry.Sub(now),
				IsBlocked:  true,
				Reason:     "too many failed attempts",
			}
		}
		delete(rl.blocked, ip)
	}

	windowStart := now.Add(-rl.config.Window)
	if timestamps, exists := rl.attempts[ip]; exists {
		valid := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				valid = append(valid, ts)
			}
		}
		rl.attempts[ip] = valid
	}

	if len(rl.attempts[ip]) >= rl.config.MaxAttempts {
		oldest := rl.attempts[ip][0]
		retryAfter := oldest.Add(rl.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = time.Second
		}
		return checkResult{
			Allowed:    false,
			RetryAfter: retryAfter,
			Reason:     "rate limit exceeded",
		}
	}

	rl.attempts[ip] = append(rl.attempts[ip], now)
	return checkResult{Allowed: true}
}

// recordSuccess resets the failure counter for ip.
func (rl *rateLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
	delete(rl.blocked, ip)
}

// recordFailure bumps the failure counter and blocks the IP with
// exponential backoff once it crosses the threshold.
func (rl *rateLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failures[ip]++
	failCount := rl.failures[ip]

	if failCount >= rl.config.BlockAfter {
		blocks := (failCount - rl.config.BlockAfter) / rl.config.BlockAfter
		blockDuration := rl.config.BlockTime * time.Duration(1<<blocks)

		const maxBlock = 24 * time.Hour
		if blockDuration > maxBlock {
			blockDuration = maxBlock
		}

		rl.blocked[ip] = time.Now().Add(blockDuration)
		logging.Warn("auth: ip blocked", "ip", ip, "duration", blockDuration, "failures", failCount)
	}
}

// cleanup prunes stale entries. Called periodically by the server.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.config.Window)

	for ip, timestamps := range rl.attempts {
		valid := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(windowStart) {
				valid = append(valid, ts)
			}
		}
		if len(valid) == 0 {
			delete(rl.attempts, ip)
		} else {
			rl.attempts[ip] = valid
		}
	}

	for ip, expiry := range rl.blocked {
		if now.After(expiry) {
			delete(rl.blocked, ip)
		}
	}

	// Failure counts persist only for blocked or recently active IPs.
	for ip := range rl.failures {
		if _, isBlocked := rl.blocked[ip]; !isBlocked {
			if _, hasAttempts := rl.attempts[ip]; !hasAttempts {
				delete(rl.failures, ip)
			}
		}
	}
}

// extractIP returns the client IP, honoring reverse proxy headers.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can be "client, proxy1, proxy2"
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
