package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerIPLimiter is a pre-auth token bucket per source IP. It sits in front of
// the authenticated KV-backed tier limiter and sheds abusive traffic before
// any key lookup. Loopback sources are exempt so health probes and local
// tooling never get throttled.
type PerIPLimiter struct {
	mu            sync.Mutex
	clients       map[string]*ipBucket
	limit         rate.Limit
	burst         int
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerIPLimiter creates a limiter admitting perSecond sustained requests
// with the given burst per client IP.
func NewPerIPLimiter(perSecond float64, burst int) *PerIPLimiter {
	rl := &PerIPLimiter{
		clients:       make(map[string]*ipBucket),
		limit:         rate.Limit(perSecond),
		burst:         burst,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		stopCh:        make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Middleware enforces the per-IP limit.
func (rl *PerIPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if isLoopback(ip) {
			next.ServeHTTP(w, r)
			return
		}

		limiter := rl.limiterFor(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		if !limiter.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate_limited",
				"too many requests from this address")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))

		next.ServeHTTP(w, r)
	})
}

func (rl *PerIPLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.clients[ip]
	if !exists {
		b = &ipBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// cleanup removes stale client entries
func (rl *PerIPLimiter) cleanup() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, b := range rl.clients {
				// Remove clients that haven't made requests in 10 minutes
				if now.Sub(b.lastSeen) > 10*time.Minute {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup loop.
func (rl *PerIPLimiter) Stop() {
	rl.cleanupTicker.Stop()
	close(rl.stopCh)
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
