package security

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter grants each key a fixed budget of requests per window
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	budget  int
	every   time.Duration
	now     func() time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewRateLimiter allows budget requests per key in every window of length every
func NewRateLimiter(budget int, every time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		budget:  budget,
		every:   every,
		now:     time.Now,
	}
}

// Allow reports whether key still has budget in its current window
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Take(key)
	return ok
}

// Take spends one request of key's budget. When none is left it returns
// false and the time until the window resets.
func (rl *RateLimiter) Take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.every {
		w = &window{start: now}
		rl.windows[key] = w
	}
	if w.used >= rl.budget {
		return false, w.start.Add(rl.every).Sub(now)
	}
	w.used++
	return true, 0
}

// Run forgets idle keys until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.every * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.forgetIdle()
		}
	}
}

func (rl *RateLimiter) forgetIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-2 * rl.every)
	for key, w := range rl.windows {
		if w.start.Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}

// GetClientIP returns the first forwarded hop, X-Real-IP, or the peer address
func GetClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
