package transfer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitEntry tracks one source IP's limiter and when it was last used.
type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter caps transfer requests per source IP so one client cannot
// monopolize the file port with connection churn. Idle entries are evicted
// periodically.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry

	limit  rate.Limit
	burst  int
	maxAge time.Duration
	stopCh chan struct{}
	once   sync.Once
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		limit:   limit,
		burst:   burst,
		maxAge:  10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// allow reports whether the IP may open another transfer now.
func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *ipRateLimiter) stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.maxAge)
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}
