package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"bulletin-notifier/metrics"

	"golang.org/x/time/rate"
)

const limiterIdle = 2 * time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter holds one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	every   rate.Limit
	burst   int
	now     func() time.Time
	sweptAt time.Time
}

func newIPLimiter(perHour, burst int) *ipLimiter {
	if perHour <= 0 {
		perHour = 10
	}
	if burst <= 0 {
		burst = 3
	}
	return &ipLimiter{
		clients: make(map[string]*limiterEntry),
		every:   rate.Every(time.Hour / time.Duration(perHour)),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.sweptAt) > limiterIdle {
		for k, e := range l.clients {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.sweptAt = now
	}

	e, ok := l.clients[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *Server) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !s.limiter.allow(ip) {
				metrics.RecordRateLimited(route)
				s.logger.Warn("Rate limit exceeded", "ip", ip, "route", route)
				http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the caller's address from RemoteAddr. The router runs
// middleware.RealIP, which rewrites RemoteAddr from X-Real-IP or
// X-Forwarded-For, so a client that sets those headers picks its own limiter
// bucket unless a trusted proxy in front overwrites them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
