package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle hands out a token bucket per client IP. A limit of zero or less
// disables throttling.
type Throttle struct {
	perMinute int
	idleAfter time.Duration

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle allows perMinute requests per client, with a burst of the same size.
func NewThrottle(perMinute int) *Throttle {
	return &Throttle{
		perMinute: perMinute,
		idleAfter: 10 * time.Minute,
		limiters:  make(map[string]*clientLimiter),
		now:       time.Now,
	}
}

// Allow reports whether the client may proceed, and if not how long it
// should wait.
func (t *Throttle) Allow(client string) (time.Duration, bool) {
	if t == nil || t.perMinute <= 0 {
		return 0, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, cl := range t.limiters {
		if now.Sub(cl.lastSeen) > t.idleAfter {
			delete(t.limiters, k)
		}
	}
	cl, ok := t.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.perMinute)), t.perMinute)}
		t.limiters[client] = cl
	}
	cl.lastSeen = now

	res := cl.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// clientIP extracts the client address, honouring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
