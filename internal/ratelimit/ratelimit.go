package ratelimit

import (
	"sync"
	"time"
)

// Limiter keeps per-IP request counters in fixed windows plus two TTL'd
// sets: tightened limits applied by enforcement and a monitoring list.
// Counters are eventually consistent; no cross-request ordering is needed.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	limits   map[string]limit
	monitors map[string]time.Time
	window   time.Duration
}

type counter struct {
	count   int
	resetAt time.Time
}

type limit struct {
	max     int
	expires time.Time
}

func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		counters: make(map[string]*counter),
		limits:   make(map[string]limit),
		monitors: make(map[string]time.Time),
		window:   window,
	}
}

// Incr bumps the counter for ip in the current window and returns the new
// count.
func (l *Limiter) Incr(ip string) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[ip]
	if !ok || now.After(c.resetAt) {
		c = &counter{resetAt: now.Add(l.window)}
		l.counters[ip] = c
	}
	c.count++
	if len(l.counters) > 10000 {
		l.compactLocked(now)
	}
	return c.count
}

// Tighten caps ip at max requests per window until ttl elapses. Re-applying
// the same cap extends the deadline; it never loosens an existing one.
func (l *Limiter) Tighten(ip string, max int, ttl time.Duration) {
	if max <= 0 || ttl <= 0 {
		return
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.limits[ip]
	if ok && now.Before(cur.expires) && cur.max < max {
		max = cur.max
	}
	l.limits[ip] = limit{max: max, expires: now.Add(ttl)}
}

// Limit returns the active cap for ip, if any.
func (l *Limiter) Limit(ip string) (int, bool) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.limits[ip]
	if !ok || now.After(cur.expires) {
		delete(l.limits, ip)
		return 0, false
	}
	return cur.max, true
}

// Allowed increments the counter and checks it against any tightened cap.
func (l *Limiter) Allowed(ip string) bool {
	n := l.Incr(ip)
	max, ok := l.Limit(ip)
	if !ok {
		return true
	}
	return n <= max
}

// Monitor adds ip to the monitoring set until ttl elapses.
func (l *Limiter) Monitor(ip string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.monitors[ip] = time.Now().Add(ttl)
}

// Monitored reports whether ip is currently on the monitoring list.
func (l *Limiter) Monitored(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.monitors[ip]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(l.monitors, ip)
		return false
	}
	return true
}

func (l *Limiter) compactLocked(now time.Time) {
	for ip, c := range l.counters {
		if now.After(c.resetAt) {
			delete(l.counters, ip)
		}
	}
	for ip, lim := range l.limits {
		if now.After(lim.expires) {
			delete(l.limits, ip)
		}
	}
	for ip, exp := range l.monitors {
		if now.After(exp) {
			delete(l.monitors, ip)
		}
	}
}
