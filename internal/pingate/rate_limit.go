package pingate

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"parental-gate/internal/observability"
)

const maxTrackedKeys = 5000

// AttemptRateLimiter is a sliding window in front of the guessing routes.
// It complements the per-record lockout, which does not count
// security-answer guesses. One limiter can be keyed by client address
// (Middleware) or by the subject in the route (SubjectMiddleware).
type AttemptRateLimiter struct {
	mu      sync.Mutex
	maxHits int
	window  time.Duration
	hits    map[string][]time.Time
	proxies observability.TrustedProxies
	now     func() time.Time
}

func NewAttemptRateLimiter(maxHits int, window time.Duration) *AttemptRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &AttemptRateLimiter{
		maxHits: maxHits,
		window:  window,
		hits:    make(map[string][]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTrustedProxies lets X-Forwarded-For name the client when the request
// arrives from one of proxies.
func (l *AttemptRateLimiter) WithTrustedProxies(proxies observability.TrustedProxies) *AttemptRateLimiter {
	l.proxies = proxies
	return l
}

func (l *AttemptRateLimiter) Middleware(next http.Handler) http.Handler {
	return l.limit(next, func(r *http.Request) string {
		return "ip:" + l.proxies.ClientIP(r)
	})
}

// SubjectMiddleware bounds attempts against one subject however many
// clients they come from.
func (l *AttemptRateLimiter) SubjectMiddleware(next http.Handler) http.Handler {
	return l.limit(next, func(r *http.Request) string {
		return "subject:" + r.PathValue("subjectID")
	})
}

func (l *AttemptRateLimiter) limit(next http.Handler, keyOf func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(keyOf(r), l.now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *AttemptRateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneHits(l.hits[key], cutoff)
	if len(recent) >= l.maxHits {
		l.hits[key] = recent
		retryAfter := recent[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	l.hits[key] = append(recent, now)

	if len(l.hits) > maxTrackedKeys {
		for k, hits := range l.hits {
			if len(pruneHits(hits, cutoff)) == 0 {
				delete(l.hits, k)
			}
		}
	}
	return true, 0
}

// pruneHits drops hits at or before cutoff. hits is ordered oldest first.
func pruneHits(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
