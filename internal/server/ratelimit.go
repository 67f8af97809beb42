package server

import (
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateLimiter is a fixed-window in-memory counter keyed by client IP. Good
// enough for a single-process deployment; the map self-prunes as windows
// expire.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: map[string]*rateBucket{},
	}
}

// allow counts a request against key and reports whether it is within the
// limit, along with how many requests remain and when the window resets.
func (l *rateLimiter) allow(key string) (bool, int, time.Time) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}
	if b.count >= l.limit {
		return false, 0, b.resetAt
	}
	b.count++
	return true, l.limit - b.count, b.resetAt
}

// clientIP prefers the standard proxy headers and falls back to the socket
// peer address.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := req.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// newRateLimitMiddleware throttles the resume endpoints per client IP. Those
// endpoints take unauthenticated guesses at contact details, so they get a
// budget; the rest of the API passes through untouched.
func newRateLimitMiddleware(basePath string, l *rateLimiter) func(http.Handler) http.Handler {
	resumePrefix := path.Join(basePath, "resume")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limited := req.Method == http.MethodPost &&
				(req.URL.Path == resumePrefix || strings.HasPrefix(req.URL.Path, resumePrefix+"/"))
			if !limited {
				next.ServeHTTP(w, req)
				return
			}
			ok, remaining, resetAt := l.allow(clientIP(req))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if !ok {
				retry := int(time.Until(resetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited",
					"too many requests, try again later", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
