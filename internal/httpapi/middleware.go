package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"passage.org/internal/audit"
	"passage.org/internal/ids"
	"passage.org/internal/obs"
)

const (
	requestIDHeader = "X-Request-ID"
	deviceIDHeader  = "X-Device-ID"
	maxRequestIDLen = 128
)

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}

// RequestID accepts a sane inbound X-Request-ID or assigns a fresh one, echoes
// it on the response and makes it visible to handlers and the audit trail.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > maxRequestIDLen || strings.ContainsAny(rid, " \t\r\n") {
			rid = ids.Correlation()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingJSON emits one request_complete line per request. Bodies are never logged.
func LoggingJSON(origin func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			obs.LogRequest(map[string]any{
				"request_id":  RequestIDFromContext(r.Context()),
				"method":      r.Method,
				"path":        obs.CanonicalPath(r.URL.Path),
				"status":      sw.code,
				"duration_ms": time.Since(start).Milliseconds(),
				"origin":      origin(r),
				"user_agent":  r.UserAgent(),
			})
		})
	}
}

// SecurityHeaders sets hardening headers. Activation responses may carry a
// one-time secret or a session credential, so nothing is cacheable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// floodGuard is a per-origin token bucket. It only blunts bursts; the
// sliding-window budgets are enforced by the activation service.
type floodGuard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	swept   time.Time
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newFloodGuard(perSecond float64, burst int) *floodGuard {
	return &floodGuard{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

func (g *floodGuard) allow(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Sub(g.swept) > time.Minute {
		for k, b := range g.buckets {
			if now.Sub(b.seen) > g.ttl {
				delete(g.buckets, k)
			}
		}
		g.swept = now
	}
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// RateLimit: token-bucket per client origin
func RateLimit(next http.Handler, burst int, perSecond float64, origin func(*http.Request) string) http.Handler {
	guard := newFloodGuard(perSecond, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := origin(r)
		if key == "" {
			key = "unknown"
		}
		if !guard.allow(key) {
			retry := 1
			if perSecond > 0 && perSecond < 1 {
				retry = int(1/perSecond) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginResolver derives the caller origin. Forwarded headers are honoured
// only behind a trusted proxy.
type OriginResolver struct {
	TrustProxy bool
}

func (o OriginResolver) Origin(r *http.Request) string {
	if o.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
		if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
