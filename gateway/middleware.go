package gateway

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// RateLimit configures the per-client request limiter.
type RateLimit struct {
	// RequestsPerMinute caps sustained throughput per client. Zero disables
	// limiting.
	RequestsPerMinute float64
	// Burst is the instantaneous burst allowance per client.
	Burst int
}

type rateLimiter struct {
	cfg   RateLimit
	nowFn func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdleEviction = 10 * time.Minute

func newRateLimiter(cfg RateLimit, nowFn func() time.Time) *rateLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &rateLimiter{cfg: cfg, nowFn: nowFn, clients: make(map[string]*clientLimiter)}
}

// middleware keys limiters by API key when present, falling back to the
// remote address for unauthenticated routes.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cfg.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		client := r.Header.Get(HeaderAPIKey)
		if client == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			client = host
		}
		if !rl.allow(client) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.nowFn()
	entry, ok := rl.clients[client]
	if !ok {
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerMinute/60.0), rl.cfg.Burst),
		}
		rl.clients[client] = entry
	}
	entry.lastSeen = now
	for key, stale := range rl.clients {
		if now.Sub(stale.lastSeen) > limiterIdleEviction {
			delete(rl.clients, key)
		}
	}
	return entry.limiter.Allow()
}

// HTTPObserver receives one observation per completed request.
type HTTPObserver interface {
	ObserveHTTP(route, method, status string, duration time.Duration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe records request count and latency per route pattern.
func observe(sink HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sink == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			sink.ObserveHTTP(route, r.Method, strconv.Itoa(recorder.status), time.Since(start))
		})
	}
}
