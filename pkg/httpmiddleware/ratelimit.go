package httpmiddleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RateLimitConfig configures a sliding window limiter.
type RateLimitConfig struct {
	// Max requests per Window for one key.
	Max    int
	Window time.Duration
	// Key extracts the limiter key. Defaults to the client IP.
	Key func(*http.Request) string
	// TrustForwarded makes the default key read X-Forwarded-For.
	TrustForwarded bool
}

type window struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

// Limiter enforces a per-key sliding window request limit. The estimate is
// the current window count plus the previous window count weighted by how
// much of it the sliding window still covers.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewLimiter creates a limiter. Call Run to evict idle keys.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Key == nil {
		trust := cfg.TrustForwarded
		cfg.Key = func(r *http.Request) string { return ClientIP(r, trust) }
	}
	return &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*window),
	}
}

// take records a request for key if it fits the limit.
func (l *Limiter) take(key string) (remaining int, resetAt time.Time, ok bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.keys[key]
	if !found {
		w = &window{currStart: now.Truncate(l.cfg.Window)}
		l.keys[key] = w
	}
	if since := now.Sub(w.currStart); since >= l.cfg.Window {
		w.prevCount = w.currCount
		if since >= 2*l.cfg.Window {
			w.prevCount = 0
		}
		w.currCount = 0
		w.currStart = now.Truncate(l.cfg.Window)
	}

	covered := 1 - now.Sub(w.currStart).Seconds()/l.cfg.Window.Seconds()
	estimate := w.prevCount*math.Max(covered, 0) + w.currCount
	resetAt = w.currStart.Add(l.cfg.Window)

	if estimate >= float64(l.cfg.Max) {
		return 0, resetAt, false
	}
	w.currCount++
	return max(int(float64(l.cfg.Max)-estimate-1), 0), resetAt, true
}

func (l *Limiter) evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, w := range l.keys {
		if now.Sub(w.currStart) >= 2*l.cfg.Window {
			delete(l.keys, key)
			n++
		}
	}
	return n
}

// Run evicts idle keys every two windows until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.evict(l.now()); n > 0 {
				zctx.From(ctx).Debug("Rate limiter evicted idle keys", zap.Int("count", n))
			}
		}
	}
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Every response carries the X-RateLimit-* headers.
func (l *Limiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, resetAt, ok := l.take(l.cfg.Key(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !ok {
				wait := max(resetAt.Sub(l.now()), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
