// Package health runs liveness and readiness probes in the background and
// serves their latest results on /livez and /readyz.
//
// A probe flips to unhealthy only after FailureThreshold consecutive
// failures and back after SuccessThreshold consecutive successes, so a
// single slow database ping does not pull the API out of rotation.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind separates liveness from readiness probes.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Options tunes probe scheduling.
type Options struct {
	Interval         time.Duration
	FailureThreshold int
	SuccessThreshold int
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
}

// probe is driven by a single goroutine; healthy and lastErr are read by
// HTTP handlers concurrently.
type probe struct {
	name    string
	kind    Kind
	timeout time.Duration
	check   CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[string]

	fails int
	oks   int
}

func (p *probe) run(ctx context.Context, opts Options) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		msg := err.Error()
		p.lastErr.Store(&msg)
		p.oks = 0
		p.fails++
		if p.fails >= opts.FailureThreshold && p.healthy.Swap(false) {
			zctx.From(ctx).Warn("Probe unhealthy",
				zap.String("probe", p.name),
				zap.Stringer("kind", p.kind),
				zap.Error(err),
			)
		}
		return
	}
	p.lastErr.Store(nil)
	p.fails = 0
	p.oks++
	if p.oks >= opts.SuccessThreshold && !p.healthy.Swap(true) {
		zctx.From(ctx).Info("Probe recovered", zap.String("probe", p.name), zap.Stringer("kind", p.kind))
	}
}

// failure returns the reason a probe is unhealthy, or "" when it is healthy.
func (p *probe) failure() string {
	if p.healthy.Load() {
		return ""
	}
	if msg := p.lastErr.Load(); msg != nil {
		return *msg
	}
	return "check is unhealthy"
}

// Health holds the registered probes and the manual readiness flag.
type Health struct {
	opts  Options
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
}

// New creates a Health that is not ready until SetReady(true).
func New(opts Options) *Health {
	opts.setDefaults()
	return &Health{opts: opts}
}

// Register adds a probe. Probes start healthy. Register before Run.
func (h *Health) Register(kind Kind, name string, timeout time.Duration, check CheckFunc) {
	p := &probe{name: name, kind: kind, timeout: timeout, check: check}
	p.healthy.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

func (h *Health) snapshot(kind Kind) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*probe
	for _, p := range h.probes {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Run executes every probe at the configured interval until ctx is done.
func (h *Health) Run(ctx context.Context) error {
	h.mu.RLock()
	probes := slices.Clone(h.probes)
	h.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range probes {
		g.Go(func() error {
			ticker := time.NewTicker(h.opts.Interval)
			defer ticker.Stop()
			for {
				p.run(ctx, h.opts)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// SetReady toggles readiness, e.g. false while draining on shutdown.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// IsReady reports the manual flag combined with all readiness probes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, p := range h.snapshot(Readiness) {
		if !p.healthy.Load() {
			return false
		}
	}
	return true
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(Liveness)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	f := failures(h.snapshot(Readiness))
	if !h.ready.Load() {
		f["_readiness"] = "service is not ready"
	}
	writeStatus(w, f)
}

func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if msg := p.failure(); msg != "" {
			out[p.name] = msg
		}
	}
	return out
}

// writeStatus writes {"status":"ok"} or 503 with
// {"status":"unhealthy","checks":{name: reason}}.
func writeStatus(w http.ResponseWriter, failed map[string]string) {
	status, code := "ok", http.StatusOK
	if len(failed) > 0 {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(status) })
		if len(failed) == 0 {
			return
		}
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		slices.Sort(names)
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failed[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
