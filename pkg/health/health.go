// Package health serves liveness and readiness probes.
//
// Each check runs in its own goroutine at a fixed interval. A check flips to
// unhealthy after FailureThreshold consecutive failures and back to healthy
// after SuccessThreshold consecutive passes, so a single slow ping does not
// take the server out of rotation.
package health

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects which probe a check contributes to.
type Kind string

const (
	Liveness  Kind = "liveness"
	Readiness Kind = "readiness"
)

// Options tune a single check. Zero fields take the defaults.
type Options struct {
	Timeout          time.Duration // default 1s
	FailureThreshold int           // default 3
	SuccessThreshold int           // default 1
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
	return o
}

// probe is one registered check. run is only ever called from a single
// goroutine, so the streak counters need no locking; healthy and lastErr are
// read concurrently by the HTTP handlers.
type probe struct {
	name  string
	kind  Kind
	opts  Options
	check CheckFunc

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.opts.FailureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.opts.SuccessThreshold {
		p.healthy.Store(true)
	}
}

func (p *probe) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Health tracks probe state for one process. It starts not ready; call
// SetReady(true) once initialization finishes.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New creates a Health with no checks.
func New() *Health {
	return &Health{}
}

// Add registers a check. Checks are assumed healthy until proven otherwise.
func (h *Health) Add(kind Kind, name string, check CheckFunc, opts Options) {
	p := &probe{name: name, kind: kind, opts: opts.withDefaults(), check: check}
	p.healthy.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, p)
}

// AddLivenessCheck registers a liveness check with the given timeout.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Add(Liveness, name, check, Options{Timeout: timeout})
}

// AddReadinessCheck registers a readiness check with the given timeout.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Add(Readiness, name, check, Options{Timeout: timeout})
}

func (h *Health) snapshot(kind Kind) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*probe, 0, len(h.probes))
	for _, p := range h.probes {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Start runs every registered check now and then every interval until Stop
// is called or ctx is cancelled.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := slices.Clone(h.probes)
	h.mu.Unlock()

	for _, p := range probes {
		go loop(ctx, p, interval)
	}
}

func loop(ctx context.Context, p *probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness flag, typically false at the start of
// graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the flag is set and every readiness check passes.
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

// Observe publishes each check's state as the gauge tonearm.health.check
// (1 healthy, 0 unhealthy) labelled by check name and kind.
func (h *Health) Observe(mp metric.MeterProvider) error {
	meter := mp.Meter("github.com/xenking/tonearm/pkg/health")
	gauge, err := meter.Int64ObservableGauge("tonearm.health.check",
		metric.WithDescription("Health check state, 1 when healthy"),
	)
	if err != nil {
		return errors.Wrap(err, "create health gauge")
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		h.mu.RLock()
		probes := slices.Clone(h.probes)
		h.mu.RUnlock()

		for _, p := range probes {
			var v int64
			if p.healthy.Load() {
				v = 1
			}
			o.ObserveInt64(gauge, v, metric.WithAttributes(
				attribute.String("check", p.name),
				attribute.String("kind", string(p.kind)),
			))
		}
		return nil
	}, gauge)
	if err != nil {
		return errors.Wrap(err, "register health callback")
	}
	return nil
}

// LiveEndpoint serves /livez: 200 when every liveness check passes, 503
// otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.snapshot(Liveness), true)
}

// ReadyEndpoint serves /readyz: 200 when the server is marked ready and
// every readiness check passes, 503 otherwise.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.snapshot(Readiness), h.ready.Load())
}

// writeReport writes {"status":..., "checks":{name:{"healthy":...,"error":...}}}.
// Checks are sorted by name; error is present only for failing checks.
func writeReport(w http.ResponseWriter, probes []*probe, ready bool) {
	slices.SortFunc(probes, func(a, b *probe) int { return cmp.Compare(a.name, b.name) })

	ok := ready
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("checks")
	e.ObjStart()
	for _, p := range probes {
		healthy := p.healthy.Load()
		ok = ok && healthy

		e.FieldStart(p.name)
		e.ObjStart()
		e.FieldStart("healthy")
		e.Bool(healthy)
		if !healthy {
			msg := "check is unhealthy"
			if err := p.err(); err != nil {
				msg = err.Error()
			}
			e.FieldStart("error")
			e.Str(msg)
		}
		e.ObjEnd()
	}
	e.ObjEnd()
	e.FieldStart("ready")
	e.Bool(ready)
	e.FieldStart("status")
	status := http.StatusOK
	if ok {
		e.Str("ok")
	} else {
		e.Str("unhealthy")
		status = http.StatusServiceUnavailable
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
