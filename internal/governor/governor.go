// Package governor shapes the application's outbound calls: concurrent
// identical calls are collapsed onto one in-flight execution; each endpoint is
// paced by a minimum interval and a sliding-window quota, and a throttling
// response from the remote widens the interval adaptively.
package governor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Executor performs the actual outbound call.
type Executor func(ctx context.Context) (any, error)

// Options tunes a single Do call.
type Options struct {
	// BypassDeduplication forces a fresh execution even when an identical
	// call is already in flight.
	BypassDeduplication bool
}

// Policy paces calls to one endpoint: at least MinInterval between calls,
// and at most MaxRequests within any trailing Window. Zero fields disable
// the corresponding check.
type Policy struct {
	MinInterval time.Duration
	MaxRequests int
	Window      time.Duration
}

// PolicyRule binds a policy to endpoints whose URL contains Match.
type PolicyRule struct {
	Match  string
	Policy Policy
}

// Config configures a Governor.
type Config struct {
	// DefaultPolicy applies to endpoints matching no rule.
	DefaultPolicy Policy
	// Rules are evaluated in order; first substring match wins.
	Rules []PolicyRule

	// SweepInterval is the cadence of the background stale sweep.
	SweepInterval time.Duration
	// StaleAfter is the age past which pending calls are evicted and idle
	// endpoint timings dropped.
	StaleAfter time.Duration

	// MaxMinInterval caps adaptive backoff growth.
	MaxMinInterval time.Duration
	// BackoffFloor seeds the backoff when an endpoint's interval is zero.
	BackoffFloor time.Duration

	// Registerer receives the governor's metrics. Defaults to the global
	// prometheus registerer.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the standard pacing and sweep settings.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:  Policy{MinInterval: 100 * time.Millisecond, MaxRequests: 30, Window: time.Minute},
		SweepInterval:  30 * time.Second,
		StaleAfter:     5 * time.Minute,
		MaxMinInterval: 5 * time.Second,
		BackoffFloor:   250 * time.Millisecond,
	}
}

type metrics struct {
	dedupHits      prometheus.Counter
	backoffs       prometheus.Counter
	sweepEvictions prometheus.Counter
	inflight       prometheus.Gauge
}

// pendingCall is one in-flight outbound call. At most one exists per
// signature; consumers counts the callers sharing its result and is
// informational only.
type pendingCall struct {
	done       chan struct{}
	val        any
	err        error
	settleOnce sync.Once
	enqueuedAt time.Time
	consumers  int
}

// endpointTiming tracks pacing state for one endpoint. Admission checks
// and timestamp recording happen under mu as a single step, so two
// concurrent calls can never both observe spare capacity.
type endpointTiming struct {
	mu          sync.Mutex
	lastRequest time.Time
	recent      []time.Time
	minInterval time.Duration
	lastSeen    time.Time
}

// Governor deduplicates and paces outbound calls. Create with New, then
// Start to run the stale sweep; Stop shuts the sweep down deterministically.
type Governor struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics

	mu      sync.Mutex
	pending map[string]*pendingCall
	timings map[string]*endpointTiming

	stop      chan struct{}
	sweepDone chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Governor. The sweep does not run until Start is called.
func New(cfg Config, logger zerolog.Logger) *Governor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxMinInterval <= 0 {
		cfg.MaxMinInterval = 5 * time.Second
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = 250 * time.Millisecond
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Governor{
		cfg:    cfg,
		logger: logger,
		metrics: &metrics{
			dedupHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "edgegate_governor_dedup_hits_total",
				Help: "Calls that joined an existing in-flight execution",
			}),
			backoffs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "edgegate_governor_backoffs_total",
				Help: "Adaptive backoff widenings after throttling signals",
			}),
			sweepEvictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "edgegate_governor_sweep_evictions_total",
				Help: "Stale pending calls evicted by the background sweep",
			}),
			inflight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "edgegate_governor_inflight",
				Help: "Outbound calls currently in flight",
			}),
		},
		pending:   make(map[string]*pendingCall),
		timings:   make(map[string]*endpointTiming),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start launches the background stale sweep.
func (g *Governor) Start() {
	g.startOnce.Do(func() {
		go g.sweepLoop()
	})
}

// Stop halts the stale sweep and waits for it to exit. In-flight calls are
// unaffected.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	g.startOnce.Do(func() {
		close(g.sweepDone) // sweep never started
	})
	<-g.sweepDone
}

// Do executes the request through deduplication and pacing. All callers
// that share a signature receive the same result (value or error). The
// executor runs on a context detached from ctx, so one caller abandoning
// the call does not disturb the others; the abandoning caller itself gets
// ctx.Err().
func (g *Governor) Do(ctx context.Context, req Request, exec Executor) (any, error) {
	return g.DoWithOptions(ctx, req, exec, Options{})
}

// DoWithOptions is Do with explicit options.
func (g *Governor) DoWithOptions(ctx context.Context, req Request, exec Executor, opts Options) (any, error) {
	if opts.BypassDeduplication {
		pc := &pendingCall{done: make(chan struct{}), enqueuedAt: time.Now(), consumers: 1}
		go g.run(ctx, "", req, exec, pc)
		return g.await(ctx, pc)
	}

	sig := req.Signature()

	g.mu.Lock()
	if pc, ok := g.pending[sig]; ok {
		pc.consumers++
		consumers := pc.consumers
		g.mu.Unlock()
		g.metrics.dedupHits.Inc()
		g.logger.Debug().
			Str("signature", sig).
			Str("url", req.URL).
			Int("consumers", consumers).
			Msg("joined in-flight call")
		return g.await(ctx, pc)
	}
	pc := &pendingCall{done: make(chan struct{}), enqueuedAt: time.Now(), consumers: 1}
	g.pending[sig] = pc
	g.mu.Unlock()

	go g.run(ctx, sig, req, exec, pc)
	return g.await(ctx, pc)
}

// run admits, executes and settles one call. It owns the only send into
// pc; waiters observe the result through pc.done.
func (g *Governor) run(ctx context.Context, sig string, req Request, exec Executor, pc *pendingCall) {
	// Detached from the enqueuing caller: its cancellation must not fail
	// the shared call for everyone else.
	execCtx := context.WithoutCancel(ctx)

	g.metrics.inflight.Inc()
	defer g.metrics.inflight.Dec()

	if err := g.admit(execCtx, req.URL); err != nil {
		g.settle(sig, pc, nil, err)
		return
	}

	val, err := exec(execCtx)
	if err != nil && isThrottlingSignal(err) {
		g.noteThrottled(req.URL)
	}
	g.settle(sig, pc, val, err)
}

func (g *Governor) await(ctx context.Context, pc *pendingCall) (any, error) {
	select {
	case <-pc.done:
		return pc.val, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) settle(sig string, pc *pendingCall, val any, err error) {
	pc.settleOnce.Do(func() {
		pc.val = val
		pc.err = err
		close(pc.done)
	})
	if sig == "" {
		return
	}
	g.mu.Lock()
	if g.pending[sig] == pc {
		delete(g.pending, sig)
	}
	g.mu.Unlock()
}

// admit blocks until the endpoint's minimum interval has elapsed and its
// window has capacity, then records the attempt. Check and record happen
// under the endpoint's lock as one step.
func (g *Governor) admit(ctx context.Context, endpoint string) error {
	policy := g.policyFor(endpoint)
	t := g.timing(endpoint, policy)

	for {
		t.mu.Lock()
		now := time.Now()
		t.lastSeen = now

		var wait time.Duration
		if t.minInterval > 0 && !t.lastRequest.IsZero() {
			if d := t.minInterval - now.Sub(t.lastRequest); d > wait {
				wait = d
			}
		}
		if policy.Window > 0 {
			cutoff := now.Add(-policy.Window)
			first := 0
			for first < len(t.recent) && !t.recent[first].After(cutoff) {
				first++
			}
			t.recent = t.recent[first:]
			if policy.MaxRequests > 0 && len(t.recent) >= policy.MaxRequests {
				if d := t.recent[0].Add(policy.Window).Sub(now); d > wait {
					wait = d
				}
			}
		}

		if wait <= 0 {
			t.recent = append(t.recent, now)
			t.lastRequest = now
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// noteThrottled doubles the endpoint's minimum interval, capped at
// MaxMinInterval. Repeated throttling signals cannot grow it unbounded.
func (g *Governor) noteThrottled(endpoint string) {
	policy := g.policyFor(endpoint)
	t := g.timing(endpoint, policy)

	t.mu.Lock()
	cur := t.minInterval
	if cur <= 0 {
		cur = g.cfg.BackoffFloor
	} else {
		cur *= 2
	}
	if cur > g.cfg.MaxMinInterval {
		cur = g.cfg.MaxMinInterval
	}
	t.minInterval = cur
	t.mu.Unlock()

	g.metrics.backoffs.Inc()
	g.logger.Warn().
		Str("endpoint", endpoint).
		Dur("min_interval", cur).
		Msg("throttling signal received, widening request interval")
}

// MinInterval reports the endpoint's current effective minimum interval.
func (g *Governor) MinInterval(endpoint string) time.Duration {
	policy := g.policyFor(endpoint)
	t := g.timing(endpoint, policy)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minInterval
}

func (g *Governor) policyFor(endpoint string) Policy {
	for _, rule := range g.cfg.Rules {
		if strings.Contains(endpoint, rule.Match) {
			return rule.Policy
		}
	}
	return g.cfg.DefaultPolicy
}

// timing returns the endpoint's pacing state, creating it on first use.
func (g *Governor) timing(endpoint string, policy Policy) *endpointTiming {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timings[endpoint]; ok {
		return t
	}
	t := &endpointTiming{minInterval: policy.MinInterval, lastSeen: time.Now()}
	g.timings[endpoint] = t
	return t
}

func (g *Governor) sweepLoop() {
	defer close(g.sweepDone)
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep evicts pending calls older than StaleAfter and endpoint timings
// idle for longer. Both are safety nets against leaked, never-settling
// futures; settled calls clean themselves up. The sweep runs on a single
// goroutine, so invocations never overlap.
func (g *Governor) sweep() {
	cutoff := time.Now().Add(-g.cfg.StaleAfter)

	var stale []*pendingCall
	g.mu.Lock()
	for sig, pc := range g.pending {
		if pc.enqueuedAt.Before(cutoff) {
			delete(g.pending, sig)
			stale = append(stale, pc)
		}
	}
	for endpoint, t := range g.timings {
		t.mu.Lock()
		idle := t.lastSeen.Before(cutoff)
		t.mu.Unlock()
		if idle {
			delete(g.timings, endpoint)
		}
	}
	g.mu.Unlock()

	for _, pc := range stale {
		pc.settleOnce.Do(func() {
			pc.err = ErrStalePending
			close(pc.done)
		})
		g.metrics.sweepEvictions.Inc()
	}
	if len(stale) > 0 {
		g.logger.Warn().Int("evicted", len(stale)).Msg("stale pending calls evicted")
	}
}
