// Package ratelimit provides a named collection of sliding-window rate
// limiters backed by the shared store, fronted by a process-local burst
// guard so a misbehaving client is cut off before it reaches the backend.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/internal/ban"
	"github.com/edgegate/edgegate/internal/store"
)

// Kind names one of the fixed limiters in the bank. Each kind has its own
// quota and an isolated key namespace in the store, so kinds never
// interfere with one another.
type Kind string

const (
	KindDefault      Kind = "default"
	KindAuth         Kind = "auth"
	KindAPI          Kind = "api"
	KindAPIVersioned Kind = "api_versioned"
	KindAI           Kind = "ai"
	KindSlow         Kind = "slow"
)

// Policy is one limiter's quota: at most Limit admitted requests within any
// trailing Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the standard quota set.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindDefault:      {Limit: 60, Window: time.Minute},
		KindAuth:         {Limit: 10, Window: time.Minute},
		KindAPI:          {Limit: 120, Window: time.Minute},
		KindAPIVersioned: {Limit: 100, Window: time.Minute},
		KindAI:           {Limit: 20, Window: time.Hour},
		KindSlow:         {Limit: 10, Window: 5 * time.Minute},
	}
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    int64 // epoch seconds when the oldest window entry expires
	RetryAfter time.Duration
}

// Config configures a Bank.
type Config struct {
	// Policies maps each kind to its quota. Missing kinds fall back to the
	// default kind's policy.
	Policies map[Kind]Policy

	// GuardRPS and GuardBurst shape the local per-identifier burst guard.
	// A zero GuardRPS disables the guard.
	GuardRPS   float64
	GuardBurst int

	// GuardIdleTTL is how long an identifier's guard survives without
	// traffic before the janitor removes it.
	GuardIdleTTL time.Duration
}

// DefaultConfig returns a Config with the standard policies and a burst
// guard of 50 req/s with burst 100 per identifier.
func DefaultConfig() Config {
	return Config{
		Policies:     DefaultPolicies(),
		GuardRPS:     50,
		GuardBurst:   100,
		GuardIdleTTL: 15 * time.Minute,
	}
}

// Bank evaluates requests against the limiter matching their kind, after
// consulting the ban registry. Window state lives in the store so all
// instances share one view of each identifier's usage.
type Bank struct {
	cfg    Config
	store  store.Store
	bans   *ban.Registry
	logger zerolog.Logger

	guardMu sync.Mutex
	guards  map[string]*guardEntry
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewBank creates a Bank.
func NewBank(cfg Config, s store.Store, bans *ban.Registry, logger zerolog.Logger) *Bank {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.GuardIdleTTL <= 0 {
		cfg.GuardIdleTTL = 15 * time.Minute
	}
	return &Bank{
		cfg:    cfg,
		store:  s,
		bans:   bans,
		logger: logger,
		guards: make(map[string]*guardEntry),
	}
}

// PolicyFor returns the policy for kind, falling back to the default kind.
func (b *Bank) PolicyFor(kind Kind) Policy {
	if p, ok := b.cfg.Policies[kind]; ok {
		return p
	}
	return b.cfg.Policies[KindDefault]
}

// CheckAndConsume evaluates identifier against the limiter for kind and,
// if admitted, records the request in its window.
//
// Decision order: a banned identifier is denied synthetically without
// touching any window; a slowed identifier is rerouted to the slow kind
// regardless of the requested kind; otherwise the requested kind applies.
// A store outage fails open with a logged warning so a degraded backend
// does not become a full traffic outage.
func (b *Bank) CheckAndConsume(ctx context.Context, kind Kind, identifier string) Result {
	now := time.Now()

	if b.bans.IsBanned(ctx, identifier) {
		return Result{
			Allowed:   false,
			Limit:     0,
			Remaining: 0,
			ResetAt:   now.Unix(),
		}
	}
	if b.bans.IsSlowed(ctx, identifier) {
		kind = KindSlow
	}

	policy := b.PolicyFor(kind)
	reset := now.Add(policy.Window).Unix()

	if guard := b.guardFor(identifier, now); guard != nil && !guard.Allow() {
		return Result{
			Allowed:    false,
			Limit:      policy.Limit,
			Remaining:  0,
			ResetAt:    reset,
			RetryAfter: time.Second,
		}
	}

	key := windowKey(kind, identifier)
	count, err := b.store.WindowAdd(ctx, key, uuid.NewString(), now, policy.Window)
	if err != nil {
		b.logger.Warn().Err(err).
			Str("kind", string(kind)).
			Str("identifier", identifier).
			Msg("rate limit store unavailable, failing open")
		return Result{
			Allowed:   true,
			Limit:     policy.Limit,
			Remaining: policy.Limit - 1,
			ResetAt:   reset,
		}
	}

	remaining := policy.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > policy.Limit {
		return Result{
			Allowed:    false,
			Limit:      policy.Limit,
			Remaining:  0,
			ResetAt:    reset,
			RetryAfter: policy.Window,
		}
	}
	return Result{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
}

// guardFor returns the local burst guard for identifier, creating it on
// first use. Returns nil when the guard is disabled.
func (b *Bank) guardFor(identifier string, now time.Time) *rate.Limiter {
	if b.cfg.GuardRPS <= 0 {
		return nil
	}

	b.guardMu.Lock()
	defer b.guardMu.Unlock()

	if ent, ok := b.guards[identifier]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(rate.Limit(b.cfg.GuardRPS), b.cfg.GuardBurst)
	b.guards[identifier] = &guardEntry{lim: lim, lastSeen: now}
	return lim
}

// CleanupGuards drops burst guards that have been idle longer than the
// configured TTL.
func (b *Bank) CleanupGuards() {
	cutoff := time.Now().Add(-b.cfg.GuardIdleTTL)

	b.guardMu.Lock()
	defer b.guardMu.Unlock()

	for id, ent := range b.guards {
		if ent.lastSeen.Before(cutoff) {
			delete(b.guards, id)
		}
	}
}

// StartJanitor cleans idle burst guards every interval until ctx is done.
func (b *Bank) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				b.CleanupGuards()
			}
		}
	}()
}

func windowKey(kind Kind, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", kind, identifier)
}
