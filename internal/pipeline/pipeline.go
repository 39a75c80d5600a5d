// Package pipeline assembles the per-request edge security checks:
// exemption, ban, CSRF cookie issuance, rate limiting and security header
// assembly. It runs as plain net/http middleware in front of the
// application router.
//
// The pipeline is deliberately not a single point of failure: any panic in
// its own stages is recovered and the request passes through unmodified.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/ban"
	"github.com/edgegate/edgegate/internal/ratelimit"
)

// KindRule maps a path prefix to a limiter kind. Rules are evaluated in
// order; the first match wins.
type KindRule struct {
	Prefix string
	Kind   ratelimit.Kind
}

// Config configures a Pipeline.
type Config struct {
	// TrustedIPHeader is the edge-proxy header consulted first when
	// resolving the client IP (for example "CF-Connecting-IP"). Empty
	// disables it.
	TrustedIPHeader string

	// ExemptPrefixes bypass every stage. Health checks and static assets
	// belong here.
	ExemptPrefixes []string

	// KindRules select a limiter kind by path prefix. Requests matching no
	// rule use the default kind.
	KindRules []KindRule

	// CSRFCookieName names the double-submit cookie. The pipeline only
	// mints the token; validation is the application's job.
	CSRFCookieName string
	// CSRFTokenLength is the token size in bytes before encoding.
	CSRFTokenLength int
	// CookieSecure marks the CSRF cookie Secure. Enable in production.
	CookieSecure bool

	// ConnectSrc lists extra origins allowed in the CSP connect-src
	// directive.
	ConnectSrc []string

	// Registerer receives the pipeline's metrics. Defaults to the global
	// prometheus registerer.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config with the standard exemptions and path
// rules.
func DefaultConfig() Config {
	return Config{
		ExemptPrefixes: []string{"/health", "/static/", "/assets/", "/favicon.ico"},
		KindRules: []KindRule{
			{Prefix: "/api/v", Kind: ratelimit.KindAPIVersioned},
			{Prefix: "/api/auth", Kind: ratelimit.KindAuth},
			{Prefix: "/api/ai", Kind: ratelimit.KindAI},
			{Prefix: "/api/", Kind: ratelimit.KindAPI},
		},
		CSRFCookieName:  "csrfToken",
		CSRFTokenLength: 32,
	}
}

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	DecisionsTotal *prometheus.CounterVec
	StageDuration  prometheus.Histogram
}

// Pipeline orchestrates the edge security stages.
type Pipeline struct {
	cfg     Config
	bans    *ban.Registry
	bank    *ratelimit.Bank
	logger  zerolog.Logger
	metrics *Metrics
}

// New creates a Pipeline.
func New(cfg Config, bans *ban.Registry, bank *ratelimit.Bank, logger zerolog.Logger) *Pipeline {
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = "csrfToken"
	}
	if cfg.CSRFTokenLength <= 0 {
		cfg.CSRFTokenLength = 32
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Pipeline{
		cfg:    cfg,
		bans:   bans,
		bank:   bank,
		logger: logger,
	}
	p.metrics = &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgegate_pipeline_decisions_total",
				Help: "Total pipeline decisions by outcome",
			},
			[]string{"outcome", "kind"},
		),
		StageDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edgegate_pipeline_duration_seconds",
				Help:    "Time spent in the security pipeline per request",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	return p
}

// Middleware wraps next with the security pipeline.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		terminated := false
		ctx := r.Context()
		func() {
			// Any panic in the pipeline's own stages converts to "pass the
			// request through unmodified". Panics raised later by the
			// application handler are not ours to swallow.
			defer func() {
				if rec := recover(); rec != nil {
					p.logger.Error().
						Interface("panic", rec).
						Str("path", r.URL.Path).
						Msg("pipeline panic, passing request through")
					p.metrics.DecisionsTotal.WithLabelValues("passthrough", "").Inc()
					terminated = false
					ctx = r.Context()
				}
			}()
			terminated, ctx = p.runStages(w, r, start)
		}()
		if !terminated {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// runStages runs the security stages. It returns terminated=true when the
// request was answered here (ban or rate-limit rejection); otherwise the
// returned context carries the CSP nonce and the caller forwards the
// request.
func (p *Pipeline) runStages(w http.ResponseWriter, r *http.Request, start time.Time) (bool, context.Context) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := p.logger.With().Str("request_id", requestID).Str("path", r.URL.Path).Logger()

	clientIP := p.clientIP(r)

	if p.bans.IsBanned(r.Context(), clientIP) {
		logger.Warn().Str("client_ip", clientIP).Msg("banned client rejected")
		p.metrics.DecisionsTotal.WithLabelValues("banned", "").Inc()
		p.metrics.StageDuration.Observe(time.Since(start).Seconds())
		writeJSONError(w, http.StatusForbidden, map[string]any{
			"error":   "Forbidden",
			"message": "Access denied",
		})
		return true, r.Context()
	}

	p.ensureCSRFCookie(w, r)

	kind := p.kindFor(r.URL.Path)
	result := p.bank.CheckAndConsume(r.Context(), kind, clientIP)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

	if !result.Allowed {
		retryAfter := int(result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		logger.Warn().
			Str("client_ip", clientIP).
			Str("kind", string(kind)).
			Msg("rate limit exceeded")
		p.metrics.DecisionsTotal.WithLabelValues("throttled", string(kind)).Inc()
		p.metrics.StageDuration.Observe(time.Since(start).Seconds())
		writeJSONError(w, http.StatusTooManyRequests, map[string]any{
			"error":      "Too Many Requests",
			"message":    "Rate limit exceeded, slow down",
			"retryAfter": retryAfter,
		})
		return true, r.Context()
	}

	nonce := newNonce()
	setSecurityHeaders(w, nonce, p.cfg.ConnectSrc)

	p.metrics.DecisionsTotal.WithLabelValues("allowed", string(kind)).Inc()
	p.metrics.StageDuration.Observe(time.Since(start).Seconds())
	return false, withNonce(r.Context(), nonce)
}

// clientIP resolves the caller's address through the header priority
// chain: trusted edge header, X-Real-IP, first X-Forwarded-For hop, then
// RemoteAddr, defaulting to loopback.
func (p *Pipeline) clientIP(r *http.Request) string {
	if p.cfg.TrustedIPHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(p.cfg.TrustedIPHeader)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "127.0.0.1"
}

func (p *Pipeline) isExempt(path string) bool {
	for _, prefix := range p.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p *Pipeline) kindFor(path string) ratelimit.Kind {
	for _, rule := range p.cfg.KindRules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Kind
		}
	}
	return ratelimit.KindDefault
}

// ensureCSRFCookie mints a double-submit token if the request carries none.
// The token is not validated here; echoing it back in a header is the
// application's contract with its clients.
func (p *Pipeline) ensureCSRFCookie(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(p.cfg.CSRFCookieName); err == nil && cookie.Value != "" {
		return
	}
	b := make([]byte, p.cfg.CSRFTokenLength)
	_, _ = rand.Read(b)
	http.SetCookie(w, &http.Cookie{
		Name:     p.cfg.CSRFCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(b),
		Path:     "/",
		HttpOnly: true,
		Secure:   p.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
