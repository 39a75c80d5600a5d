package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/edgegate/edgegate/internal/ban"
	"github.com/edgegate/edgegate/internal/netguard"
	"github.com/edgegate/edgegate/internal/pipeline"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/store"
)

var (
	// Server configuration
	listenPort  = flag.String("listen-port", "8080", "Port for the edge HTTP server")
	metricsPort = flag.String("metrics-port", "9090", "Port for the metrics HTTP server")
	maxConns    = flag.Int("max-conns", 2048, "Maximum concurrent edge connections")

	// Store configuration
	storeBackend = flag.String("store-backend", "memory", "Store backend (memory or redis)")
	redisAddress = flag.String("redis-address", "localhost:6379", "Redis server address")

	// Pipeline configuration
	trustedIPHeader = flag.String("trusted-ip-header", "", "Edge proxy header consulted first for the client IP (e.g. CF-Connecting-IP)")
	cookieSecure    = flag.Bool("cookie-secure", false, "Mark the CSRF cookie Secure (enable in production)")

	// Ban sweep
	banSweepInterval = flag.Duration("ban-sweep-interval", 0, "Interval for removing expired temporary bans (0 disables the sweep)")

	// Logging
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("component", "edgegate").Logger()

	st, err := store.NewStore(*storeBackend, *redisAddress, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create store")
	}
	defer st.Close()

	matcher := netguard.NewMatcher(st, logger.With().Str("component", "netguard").Logger())
	bans := ban.NewRegistry(st, matcher, logger.With().Str("component", "ban").Logger())
	bank := ratelimit.NewBank(ratelimit.DefaultConfig(), st, bans, logger.With().Str("component", "ratelimit").Logger())

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.TrustedIPHeader = *trustedIPHeader
	pipeCfg.CookieSecure = *cookieSecure
	pipe := pipeline.New(pipeCfg, bans, bank, logger.With().Str("component", "pipeline").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bank.StartJanitor(ctx, 2*time.Minute)
	if *banSweepInterval > 0 {
		go runBanSweep(ctx, bans, *banSweepInterval, logger)
	}

	edgeServer := startEdgeServer(pipe, bans, *listenPort, *maxConns, logger)
	metricsServer := startMetricsServer(*metricsPort, logger)

	logger.Info().
		Str("listen_port", *listenPort).
		Str("metrics_port", *metricsPort).
		Msg("edgegate started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := edgeServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("edge server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	logger.Info().Msg("edgegate stopped")
}

// runBanSweep removes temporary bans whose metadata TTL has lapsed.
func runBanSweep(ctx context.Context, bans *ban.Registry, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := bans.SweepExpired(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("ban sweep failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("ban sweep removed expired bans")
			}
		}
	}
}

func startEdgeServer(pipe *pipeline.Pipeline, bans *ban.Registry, port string, maxConns int, logger zerolog.Logger) *http.Server {
	r := mux.NewRouter()
	r.Use(pipe.Middleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}).Methods("GET")

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		nonce := pipeline.NonceFromContext(req.Context())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!doctype html><html><head><title>edgegate</title></head>`+
			`<body><h1>edgegate</h1><script nonce=%q>console.log("edgegate up");</script></body></html>`, nonce)
	}).Methods("GET")

	registerAdminRoutes(r, bans, logger)

	server := &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal().Err(err).Str("port", port).Msg("failed to listen")
	}
	lis = netutil.LimitListener(lis, maxConns)

	go func() {
		logger.Info().Str("port", port).Int("max_conns", maxConns).Msg("edge server listening")
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("edge server error")
		}
	}()
	return server
}

func startMetricsServer(port string, logger zerolog.Logger) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: m,
	}
	go func() {
		logger.Info().Str("port", port).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return server
}
