// Package main is the simulation engine's main server: it wires together
// the port allocator, flag store, service supervisor, journey
// orchestrator, auto-load generator, event fan-out, and public API into
// one process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bizobs-sim/engine/internal/api"
	"github.com/bizobs-sim/engine/internal/autoload"
	"github.com/bizobs-sim/engine/internal/config"
	"github.com/bizobs-sim/engine/internal/events"
	"github.com/bizobs-sim/engine/internal/flagstore"
	"github.com/bizobs-sim/engine/internal/httputil"
	"github.com/bizobs-sim/engine/internal/journeystore"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/middleware"
	"github.com/bizobs-sim/engine/internal/model"
	"github.com/bizobs-sim/engine/internal/orchestrator"
	"github.com/bizobs-sim/engine/internal/portalloc"
	"github.com/bizobs-sim/engine/internal/supervisor"
)

func main() {
	logger := logging.NewFromEnv("bizobs-engine")
	timeouts := config.GetDefaultTimeouts()

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init("bizobs-engine")
	}

	ports, err := portalloc.New(portalloc.Config{
		RangeStart:  config.GetEnvInt("SERVICE_PORT_MIN", 9000),
		RangeEnd:    config.GetEnvInt("SERVICE_PORT_MAX", 9999),
		StatePath:   "data/port_allocations.json",
		TrustWindow: 30 * time.Second,
	}, logger)
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize port allocator: %v", err)
	}

	creds := events.LoadCredentials(os.Getenv("OBSERVABILITY_CREDENTIALS_PATH"))

	var sink events.Sink
	if raw := os.Getenv("OBSERVABILITY_BASE_URL"); raw != "" {
		baseURL, _, err := httputil.NormalizeServiceBaseURL(raw)
		if err != nil {
			log.Fatalf("CRITICAL: invalid OBSERVABILITY_BASE_URL: %v", err)
		}
		sink = events.NewHTTPSink(baseURL, creds)
	}

	fanout := events.New(events.DefaultConfig(), sink, logger, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fanout.Start(ctx)

	flagNotifier := fanoutChangeNotifier{fanout: fanout}
	flags, err := flagstore.New(flagstore.DefaultConfig(), flagNotifier, logger)
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize flag store: %v", err)
	}

	sup := supervisor.New(supervisor.DefaultConfig(), ports, logger, m)

	orchCfg := orchestrator.DefaultConfig()
	orch := orchestrator.New(orchCfg, sup, fanout, logger, m)

	journeys, err := journeystore.New(journeystore.DefaultConfig(), logger)
	if err != nil {
		log.Fatalf("CRITICAL: failed to initialize journey config store: %v", err)
	}

	autoloadCfg := autoload.DefaultConfig()
	autoloadCfg.Enabled = config.GetEnvBool("ENABLE_CONTINUOUS_JOURNEYS", false)
	if ms, ok := config.ParseEnvInt("JOURNEY_INTERVAL_MS"); ok {
		autoloadCfg.JourneyInterval = time.Duration(ms) * time.Millisecond
	}
	autoloadCfg.BatchSize = config.GetEnvInt("JOURNEY_BATCH_SIZE", autoloadCfg.BatchSize)

	generator := autoload.New(autoloadCfg, sup, orch, journeyTemplateFromStore(journeys), logger, m)
	generator.Start(ctx)

	server := api.New(orch, sup, ports, flags, journeys, generator, fanout, logger, m)

	ready := true

	corsOrigins := config.SplitAndTrimCSV(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: corsOrigins})
	securityHeaders := middleware.NewSecurityHeadersMiddleware(nil)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	requestTimeout := middleware.NewTimeoutMiddleware(timeouts.HTTP)
	rateLimiter := middleware.NewRateLimiter(config.GetEnvInt("RATE_LIMIT_PER_SECOND", 50), config.GetEnvInt("RATE_LIMIT_BURST", 100), logger)
	stopRateLimitCleanup := rateLimiter.StartCleanup(5 * time.Minute)
	validation := middleware.NewValidationMiddleware(middleware.DefaultValidationConfig())

	router := server.Router()
	router.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", middleware.ReadinessHandler(&ready)).Methods(http.MethodGet)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(securityHeaders.Handler)
	router.Use(cors.Handler)
	router.Use(bodyLimit.Handler)
	router.Use(requestTimeout.Handler)
	router.Use(rateLimiter.Handler)
	router.Use(validation.Handler)
	if m != nil {
		router.Use(middleware.MetricsMiddleware("bizobs-engine", m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	port := config.GetPort(8080)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadTimeout:       timeouts.HTTP,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      timeouts.HTTP,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 10*time.Second)
	shutdown.ListenForSignals()
	shutdown.OnShutdown(func() {
		ready = false
		generator.Stop()
		stopRateLimitCleanup()
		cancel()
		fanout.Stop(10 * time.Second)
		_ = sup.StopAll()
	})

	logger.WithFields(map[string]interface{}{"port": port}).Info("simulation engine starting")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	shutdown.Wait()
}

// fanoutChangeNotifier adapts *events.FanOut to flagstore.Notifier.
type fanoutChangeNotifier struct {
	fanout *events.FanOut
}

func (f fanoutChangeNotifier) EmitChange(evt model.ChangeEvent) {
	f.fanout.EmitChange(evt)
}

// journeyTemplateFromStore resolves a company's auto-load template from
// the most recently saved journey config for that company, if any.
func journeyTemplateFromStore(store *journeystore.Store) autoload.TemplateProvider {
	return func(companyName string) (model.JourneySpec, bool) {
		configs, err := store.List()
		if err != nil {
			return model.JourneySpec{}, false
		}
		for _, cfg := range configs {
			if cfg.CompanyName == companyName {
				return model.JourneySpec{
					CompanyName:  cfg.CompanyName,
					Domain:       cfg.Domain,
					IndustryType: cfg.IndustryType,
					Steps:        cfg.Steps,
				}, true
			}
		}
		return model.JourneySpec{}, false
	}
}
