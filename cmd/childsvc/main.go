// Package main is the child service runtime binary: one OS process per
// simulated business-process step, launched by the service supervisor.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bizobs-sim/engine/internal/childservice"
	"github.com/bizobs-sim/engine/internal/config"
	"github.com/bizobs-sim/engine/internal/logging"
	"github.com/bizobs-sim/engine/internal/metrics"
	"github.com/bizobs-sim/engine/internal/middleware"
)

func main() {
	identity := childservice.IdentityFromEnv()
	if identity.ServiceName == "" {
		log.Fatalf("CRITICAL: SERVICE_NAME env var is required")
	}

	if _, ok := config.ParseEnvInt("PORT"); !ok {
		log.Fatalf("CRITICAL: PORT env var is required")
	}
	port := config.GetPort(0)

	logger := logging.NewFromEnv(identity.ServiceName)
	timeouts := config.GetDefaultTimeouts()

	cfg := childservice.DefaultConfig()
	if url := os.Getenv("FLAG_STORE_URL"); url != "" {
		cfg.FlagStoreURL = url
	}

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Init(identity.ServiceName)
	}

	svc := childservice.New(identity, cfg, logger, m)

	router := svc.Router()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	if m != nil {
		router.Use(middleware.MetricsMiddleware(identity.ServiceName, m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadTimeout:       timeouts.HTTP,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      timeouts.HTTP,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 10*time.Second)
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{
		"service_name": identity.ServiceName,
		"port":         port,
		"company_name": identity.CompanyName,
	}).Info("child service starting")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("child service error: %v", err)
	}

	shutdown.Wait()
}
