// Command patternstream runs the market-data consumer-tier pipeline:
// bus subscription, streaming buffer, subscription-indexed broadcast,
// pattern cache, and the query surface (spec.md §1, §4.8), mirroring the
// teacher's cmd/signalman wiring style.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/mcfalli/patternstream/internal/config"
	"github.com/mcfalli/patternstream/internal/logging"
	"github.com/mcfalli/patternstream/internal/monitoring"
	"github.com/mcfalli/patternstream/internal/orchestrator"
	"github.com/mcfalli/patternstream/internal/server"
	"github.com/mcfalli/patternstream/internal/version"
)

func main() {
	logger := logging.NewLogger()
	config.LoadEnv(logger)
	settings := config.Load()

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GitCommit,
	}).Info("starting patternstream")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsCollector := monitoring.NewMetricsCollector("patternstream", version.Version)

	sys, err := orchestrator.Build(ctx, settings, logger, metricsCollector)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize pipeline")
	}

	router := server.SetupRouter(logger, sys.HealthChecker, metricsCollector)

	grpcPort := config.GetEnv("GRPC_HEALTH_PORT", "19100")
	go func() {
		if err := orchestrator.ServeGRPCHealth(":"+grpcPort, sys.HealthChecker, logger); err != nil {
			logger.WithError(err).Error("grpc health server stopped")
		}
	}()

	go sys.Run(ctx)

	httpCfg := server.DefaultConfig("patternstream", settings.HTTPPort)
	if err := server.Start(httpCfg, router, logger); err != nil {
		logger.WithError(err).Error("ambient HTTP server stopped")
	}

	logger.Info("shutting down pipeline")
	sys.Shutdown()
}
