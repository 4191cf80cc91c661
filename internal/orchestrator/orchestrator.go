// Package orchestrator implements C8: brings up C1..C7 in dependency
// order, fails fast on the first stage that errors, aggregates health
// across components, and tears everything down in reverse order on
// shutdown (spec.md §4.8, §5). The gRPC health exposition mirrors the
// teacher's cmd/signalman/main.go bare health-server registration.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mcfalli/patternstream/internal/broadcast"
	"github.com/mcfalli/patternstream/internal/bus"
	"github.com/mcfalli/patternstream/internal/buffer"
	"github.com/mcfalli/patternstream/internal/cache"
	"github.com/mcfalli/patternstream/internal/config"
	"github.com/mcfalli/patternstream/internal/ingest"
	"github.com/mcfalli/patternstream/internal/logging"
	"github.com/mcfalli/patternstream/internal/monitoring"
	"github.com/mcfalli/patternstream/internal/query"
	"github.com/mcfalli/patternstream/internal/subscription"
)

// InitError names the stage that failed during startup (spec.md §7).
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string { return fmt.Sprintf("init failed at stage %s: %v", e.Stage, e.Err) }
func (e *InitError) Unwrap() error { return e.Err }

// System bundles every live component, wired in spec.md §4.8's order:
// C1 ConnectionPool -> C3 PatternCache -> C2 SubscriptionIndex ->
// C5 StreamingBuffer -> C6 Broadcaster -> C4 EventSubscriber -> C7 QueryService.
type System struct {
	logger logging.Logger

	Bus          *bus.Pool
	Cache        *cache.Cache
	Index        *subscription.Index
	Buffer       *buffer.Buffer
	Broadcaster  *broadcast.Broadcaster
	Subscriber   *ingest.Subscriber
	Query        *query.Service
	HealthChecker *monitoring.HealthChecker

	stopSweeper chan struct{}
	stopFlusher chan struct{}
	runCtx      context.Context
	runCancel   context.CancelFunc
}

// Build constructs every component in dependency order, returning an
// *InitError naming the first stage that fails (spec.md §4.8: "fail fast;
// do not start later stages if an earlier one errors"). metricsCollector
// may be nil, in which case the drop-path counters wired into C4/C5/C6
// (spec.md §4.4/§4.5/§4.6: decode_errors, dropped_missing_field,
// buffer_overflow, dropped_rate_limit) are no-ops.
func Build(ctx context.Context, settings config.Settings, logger logging.Logger, metricsCollector *monitoring.MetricsCollector) (*System, error) {
	var drops *monitoring.DropCounter
	if metricsCollector != nil {
		drops = metricsCollector.NewDropCounter()
	}

	busPool, err := bus.NewPool(ctx, bus.Config{Address: settings.BusAddr, DB: settings.BusDB, Password: settings.BusPass}, logger)
	if err != nil {
		return nil, &InitError{Stage: "C1:ConnectionPool", Err: err}
	}

	patternCache := cache.New(cache.Config{
		DefaultTTL:       time.Duration(settings.PatternTTLSec) * time.Second,
		ResponseCacheTTL: time.Duration(settings.ResponseCacheTTLSec) * time.Second,
		MaxEntries:       0,
		SweepInterval:    30 * time.Second,
	})

	index := subscription.NewIndex()

	sbuf := buffer.New(buffer.Config{
		FlushInterval: settings.BufferInterval,
		MaxSize:       settings.BufferMaxSize,
	}, drops)

	bcast := broadcast.New(index, broadcast.Config{
		RatePerSecond:   settings.RateLimitPerSec,
		PerSendDeadline: settings.PerSendDeadline,
	}, logger, drops)

	subscriber := ingest.New(busPool, patternCache, sbuf, bcast, logger, drops)

	querySvc := query.New(query.Config{Deadline: settings.QueryDeadline}, patternCache, subscriber, busPool, sbuf, bcast)

	healthChecker := monitoring.NewHealthChecker("patternstream", "dev")
	healthChecker.AddCheck("bus", true, func() monitoring.CheckResult {
		if !busPool.Healthy() {
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "bus ping stale"}
		}
		if busPool.Degraded() {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "bus reconnecting"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})
	healthChecker.AddCheck("subscriber", true, func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: fmt.Sprintf("processed=%d", subscriber.Snapshot().Processed)}
	})
	healthChecker.AddCheck("cache", false, func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: fmt.Sprintf("cached=%d", patternCache.Stats().Count)}
	})
	healthChecker.AddCheck("broadcaster", false, func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: fmt.Sprintf("sessions=%d", bcast.SessionCount())}
	})

	sys := &System{
		logger:        logger,
		Bus:           busPool,
		Cache:         patternCache,
		Index:         index,
		Buffer:        sbuf,
		Broadcaster:   bcast,
		Subscriber:    subscriber,
		Query:         querySvc,
		HealthChecker: healthChecker,
		stopSweeper:   make(chan struct{}),
		stopFlusher:   make(chan struct{}),
	}
	return sys, nil
}

// Run starts the background goroutines (subscriber loop, buffer flusher,
// cache sweeper) and blocks until ctx is cancelled.
func (s *System) Run(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	go s.Cache.RunSweeper(s.stopSweeper)
	go s.Buffer.RunFlusher(s.stopFlusher, s.Broadcaster)
	go s.Subscriber.Run(s.runCtx)

	<-s.runCtx.Done()
}

// Shutdown tears components down in the reverse of their init order,
// flushing any buffered records one last time before closing the bus
// connection (spec.md §4.8: "drain the buffer before closing downstream
// sessions").
func (s *System) Shutdown() {
	if s.runCancel != nil {
		s.runCancel()
	}
	close(s.stopFlusher)
	close(s.stopSweeper)

	for _, batch := range s.Buffer.Flush() {
		s.Broadcaster.DeliverBatch(batch)
	}

	if err := s.Bus.Close(); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("error closing bus connection during shutdown")
	}
}

// ServeGRPCHealth runs a bare gRPC server exposing only grpc_health_v1,
// matching the teacher's signalman pattern of giving the orchestration
// layer's health probe a gRPC surface alongside the HTTP one.
func ServeGRPCHealth(addr string, checker *monitoring.HealthChecker, logger logging.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on grpc health port: %w", err)
	}

	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcSrv, hs)

	go pollHealthIntoGRPC(hs, checker)

	if logger != nil {
		logger.WithField("addr", addr).Info("starting gRPC health server")
	}
	return grpcSrv.Serve(lis)
}

// pollHealthIntoGRPC mirrors the aggregate HTTP health status onto the
// gRPC health service's serving status every 5s.
func pollHealthIntoGRPC(hs *health.Server, checker *monitoring.HealthChecker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		status := checker.CheckHealth()
		if status.Status == monitoring.StatusUnhealthy {
			hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		} else {
			hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		}
	}
}
