package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mcfalli/patternstream/internal/config"
)

func newTestSettings(t *testing.T, addr string) config.Settings {
	t.Helper()
	return config.Settings{
		BusAddr:             addr,
		BufferInterval:      10 * time.Millisecond,
		BufferMaxSize:       100,
		PatternTTLSec:       3600,
		ResponseCacheTTLSec: 30,
		RateLimitPerSec:     100,
		PerSendDeadline:     50 * time.Millisecond,
		QueryDeadline:       1000 * time.Millisecond,
	}
}

func TestBuildFailsFastOnUnreachableBus(t *testing.T) {
	_, err := Build(context.Background(), newTestSettings(t, "127.0.0.1:1"), nil, nil)
	if err == nil {
		t.Fatal("expected Build to fail for an unreachable bus address")
	}
	if _, ok := err.(*InitError); !ok {
		t.Fatalf("expected *InitError, got %T", err)
	}
}

func TestBuildWiresAllComponents(t *testing.T) {
	mr := miniredis.RunT(t)

	sys, err := Build(context.Background(), newTestSettings(t, mr.Addr()), nil, nil)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	if sys.Bus == nil || sys.Cache == nil || sys.Index == nil || sys.Buffer == nil || sys.Broadcaster == nil || sys.Subscriber == nil || sys.Query == nil {
		t.Fatal("expected every component to be wired")
	}

	status := sys.HealthChecker.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy status right after build, got %s: %+v", status.Status, status.Checks)
	}
}

func TestRunAndShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	sys, err := Build(context.Background(), newTestSettings(t, mr.Addr()), nil, nil)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sys.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}

	sys.Shutdown()
}
