package monitoring

import "testing"

func TestHealthCheckerAggregation(t *testing.T) {
	hc := NewHealthChecker("patternstream", "test")
	hc.AddCheck("bus", true, func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("query_cache", false, func() CheckResult { return CheckResult{Status: StatusDegraded} })

	status := hc.CheckHealth()
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
}

func TestHealthCheckerCriticalEscalates(t *testing.T) {
	hc := NewHealthChecker("patternstream", "test")
	hc.AddCheck("bus", true, func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	status := hc.CheckHealth()
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestMetricsCollectorRegistersWithoutPanic(t *testing.T) {
	mc := NewMetricsCollector("patternstream", "test")
	counter := mc.NewCounter("events_total", "test counter", []string{"kind"})
	counter.WithLabelValues("pattern").Inc()
}
