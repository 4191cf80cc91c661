// Package monitoring provides health aggregation and Prometheus metrics
// shared by every component, mirroring the teacher's frameworks/pkg/monitoring.
package monitoring

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health status values, matching spec.md §4.8's degraded/unhealthy vocabulary.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of a single named health check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthCheck evaluates one component's health.
type HealthCheck func() CheckResult

// HealthStatus is the aggregate response served at /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker aggregates named checks and classifies overall health.
// spec.md §4.8: overall is "degraded" if any component is unhealthy,
// "unhealthy" if the bus (C1) or subscriber (C4) are down.
type HealthChecker struct {
	service  string
	version  string
	checks   map[string]HealthCheck
	critical map[string]bool
}

// NewHealthChecker creates a health checker for the named service.
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service:  service,
		version:  version,
		checks:   make(map[string]HealthCheck),
		critical: make(map[string]bool),
	}
}

// AddCheck registers a named health check. Critical checks (bus, subscriber)
// escalate the overall status to unhealthy instead of merely degraded.
func (hc *HealthChecker) AddCheck(name string, critical bool, check HealthCheck) {
	hc.checks[name] = check
	hc.critical[name] = critical
}

// CheckHealth runs every registered check and classifies the overall status.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
			if hc.critical[name] {
				anyUnhealthy = true
			}
		default:
			if hc.critical[name] {
				anyUnhealthy = true
			} else {
				anyDegraded = true
			}
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a gin handler serving the aggregate health status.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}
