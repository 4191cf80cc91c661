package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mcfalli/patternstream/internal/logging"
	"github.com/mcfalli/patternstream/internal/monitoring"
)

func TestSetupRouterServesHealthAndMetrics(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("patternstream", "test")
	mc := monitoring.NewMetricsCollector("patternstream", "test")
	router := SetupRouter(logger, hc, mc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", w2.Code)
	}
}

func init() {
	gin.SetMode(gin.TestMode)
}
