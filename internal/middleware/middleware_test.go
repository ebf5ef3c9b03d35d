package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourusername/gatekeeper/internal/auth"
)

func TestHTTPMetricsRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	metrics, err := NewHTTPMetrics(MetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("failed to create http metrics: %v", err)
	}

	router := gin.New()
	router.Use(metrics.Handler())
	router.GET("/users/:id", func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	for _, path := range []string{"/users/1", "/users/2", "/nowhere"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	labels := prometheus.Labels{"method": http.MethodGet, "route": "/users/:id", "status": "201"}
	if got := testutil.ToFloat64(metrics.Requests.With(labels)); got != 2 {
		t.Fatalf("expected request counter 2, got %f", got)
	}
	unmatched := prometheus.Labels{"method": http.MethodGet, "route": "unmatched", "status": "404"}
	if got := testutil.ToFloat64(metrics.Requests.With(unmatched)); got != 1 {
		t.Fatalf("expected unmatched counter 1, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.InFlight); got != 0 {
		t.Fatalf("expected in-flight gauge to return to 0, got %f", got)
	}
	if samples := testutil.CollectAndCount(metrics.Duration); samples == 0 {
		t.Fatal("expected histogram samples")
	}
}

func TestHTTPMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := NewHTTPMetrics(MetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	second, err := NewHTTPMetrics(MetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("second registration failed: %v", err)
	}
	if first.Requests != second.Requests {
		t.Fatal("expected collectors to be shared")
	}
}

func TestHTTPMetricsNoopWhenNil(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use((*HTTPMetrics)(nil).Handler())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
}

func TestAuthEventMetricsCountsByType(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewAuthEventMetrics(MetricsOptions{Registerer: registry})
	if err != nil {
		t.Fatalf("failed to create auth metrics: %v", err)
	}

	ctx := context.Background()
	_ = metrics.Record(ctx, auth.Event{Type: auth.EventLoginFailed})
	_ = metrics.Record(ctx, auth.Event{Type: auth.EventLoginFailed})
	_ = metrics.Record(ctx, auth.Event{Type: auth.EventLogout})

	if got := testutil.ToFloat64(metrics.Events.WithLabelValues("login_failed")); got != 2 {
		t.Fatalf("expected 2 login_failed, got %f", got)
	}

	expected := `
# HELP gatekeeper_auth_events_total 認証イベント数（type 別）
# TYPE gatekeeper_auth_events_total counter
gatekeeper_auth_events_total{type="login_failed"} 2
gatekeeper_auth_events_total{type="logout"} 1
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "gatekeeper_auth_events_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestRequestIDGeneratesAndPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(c *gin.Context) {
		seen = GetRequestID(c)
		c.Status(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if seen == "" || rr.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("unexpected request id: header=%q context=%q", rr.Header().Get(RequestIDHeader), seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("expected client request id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); len(got) > maxRequestIDLen {
		t.Fatalf("oversized request id echoed: %d bytes", len(got))
	}
}

func TestLoggerMasksClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zap.InfoLevel)
	router := gin.New()
	router.Use(RequestID(), Logger(zap.New(core)))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/missing", func(c *gin.Context) {
		c.Status(http.StatusUnauthorized)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping?token=secret", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	router.ServeHTTP(httptest.NewRecorder(), req)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["client_ip"] != "203.0.*.*" {
		t.Fatalf("unexpected client ip: %v", fields["client_ip"])
	}
	if fields["path"] != "/ping" {
		t.Fatalf("unexpected path: %v", fields["path"])
	}
	if fields["request_id"] == "" {
		t.Fatal("expected request id in log")
	}
	if entries[1].Level != zap.WarnLevel {
		t.Fatalf("expected warn level for 401, got %s", entries[1].Level)
	}
}
