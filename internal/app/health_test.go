package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"

	"quillsync/api/internal/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	decode(t, rr, &response)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	decode(t, rr, &response)
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
}

func TestReadyEndpoint_DatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error {
		return errors.New("connection refused")
	}

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	decode(t, rr, &response)
	if ok := response["ok"]; ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	checks, _ := response["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["error"] != "connection refused" {
		t.Errorf("expected database error in checks, got %v", database)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if code := errorCode(t, rr); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %q", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Rooms.Set(2)

	server := NewHTTPServer(nil, HTTPOptions{Gatherer: reg, Logger: logger})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "quillsync_rooms_active 2") {
		t.Fatalf("metrics output missing rooms gauge:\n%s", rr.Body.String())
	}
}
