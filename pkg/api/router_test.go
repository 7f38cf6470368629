package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

func newTestRouter(t *testing.T, h *Handlers) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	quiet := logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "text", Output: "stderr"})
	return NewRouter(cfg, quiet, h)
}

func TestRouterServesHealthEndpoints(t *testing.T) {
	router := newTestRouter(t, &Handlers{
		Health: handlers.NewHealthHandler("test"),
	})

	for _, path := range []string{"/health", "/ready", "/status"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouterUnknownRouteIs404(t *testing.T) {
	router := newTestRouter(t, &Handlers{
		Health: handlers.NewHealthHandler("test"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRouterAttachesRequestID(t *testing.T) {
	router := newTestRouter(t, &Handlers{
		Health: handlers.NewHealthHandler("test"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID response header")
	}
}

func TestRouterServesMetricsWhenConfigured(t *testing.T) {
	router := newTestRouter(t, &Handlers{
		Health: handlers.NewHealthHandler("test"),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("saga_active_count 0\n"))
		}),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "saga_active_count") {
		t.Fatalf("unexpected metrics body: %s", rec.Body.String())
	}
}

func TestRouterOmitsSagaRoutesWithoutHandler(t *testing.T) {
	router := newTestRouter(t, &Handlers{
		Health: handlers.NewHealthHandler("test"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when saga handler absent", rec.Code)
	}
}
