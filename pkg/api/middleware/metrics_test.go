package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeRecorder struct {
	mu       sync.Mutex
	requests []string
	active   int
}

func (f *fakeRecorder) RecordHTTPRequest(method, path, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, method+" "+path+" "+status)
}

func (f *fakeRecorder) IncActiveConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
}

func (f *fakeRecorder) DecActiveConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func TestMetricsRecordsRequest(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := Metrics(recorder)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil))

	if len(recorder.requests) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(recorder.requests))
	}
	if recorder.requests[0] != "POST /api/v1/sagas 201" {
		t.Fatalf("recorded %q", recorder.requests[0])
	}
	if recorder.active != 0 {
		t.Fatalf("active connections = %d, want 0 after request", recorder.active)
	}
}

func TestMetricsSkipsMetricsEndpoint(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := Metrics(recorder)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if len(recorder.requests) != 0 {
		t.Fatalf("metrics endpoint must not be recorded, got %v", recorder.requests)
	}
}

func TestMetricsRecordsPanicAs500(t *testing.T) {
	recorder := &fakeRecorder{}
	handler := Metrics(recorder)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() { _ = recover() }()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))
	}()

	if len(recorder.requests) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(recorder.requests))
	}
	if recorder.requests[0] != "GET /api/v1/sagas 500" {
		t.Fatalf("recorded %q", recorder.requests[0])
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/v1/sagas", "/api/v1/sagas"},
		{"/api/v1/sagas/123", "/api/v1/sagas/:id"},
		{"/api/v1/sagas/0b36cf08-0f02-4b6c-b1d4-0e1f6f1a2b3c", "/api/v1/sagas/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
