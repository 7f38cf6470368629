package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthAlwaysOK(t *testing.T) {
	h := NewHealthHandler("1.2.3")

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestReadyReportsFirstFailingCheck(t *testing.T) {
	h := NewHealthHandler("1.2.3",
		ReadinessCheck{Name: "store", Check: func() error { return nil }},
		ReadinessCheck{Name: "eventbus", Check: func() error { return errors.New("not connected") }},
	)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ready, _ := body["ready"].(bool); ready {
		t.Fatal("expected ready=false")
	}
	if body["failed"] != "eventbus" {
		t.Fatalf("failed = %v, want eventbus", body["failed"])
	}
}

func TestReadyPassesWhenAllChecksPass(t *testing.T) {
	h := NewHealthHandler("1.2.3",
		ReadinessCheck{Name: "store", Check: func() error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusListsComponents(t *testing.T) {
	h := NewHealthHandler("1.2.3",
		ReadinessCheck{Name: "store", Check: func() error { return nil }},
		ReadinessCheck{Name: "eventbus", Check: func() error { return errors.New("degraded") }},
	)

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Version    string            `json:"version"`
		Uptime     int64             `json:"uptime_seconds"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", body.Version)
	}
	if body.Components["store"] != "ok" {
		t.Fatalf("store component = %q, want ok", body.Components["store"])
	}
	if body.Components["eventbus"] != "degraded" {
		t.Fatalf("eventbus component = %q, want degraded", body.Components["eventbus"])
	}
}
