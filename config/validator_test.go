package config

import (
	"strings"
	"testing"
)

func TestValidateWithDetails_ReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Name = ""
	cfg.Log.Level = "loud"
	cfg.Server.Port = 0

	err := ValidateWithDetails(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}

	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(details) < 3 {
		t.Fatalf("expected at least 3 errors, got %d: %v", len(details), details)
	}

	msg := err.Error()
	for _, field := range []string{"App.Name", "Log.Level", "Server.Port"} {
		if !strings.Contains(msg, field) {
			t.Errorf("error message missing field %s:\n%s", field, msg)
		}
	}
}

func TestValidateWithDetails_Valid(t *testing.T) {
	if err := ValidateWithDetails(DefaultConfig()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestConfigErrorMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.StepRetries = 0

	err := ValidateWithDetails(cfg)
	details, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	found := false
	for _, detail := range details {
		if strings.Contains(detail.Field, "StepRetries") {
			found = true
			if !strings.Contains(detail.Message, "at least 1") {
				t.Errorf("min violation should name the bound, got %q", detail.Message)
			}
		}
	}
	if !found {
		t.Fatal("StepRetries violation not reported")
	}
}
