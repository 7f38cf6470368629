package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "sagaflow" {
		t.Errorf("expected app name 'sagaflow', got %s", cfg.App.Name)
	}
	if cfg.App.Environment != "development" {
		t.Errorf("expected environment 'development', got %s", cfg.App.Environment)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}

	if cfg.Engine.StepTimeout != 300*time.Second {
		t.Errorf("expected step timeout 300s, got %v", cfg.Engine.StepTimeout)
	}
	if cfg.Engine.FinalizeTimeout != 60*time.Second {
		t.Errorf("expected finalize timeout 60s, got %v", cfg.Engine.FinalizeTimeout)
	}
	if cfg.Engine.StepRetries != 3 {
		t.Errorf("expected 3 step retries, got %d", cfg.Engine.StepRetries)
	}
	if cfg.Engine.CompensationRetries != 3 {
		t.Errorf("expected 3 compensation retries, got %d", cfg.Engine.CompensationRetries)
	}

	if cfg.Storage.Type != "memory" {
		t.Errorf("expected storage type 'memory', got %s", cfg.Storage.Type)
	}
	if cfg.EventBus.Type != "memory" {
		t.Errorf("expected eventbus type 'memory', got %s", cfg.EventBus.Type)
	}
	if cfg.Metrics.Port != 9091 {
		t.Errorf("expected metrics port 9091, got %d", cfg.Metrics.Port)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing app name",
			mutate:  func(cfg *Config) { cfg.App.Name = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 99999 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "invalid environment",
			mutate:  func(cfg *Config) { cfg.App.Environment = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid storage type",
			mutate:  func(cfg *Config) { cfg.Storage.Type = "cassandra" },
			wantErr: true,
		},
		{
			name:    "invalid eventbus type",
			mutate:  func(cfg *Config) { cfg.EventBus.Type = "kafka" },
			wantErr: true,
		},
		{
			name:    "zero step retries",
			mutate:  func(cfg *Config) { cfg.Engine.StepRetries = 0 },
			wantErr: true,
		},
		{
			name:    "sample rate above one",
			mutate:  func(cfg *Config) { cfg.Tracing.SampleRate = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
app:
  name: payments-saga
  environment: production
server:
  port: 9000
engine:
  workers: 8
  step_retries: 5
storage:
  type: badger
  badger:
    path: /var/lib/sagaflow
eventbus:
  type: nats
  nats:
    url: nats://broker:4222
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.App.Name != "payments-saga" {
		t.Errorf("expected app name from file, got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Engine.Workers)
	}
	if cfg.Engine.StepRetries != 5 {
		t.Errorf("expected 5 step retries, got %d", cfg.Engine.StepRetries)
	}
	if cfg.Storage.Type != "badger" || cfg.Storage.Badger.Path != "/var/lib/sagaflow" {
		t.Errorf("badger settings not applied: %+v", cfg.Storage)
	}
	if cfg.EventBus.NATS.URL != "nats://broker:4222" {
		t.Errorf("nats url not applied: %s", cfg.EventBus.NATS.URL)
	}

	// Keys the file never mentioned keep their defaults.
	if cfg.Engine.StepTimeout != 300*time.Second {
		t.Errorf("default step timeout lost: %v", cfg.Engine.StepTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level lost: %s", cfg.Log.Level)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SAGAFLOW_SERVER_PORT", "9100")
	t.Setenv("SAGAFLOW_LOG_LEVEL", "debug")

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("env var should override file, got port %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("env var should set log level, got %s", cfg.Log.Level)
	}
}

func TestLoader_OverridesWin(t *testing.T) {
	t.Setenv("SAGAFLOW_SERVER_PORT", "9100")

	cfg, err := Load("", map[string]interface{}{
		"server.port": 9200,
		"app.debug":   true,
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("explicit override should beat env, got %d", cfg.Server.Port)
	}
	if !cfg.App.Debug {
		t.Error("override for app.debug not applied")
	}
}

func TestLoader_RejectsInvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath, nil); err == nil {
		t.Fatal("invalid log level must fail validation")
	}

	if _, err := Load(filepath.Join(tmpDir, "missing.yaml"), nil); err == nil {
		t.Fatal("missing file must be an error when named explicitly")
	}

	tomlPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(tomlPath, []byte("x = 1"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(tomlPath, nil); err == nil {
		t.Fatal("unsupported extension must be rejected")
	}
}
