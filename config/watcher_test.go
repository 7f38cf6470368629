package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		configPath := writeTempConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, watcher.ConfigPath())
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("with debounce option", func(t *testing.T) {
		configPath := writeTempConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader, WithDebounce(100*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
	})
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	configPath := writeTempConfig(t, "server:\n  port: 8080\n")

	watcher, err := NewWatcher(configPath, NewLoader(), WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	reloaded := make(chan *Config, 4)
	watcher.OnChange(func(cfg *Config) {
		reloaded <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = watcher.Watch(ctx)
	}()

	// Give the watch loop time to register.
	time.Sleep(50 * time.Millisecond)
	if !watcher.IsRunning() {
		t.Fatal("watcher should be running")
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 9999 {
			t.Errorf("expected reloaded port 9999, got %d", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change callback never fired")
	}

	cancel()
	wg.Wait()
}

func TestWatcher_IgnoresInvalidReload(t *testing.T) {
	configPath := writeTempConfig(t, "server:\n  port: 8080\n")

	watcher, err := NewWatcher(configPath, NewLoader(), WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	reloaded := make(chan *Config, 4)
	watcher.OnChange(func(cfg *Config) {
		reloaded <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// An invalid file must not reach callbacks.
	if err := os.WriteFile(configPath, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config should not be delivered, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestHotReloadableConfig_Changed(t *testing.T) {
	base := ExtractHotReloadable(DefaultConfig())

	same := ExtractHotReloadable(DefaultConfig())
	if base.Changed(same) {
		t.Error("identical configs should not report change")
	}

	modified := DefaultConfig()
	modified.Log.Level = "debug"
	if !base.Changed(ExtractHotReloadable(modified)) {
		t.Error("log level change should be detected")
	}

	modified = DefaultConfig()
	modified.Metrics.Port = 9191
	if !base.Changed(ExtractHotReloadable(modified)) {
		t.Error("metrics port change should be detected")
	}
}
