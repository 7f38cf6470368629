package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "sagaflow",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 10 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engine: EngineConfig{
			Workers:             4,
			QueueSize:           256,
			StepTimeout:         300 * time.Second,
			FinalizeTimeout:     60 * time.Second,
			StepRetries:         3,
			CompensationRetries: 3,
			DispatchRate:        0,
			DispatchBurst:       1,
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
			},
			Idempotency: IdempotencyConfig{
				Type: "memory",
				Redis: RedisConfig{
					Address:  "localhost:6379",
					Password: "",
					DB:       0,
				},
				TTL: 7 * 24 * time.Hour,
			},
		},
		EventBus: EventBusConfig{
			Type:   "memory",
			NodeID: "node-1",
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				Name:          "sagaflow",
				SubjectPrefix: "sagaflow",
			},
			PublishRetries: 3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlp",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
