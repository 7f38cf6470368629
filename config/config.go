// Package config provides configuration management for SagaFlow.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for SagaFlow.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP API server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Engine is the saga orchestration engine configuration.
	Engine EngineConfig `mapstructure:"engine"`

	// Storage is the saga state persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// EventBus is the choreography event bus configuration.
	EventBus EventBusConfig `mapstructure:"eventbus"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// AllowCredentials indicates whether credentials are allowed.
	AllowCredentials bool `mapstructure:"allow_credentials"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// EngineConfig holds saga engine settings.
type EngineConfig struct {
	// Workers is the number of dispatcher workers running step tasks.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize is the dispatcher task queue capacity.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// StepTimeout bounds a single step execution attempt.
	StepTimeout time.Duration `mapstructure:"step_timeout"`

	// FinalizeTimeout bounds the completion or compensation phase.
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`

	// StepRetries is the maximum number of attempts per step.
	StepRetries int `mapstructure:"step_retries" validate:"min=1"`

	// CompensationRetries bounds compensation attempts before a failed
	// compensation is recorded and skipped.
	CompensationRetries int `mapstructure:"compensation_retries" validate:"min=1"`

	// DispatchRate limits task starts per second. Zero disables limiting.
	DispatchRate float64 `mapstructure:"dispatch_rate" validate:"min=0"`

	// DispatchBurst is the rate limiter burst size.
	DispatchBurst int `mapstructure:"dispatch_burst" validate:"min=0"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the saga state backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Idempotency is the compensation idempotency store configuration.
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// IdempotencyConfig holds compensation idempotency store settings.
type IdempotencyConfig struct {
	// Type is the idempotency backend (memory, redis).
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// TTL bounds how long compensation markers are retained.
	TTL time.Duration `mapstructure:"ttl"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db"`
}

// EventBusConfig holds choreography event bus settings.
type EventBusConfig struct {
	// Type is the bus implementation (memory, nats).
	Type string `mapstructure:"type" validate:"oneof=memory nats"`

	// NodeID identifies this node in published envelopes.
	NodeID string `mapstructure:"node_id"`

	// NATS is the NATS transport configuration.
	NATS NATSConfig `mapstructure:"nats"`

	// PublishRetries is the publish retry budget per event.
	PublishRetries int `mapstructure:"publish_retries" validate:"min=0"`
}

// NATSConfig holds NATS-specific settings.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `mapstructure:"url"`

	// Name is the connection name reported to the server.
	Name string `mapstructure:"name"`

	// SubjectPrefix namespaces every subject on the wire.
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlp).
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Timeout bounds exporter calls.
	Timeout time.Duration `mapstructure:"timeout"`

	// Headers are extra headers sent to the collector.
	Headers map[string]string `mapstructure:"headers"`

	// Sampler selects the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s}",
		c.App.Name, c.Server.Port, c.App.Environment)
}
