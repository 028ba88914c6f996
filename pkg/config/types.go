package config

import (
	"time"
)

// Config is the complete crashrelay configuration.
type Config struct {
	// Endpoint is the collector URL items are posted to.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required,url"`

	// InstrumentationKey is stamped on every envelope.
	InstrumentationKey string `yaml:"instrumentation_key" json:"instrumentation_key"`

	// Enabled turns tracking on or off.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DeveloperMode flushes after every tracked item.
	DeveloperMode bool `yaml:"developer_mode" json:"developer_mode"`

	// Context holds static tags added to every item.
	Context map[string]string `yaml:"context" json:"context,omitempty"`

	// Scripts lists Starlark initializer files.
	Scripts []string `yaml:"scripts" json:"scripts,omitempty"`

	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Queue        QueueConfig        `yaml:"queue" json:"queue"`
	Transmission TransmissionConfig `yaml:"transmission" json:"transmission"`
	Sender       SenderConfig       `yaml:"sender" json:"sender"`
	Filter       FilterConfig       `yaml:"filter" json:"filter"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
}

// StorageConfig selects the durable backend of the queue.
type StorageConfig struct {
	// Driver is file, sqlite or memory.
	Driver string `yaml:"driver" json:"driver" validate:"oneof=file sqlite memory"`

	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path" json:"path" validate:"required_unless=Driver memory"`
}

// QueueConfig bounds the persistent queue.
type QueueConfig struct {
	MaxBytes   int64         `yaml:"max_bytes" json:"max_bytes" validate:"gte=0"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age" json:"max_age" validate:"gte=0"`
}

// TransmissionConfig tunes the transmission policy and worker.
type TransmissionConfig struct {
	SendInterval         time.Duration `yaml:"send_interval" json:"send_interval" validate:"gte=0"`
	BaseDelay            time.Duration `yaml:"base_delay" json:"base_delay" validate:"gte=0"`
	MaxDelay             time.Duration `yaml:"max_delay" json:"max_delay" validate:"gte=0"`
	Jitter               float64       `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`
	FlushThreshold       int           `yaml:"flush_threshold" json:"flush_threshold" validate:"gte=0"`
	MaxBatchItems        int           `yaml:"max_batch_items" json:"max_batch_items" validate:"gte=0"`
	MaxBatchBytes        int64         `yaml:"max_batch_bytes" json:"max_batch_bytes" validate:"gte=0"`
	MaxBatchesPerAttempt int           `yaml:"max_batches_per_attempt" json:"max_batches_per_attempt" validate:"gte=0"`
	FlushTimeout         time.Duration `yaml:"flush_timeout" json:"flush_timeout" validate:"gte=0"`
}

// SenderConfig configures the HTTP request.
type SenderConfig struct {
	Timeout       time.Duration     `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Format        string            `yaml:"format" json:"format" validate:"oneof=json ndjson"`
	Compress      bool              `yaml:"compress" json:"compress"`
	RatePerSecond float64           `yaml:"rate_per_second" json:"rate_per_second" validate:"gte=0"`
	Burst         int               `yaml:"burst" json:"burst" validate:"gte=0"`
	UserAgent     string            `yaml:"user_agent" json:"user_agent,omitempty"`
	Headers       map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// FilterConfig configures the Rego filter.
type FilterConfig struct {
	// Enabled evaluates filter policies before items are queued.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists .rego/.json files or directories of custom policies.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Watch reloads Paths when files change.
	Watch bool `yaml:"watch" json:"watch"`

	// EnableBuiltins and DisableBuiltins toggle built-in policies by name.
	EnableBuiltins  []string `yaml:"enable_builtins" json:"enable_builtins,omitempty"`
	DisableBuiltins []string `yaml:"disable_builtins" json:"disable_builtins,omitempty"`
}

// TelemetryConfig configures crashrelay's own logs, metrics and traces.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`
	LogOutput string `yaml:"log_output" json:"log_output"`

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address,omitempty"`

	// TraceExporter is none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `yaml:"trace_endpoint" json:"trace_endpoint" validate:"required_if=TraceExporter otlp"`
}
