package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvEndpoint = "CRASHRELAY_ENDPOINT"
	EnvIKey     = "CRASHRELAY_IKEY"
	EnvLogLevel = "CRASHRELAY_LOG_LEVEL"
)

// DefaultEndpoint is the local sink started by `crashrelay sink`.
const DefaultEndpoint = "http://127.0.0.1:8089/v2/track"

// ErrUnsupportedFormat is returned for unknown configuration file extensions.
var ErrUnsupportedFormat = errors.New("unsupported configuration format")

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Endpoint:      DefaultEndpoint,
		Enabled:       true,
		DeveloperMode: false,
		Context:       map[string]string{},
		Storage: StorageConfig{
			Driver: "file",
			Path:   defaultStoragePath(),
		},
		Queue: QueueConfig{
			MaxBytes:   10 << 20,
			MaxEntries: 10000,
		},
		Transmission: TransmissionConfig{
			SendInterval:         15 * time.Second,
			BaseDelay:            10 * time.Second,
			MaxDelay:             time.Hour,
			FlushThreshold:       500,
			MaxBatchItems:        100,
			MaxBatchBytes:        1 << 20,
			MaxBatchesPerAttempt: 10,
			FlushTimeout:         5 * time.Second,
		},
		Sender: SenderConfig{
			Timeout: 30 * time.Second,
			Format:  "json",
		},
		Filter: FilterConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			LogOutput:     "stderr",
			TraceExporter: "none",
		},
	}
}

func defaultStoragePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "crashrelay", "queue")
}

// Load reads a configuration file, applies environment overrides and
// validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			err = decodeYAML(data, cfg)
		case ".cue":
			cfg, err = decodeCUE(path, data)
		default:
			err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes YAML or JSON over cfg. Unknown fields are errors.
func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from CRASHRELAY_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvIKey); v != "" {
		cfg.InstrumentationKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.LogLevel = strings.ToLower(v)
	}
}
